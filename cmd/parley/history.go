package main

import (
	"context"
	"fmt"
	"time"

	parley "github.com/parleyhq/parley-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	historyLimit  int
	historyBefore string
	historyJSON   bool
)

// ============================================================================
// history command
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show a session's message history",
	Long: `Show a session's message history, oldest first.

Page backwards through long transcripts with --before, passing the ID
of the oldest message from the previous page.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Messages().History(ctx, sessionID, historyLimit, historyBefore)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if historyJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var msgs []parley.Message
		if err := result.Decode(&msgs); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		// History arrives newest first.
		for i := len(msgs) - 1; i >= 0; i-- {
			printHistoryMessage(msgs[i])
		}
		return nil
	},
}

func printHistoryMessage(m parley.Message) {
	ts := m.QueuedAt.Format("2006-01-02 15:04:05")
	if m.IsDeleted {
		fmt.Printf("%s  %-12s  (deleted)\n", ts, m.SenderID)
		return
	}
	edited := ""
	if m.IsEdited {
		edited = "  (edited)"
	}
	fmt.Printf("%s  %-12s  %s%s\n", ts, m.SenderID, m.OriginalText, edited)
	if m.TranslatedText != "" && m.TranslatedText != m.OriginalText {
		fmt.Printf("%21s -> %s\n", "", m.TranslatedText)
	}
	for _, g := range m.Reactions {
		fmt.Printf("%21s  [%s x%d]\n", "", g.Emoji, g.Count)
	}
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum messages to fetch")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Fetch messages older than this message ID")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(historyCmd)
}
