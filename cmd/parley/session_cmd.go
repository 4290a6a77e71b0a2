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
	// session create
	sessionCreateLanguage    string
	sessionCreateDisplayName string
	sessionCreateJSON        bool

	// session info
	sessionInfoJSON bool
)

// ============================================================================
// Root session command
// ============================================================================

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session management commands",
	Long:  "Create, inspect, and end translation sessions without joining them interactively.",
}

// ============================================================================
// session create
// ============================================================================

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session and print its join code",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := getClient()

		language := sessionCreateLanguage
		if language == "" {
			language = cfg.Profile.Language
		}
		displayName := sessionCreateDisplayName
		if displayName == "" {
			displayName = cfg.Profile.DisplayName
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Sessions().Create(ctx, &parley.CreateSessionOptions{
			DisplayName: displayName,
			Language:    language,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if sessionCreateJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var grant parley.SessionGrant
		if err := result.Decode(&grant); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		fmt.Printf("Session created: %s\n", grant.Session.ID)
		fmt.Printf("  Join code: %s\n", grant.Session.Code)
		fmt.Printf("  User ID:   %s\n", grant.UserID)
		fmt.Println("\nShare the code with the other participant, then run 'parley chat --host' to talk.")
		return nil
	},
}

// ============================================================================
// session info
// ============================================================================

var sessionInfoCmd = &cobra.Command{
	Use:   "info <session-id>",
	Short: "Show a session and its participant roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Sessions().Get(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if sessionInfoJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var sess parley.Session
		if err := result.Decode(&sess); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		fmt.Printf("Session: %s\n", sess.ID)
		fmt.Printf("  Code:    %s\n", sess.Code)
		fmt.Printf("  Status:  %s\n", sess.Status)
		fmt.Printf("  Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
		if sess.EndedAt != nil {
			fmt.Printf("  Ended:   %s\n", sess.EndedAt.Format(time.RFC3339))
		}

		if len(sess.Participants) == 0 {
			fmt.Println("  Participants: none")
			return nil
		}
		fmt.Printf("  Participants (%d):\n", len(sess.Participants))
		for _, p := range sess.Participants {
			host := ""
			if p.UserID == sess.HostID {
				host = " (host)"
			}
			name := p.DisplayName
			if name == "" {
				name = p.UserID
			}
			fmt.Printf("    %s [%s]%s\n", name, p.Language, host)
		}
		return nil
	},
}

// ============================================================================
// session leave
// ============================================================================

var sessionLeaveCmd = &cobra.Command{
	Use:   "leave <session-id>",
	Short: "Leave a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Sessions().Leave(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		fmt.Printf("Left session %s.\n", sessionID)
		return nil
	},
}

// ============================================================================
// session end
// ============================================================================

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session for all participants (host only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Sessions().End(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		fmt.Printf("Ended session %s.\n", sessionID)
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// session create
	sessionCreateCmd.Flags().StringVar(&sessionCreateLanguage, "language", "", "Speaking language (defaults to profile.language)")
	sessionCreateCmd.Flags().StringVar(&sessionCreateDisplayName, "display-name", "", "Display name (defaults to profile.display_name)")
	sessionCreateCmd.Flags().BoolVar(&sessionCreateJSON, "json", false, "Output raw JSON")

	// session info
	sessionInfoCmd.Flags().BoolVar(&sessionInfoJSON, "json", false, "Output raw JSON")

	// Wire up sub-commands.
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionInfoCmd)
	sessionCmd.AddCommand(sessionLeaveCmd)
	sessionCmd.AddCommand(sessionEndCmd)

	// Register session under root.
	rootCmd.AddCommand(sessionCmd)
}
