package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	parley "github.com/parleyhq/parley-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatHost        bool
	chatDisplayName string
	chatLanguage    string
	chatMode        string
	chatDataDir     string
	chatMetricsAddr string
)

// ============================================================================
// chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat [code]",
	Short: "Join a live translated conversation",
	Long: `Join a live translated conversation from the terminal.

Pass a 4-digit join code to enter an existing session, or --host to
start a new one and print its code. Incoming messages are shown in
your language as they arrive.

Lines starting with / are commands (/help lists them); anything else
is sent as a message. Messages queue locally while offline and sync
when the connection returns.

Sync state lives under the data directory, and each running instance
needs its own. To run two chats on one machine, give the second a
distinct --data-dir.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	language := chatLanguage
	if language == "" {
		language = cfg.Profile.Language
	}
	if language == "" {
		return fmt.Errorf("no language set. Use --language or 'parley config set profile.language <code>'")
	}
	displayName := chatDisplayName
	if displayName == "" {
		displayName = cfg.Profile.DisplayName
	}
	if !chatHost && len(args) == 0 {
		return fmt.Errorf("join code required (or pass --host to start a new session)")
	}

	client := getClient()

	dir := chatDataDir
	if dir == "" {
		dir, err = dataDir(cfg)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Internal logs go to a file so they do not interleave with the chat.
	logFile, err := os.OpenFile(filepath.Join(dir, "chat.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, nil))

	storage, err := parley.NewPebbleStorage(filepath.Join(dir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to open sync storage (is another chat using %s? pass --data-dir): %w", dir, err)
	}
	defer storage.Close()

	metrics := parley.NewMetrics(nil)
	if chatMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", parley.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(chatMetricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	opts := &parley.SessionOptions{
		DisplayName:     displayName,
		Language:        language,
		TranslationMode: chatMode,
		Storage:         storage,
		Metrics:         metrics,
		Logger:          logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var session *parley.SessionClient
	if chatHost {
		session, err = client.StartSession(ctx, opts)
	} else {
		session, err = client.JoinSession(ctx, args[0], opts)
	}
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	sess := session.Session()
	if chatHost {
		fmt.Printf("Session %s is live.\n", sess.ID)
		fmt.Printf("  Join code: %s  (the other side runs: parley chat %s)\n", sess.Code, sess.Code)
	} else {
		fmt.Printf("Joined session %s.\n", sess.ID)
	}
	fmt.Printf("Speaking %s. Type to talk, /help for commands.\n", language)

	ui := &chatUI{session: session, seen: make(map[string]bool)}
	ui.watch()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			if ui.dispatch(line) {
				return nil
			}
		}
	}
}

// ============================================================================
// Terminal UI
// ============================================================================

// chatUI renders the live feed and runs slash commands. Feed callbacks
// arrive on session goroutines, so rendering state is mutex-guarded.
type chatUI struct {
	mu      sync.Mutex
	session *parley.SessionClient
	seen    map[string]bool
}

func (ui *chatUI) watch() {
	ui.session.OnMessages(func(msgs []parley.Message) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		for _, m := range msgs {
			if m.ID == "" || ui.seen[m.ID] {
				continue
			}
			if m.SenderID == ui.session.UserID() || m.IsDeleted {
				continue
			}
			ui.seen[m.ID] = true
			text := m.TranslatedText
			if text == "" {
				text = m.OriginalText
			}
			fmt.Printf("\r<< %s\n> ", text)
			_ = ui.session.MarkRead(m.ID)
		}
	})
	ui.session.OnPresence(func(p parley.Presence) {
		if p.UserID == ui.session.UserID() || p.Activity == parley.ActivityIdle {
			return
		}
		fmt.Printf("\r-- partner is %s\n> ", p.Activity)
	})
	ui.session.OnOpFailed(func(op *parley.SyncOp, err error) {
		if op.MessageID == "" {
			fmt.Printf("\r!! sync failed: %v\n> ", err)
			return
		}
		fmt.Printf("\r!! %s failed: %v (/retry %s or /discard %s)\n> ", op.Type, err, op.MessageID, op.MessageID)
	})
}

const chatHelp = `Commands:
  /messages            show the transcript
  /failed              list messages that failed to send
  /retry <id>          requeue a failed message
  /discard <id>        drop a failed message
  /edit <id> <text>    edit one of your messages
  /delete <id>         delete one of your messages
  /react <id> <emoji>  toggle a reaction
  /speak <id>          synthesize a message as audio and save it
  /status              connection and queue state
  /leave               leave the session and exit
  /quit                exit (the session can be rejoined)`

// dispatch handles one input line and reports whether to exit.
func (ui *chatUI) dispatch(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		ui.send(line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/leave":
		ctx, cancel := opCtx()
		defer cancel()
		if err := ui.session.Leave(ctx); err != nil {
			fmt.Printf("leave failed: %v\n", err)
		}
		return true
	case "/help":
		fmt.Println(chatHelp)
	case "/status":
		ui.status()
	case "/messages":
		ui.transcript()
	case "/failed":
		ui.failed()
	case "/retry":
		if len(fields) != 2 {
			fmt.Println("usage: /retry <id>")
			break
		}
		if err := ui.session.RetryMessage(fields[1]); err != nil {
			fmt.Printf("retry failed: %v\n", err)
		}
	case "/discard":
		if len(fields) != 2 {
			fmt.Println("usage: /discard <id>")
			break
		}
		if err := ui.session.DiscardMessage(fields[1]); err != nil {
			fmt.Printf("discard failed: %v\n", err)
		}
	case "/edit":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			fmt.Println("usage: /edit <id> <text>")
			break
		}
		ctx, cancel := opCtx()
		if err := ui.session.Edit(ctx, parts[1], parts[2]); err != nil {
			fmt.Printf("edit failed: %v\n", err)
		}
		cancel()
	case "/delete":
		if len(fields) != 2 {
			fmt.Println("usage: /delete <id>")
			break
		}
		ctx, cancel := opCtx()
		if err := ui.session.Delete(ctx, fields[1]); err != nil {
			fmt.Printf("delete failed: %v\n", err)
		}
		cancel()
	case "/react":
		if len(fields) != 3 {
			fmt.Println("usage: /react <id> <emoji>")
			break
		}
		ctx, cancel := opCtx()
		if err := ui.session.ToggleReaction(ctx, fields[1], fields[2]); err != nil {
			fmt.Printf("react failed: %v\n", err)
		}
		cancel()
	case "/speak":
		if len(fields) != 2 {
			fmt.Println("usage: /speak <id>")
			break
		}
		ui.speak(fields[1])
	default:
		fmt.Printf("Unknown command %q. /help lists commands.\n", fields[0])
	}
	return false
}

func (ui *chatUI) send(text string) {
	ctx, cancel := opCtx()
	defer cancel()
	if _, err := ui.session.SendText(ctx, text); err != nil {
		fmt.Printf("send failed: %v\n", err)
	}
}

func (ui *chatUI) status() {
	fmt.Printf("Connection: %s\n", ui.session.ConnectionState())
	fmt.Printf("Pending ops: %d\n", ui.session.PendingOps())
	for _, p := range ui.session.Presence() {
		if p.UserID == ui.session.UserID() {
			continue
		}
		fmt.Printf("Partner activity: %s (as of %s)\n", p.Activity, p.UpdatedAt.Format("15:04:05"))
	}
}

func (ui *chatUI) transcript() {
	msgs := ui.session.Messages()
	if len(msgs) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, m := range msgs {
		fmt.Println(formatTranscriptLine(m, ui.session.UserID()))
	}
}

func (ui *chatUI) failed() {
	msgs := ui.session.FailedMessages()
	if len(msgs) == 0 {
		fmt.Println("No failed messages.")
		return
	}
	for _, m := range msgs {
		fmt.Printf("%s  %s\n", m.ID, m.OriginalText)
	}
	fmt.Println("Use /retry <id> or /discard <id>.")
}

func (ui *chatUI) speak(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	audio, err := ui.session.Speak(ctx, messageID)
	if err != nil {
		fmt.Printf("speak failed: %v\n", err)
		return
	}
	name := "parley-" + messageID + audioExt(audio.MimeType)
	if err := os.WriteFile(name, audio.Audio, 0o644); err != nil {
		fmt.Printf("failed to write audio: %v\n", err)
		return
	}
	fmt.Printf("Saved %s (%d bytes)\n", name, len(audio.Audio))
}

func formatTranscriptLine(m parley.Message, selfID string) string {
	who := "them"
	if m.SenderID == selfID {
		who = "you "
	}
	ts := m.QueuedAt.Format("15:04:05")
	if m.IsDeleted {
		return fmt.Sprintf("%s  %s  %s  (deleted)", ts, who, m.ID)
	}
	line := fmt.Sprintf("%s  %s  %s  %s", ts, who, m.ID, m.OriginalText)
	if m.TranslatedText != "" && m.TranslatedText != m.OriginalText {
		line += "\n" + strings.Repeat(" ", 10) + "-> " + m.TranslatedText
	}
	if m.IsEdited {
		line += "  (edited)"
	}
	for _, g := range m.Reactions {
		line += fmt.Sprintf("  [%s x%d]", g.Emoji, g.Count)
	}
	return line
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatCmd.Flags().BoolVar(&chatHost, "host", false, "Start a new session instead of joining one")
	chatCmd.Flags().StringVar(&chatLanguage, "language", "", "Speaking language (defaults to profile.language)")
	chatCmd.Flags().StringVar(&chatDisplayName, "display-name", "", "Display name (defaults to profile.display_name)")
	chatCmd.Flags().StringVar(&chatMode, "mode", "", "Translation register, e.g. casual or formal")
	chatCmd.Flags().StringVar(&chatDataDir, "data-dir", "", "Directory for offline sync state (defaults to default.data_dir)")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(chatCmd)
}
