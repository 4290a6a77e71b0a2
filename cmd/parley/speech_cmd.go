package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	parley "github.com/parleyhq/parley-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// speech translate
	speechTranslateFrom string
	speechTranslateTo   string

	// speech transcribe
	speechTranscribeLanguage string

	// speech synthesize
	speechSynthesizeLanguage string
	speechSynthesizeVoice    string
	speechSynthesizeOut      string
)

// ============================================================================
// Root speech command
// ============================================================================

var speechCmd = &cobra.Command{
	Use:   "speech",
	Short: "Speech pipeline commands",
	Long:  "Translate text, transcribe audio files, and synthesize speech outside a session.",
}

// ============================================================================
// speech translate
// ============================================================================

var speechTranslateCmd = &cobra.Command{
	Use:   "translate <text>",
	Short: "Translate text between languages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		from := speechTranslateFrom
		if from == "" {
			from = cfg.Profile.Language
		}
		if from == "" || speechTranslateTo == "" {
			return fmt.Errorf("both --from (or profile.language) and --to are required")
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		out, err := client.Speech().Translate(ctx, &parley.TranslateRequest{
			Text:           args[0],
			SourceLanguage: from,
			TargetLanguage: speechTranslateTo,
		})
		if err != nil {
			return fmt.Errorf("translation failed: %w", err)
		}

		fmt.Println(out.TranslatedText)
		return nil
	},
}

// ============================================================================
// speech transcribe
// ============================================================================

var speechTranscribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Transcribe an audio file to text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		audio, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read audio file: %w", err)
		}
		format := strings.TrimPrefix(filepath.Ext(args[0]), ".")

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		out, err := client.Speech().Transcribe(ctx, &parley.TranscribeRequest{
			Audio:    audio,
			Format:   format,
			Language: speechTranscribeLanguage,
		})
		if err != nil {
			return fmt.Errorf("transcription failed: %w", err)
		}

		fmt.Println(out.Text)
		if out.Confidence > 0 {
			fmt.Fprintf(os.Stderr, "(%s, confidence %.2f)\n", out.Language, out.Confidence)
		}
		return nil
	},
}

// ============================================================================
// speech synthesize
// ============================================================================

var speechSynthesizeCmd = &cobra.Command{
	Use:   "synthesize <text>",
	Short: "Synthesize text as speech audio",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		language := speechSynthesizeLanguage
		if language == "" {
			language = cfg.Profile.Language
		}
		voice := speechSynthesizeVoice
		if voice == "" {
			voice = cfg.Profile.Voice
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		out, err := client.Speech().Synthesize(ctx, &parley.SynthesizeRequest{
			Text:     args[0],
			Language: language,
			Voice:    voice,
		})
		if err != nil {
			return fmt.Errorf("synthesis failed: %w", err)
		}

		name := speechSynthesizeOut
		if name == "" {
			name = "parley-speech" + audioExt(out.MimeType)
		}
		if err := os.WriteFile(name, out.Audio, 0o644); err != nil {
			return fmt.Errorf("failed to write audio: %w", err)
		}

		fmt.Printf("Saved %s (%d bytes", name, len(out.Audio))
		if out.DurationMS > 0 {
			fmt.Printf(", %.1fs", float64(out.DurationMS)/1000)
		}
		fmt.Println(")")
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// speech translate
	speechTranslateCmd.Flags().StringVar(&speechTranslateFrom, "from", "", "Source language (defaults to profile.language)")
	speechTranslateCmd.Flags().StringVar(&speechTranslateTo, "to", "", "Target language")

	// speech transcribe
	speechTranscribeCmd.Flags().StringVar(&speechTranscribeLanguage, "language", "", "Spoken language hint")

	// speech synthesize
	speechSynthesizeCmd.Flags().StringVar(&speechSynthesizeLanguage, "language", "", "Text language (defaults to profile.language)")
	speechSynthesizeCmd.Flags().StringVar(&speechSynthesizeVoice, "voice", "", "Voice name (defaults to profile.voice)")
	speechSynthesizeCmd.Flags().StringVar(&speechSynthesizeOut, "out", "", "Output file (defaults to parley-speech.<ext>)")

	// Wire up sub-commands.
	speechCmd.AddCommand(speechTranslateCmd)
	speechCmd.AddCommand(speechTranscribeCmd)
	speechCmd.AddCommand(speechSynthesizeCmd)

	// Register speech under root.
	rootCmd.AddCommand(speechCmd)
}
