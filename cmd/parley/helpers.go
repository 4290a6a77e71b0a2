package main

import (
	"fmt"
	"os"
	"path/filepath"

	parley "github.com/parleyhq/parley-go"
)

// clientOptions builds the shared option list from the stored config.
func clientOptions(cfg *Config) []parley.ClientOption {
	opts := []parley.ClientOption{parley.WithClientName("parley-cli")}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, parley.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, parley.WithEnvironment(parley.Environment(cfg.Default.Environment)))
	}
	return opts
}

// getClient creates a Parley client authenticated with the stored API key.
func getClient() *parley.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key. Run 'parley init <api-key>' first.")
		os.Exit(1)
	}
	return parley.NewClient(cfg.Default.APIKey, clientOptions(cfg)...)
}

// dataDir resolves the directory for durable session state, defaulting
// to ~/.parley/data.
func dataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// apiError formats a Parley API error for display.
func apiError(result *parley.Result) error {
	if result.Error != nil {
		return fmt.Errorf("API error: %s: %s", result.Error.Code, result.Error.Message)
	}
	return fmt.Errorf("API returned an error (no details)")
}

// audioExt maps a speech pipeline MIME type to a file extension.
func audioExt(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	default:
		return ".bin"
	}
}
