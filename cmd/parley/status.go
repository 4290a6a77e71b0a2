package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service status",
	Long:  "Display the current configuration and check that the Parley API is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.APIKey != "" {
			masked := maskKey(cfg.Default.APIKey)
			fmt.Printf("  API Key:     %s\n", masked)
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		if cfg.Default.DataDir != "" {
			fmt.Printf("  Data dir:    %s\n", cfg.Default.DataDir)
		}

		fmt.Println()
		fmt.Println("Profile:")
		fmt.Printf("  Display name: %s\n", valueOrDefault(cfg.Profile.DisplayName, "(not set)"))
		fmt.Printf("  Language:     %s\n", valueOrDefault(cfg.Profile.Language, "(not set)"))
		if cfg.Profile.Voice != "" {
			fmt.Printf("  Voice:        %s\n", cfg.Profile.Voice)
		}

		// If we have an API key, check the service is up.
		if cfg.Default.APIKey != "" {
			fmt.Println()
			fmt.Println("Service:")

			client := getClient()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			result, err := client.Health(ctx)
			if err != nil {
				fmt.Printf("  Error reaching API: %v\n", err)
				return nil
			}
			if !result.OK {
				if result.Error != nil {
					fmt.Printf("  API error: %s: %s\n", result.Error.Code, result.Error.Message)
				} else {
					fmt.Println("  API returned an error (no details)")
				}
				return nil
			}

			var health struct {
				Status  string `json:"status"`
				Version string `json:"version"`
			}
			if err := result.Decode(&health); err != nil {
				fmt.Printf("  Error decoding response: %v\n", err)
				return nil
			}

			fmt.Printf("  API:     %s\n", valueOrDefault(health.Status, "reachable"))
			if health.Version != "" {
				fmt.Printf("  Version: %s\n", health.Version)
			}
		}

		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
