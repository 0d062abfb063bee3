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
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the session token is expired, and probe the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:   %s\n", valueOrDefault(cfg.Default.BackendURL, "(not set)"))
		if cfg.Default.AnonKey != "" {
			fmt.Printf("  Anon Key:  %s\n", maskKey(cfg.Default.AnonKey))
		} else {
			fmt.Println("  Anon Key:  (not set)")
		}
		fmt.Printf("  Storage:   %s\n", valueOrDefault(cfg.Storage.Driver, "sqlite"))
		fmt.Printf("  Realtime:  %s\n", valueOrDefault(cfg.Realtime.Transport, "websocket"))

		fmt.Println()
		fmt.Println("Session:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:   %s\n", cfg.Auth.UserID)
			fmt.Printf("  Email:     %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))
		} else {
			fmt.Println("  User ID:   (not logged in)")
		}
		fmt.Printf("  Token:     %s\n", tokenStatus(cfg.Auth, time.Now()))

		if cfg.Default.BackendURL == "" || cfg.Default.AnonKey == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		logger := newLogger(cfg)
		client, err := newClient(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Ping(ctx); err != nil {
			fmt.Printf("  Backend:   unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  Backend:   reachable")

		if cfg.Auth.AccessToken != "" {
			user, err := client.CurrentUser(ctx)
			if err != nil {
				fmt.Printf("  Session:   rejected (%v)\n", err)
				return nil
			}
			fmt.Printf("  Session:   valid for %s\n", user.UserID)
		}
		return nil
	},
}

// tokenStatus describes the stored token's expiry at now.
func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.AccessToken == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return "present (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
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
