package main

import (
	"context"
	"fmt"
	"time"

	"github.com/carelink-health/telechat"
	"github.com/spf13/cobra"
)

var loginVerify bool

func init() {
	loginCmd.Flags().BoolVar(&loginVerify, "verify", true, "Confirm the token with the backend before storing it")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <access-token>",
	Short: "Store a session access token",
	Long:  "Store the session access token issued by the backend's auth service. The token's identity is saved so queued messages can be written while offline.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		id, err := telechat.SessionAuth{Token: token}.CurrentUser(ctx)
		if err != nil {
			return fmt.Errorf("invalid access token: %w", err)
		}

		if loginVerify {
			cfg.Auth.AccessToken = token
			client, err := newClient(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			remote, err := client.CurrentUser(ctx)
			if err != nil {
				return fmt.Errorf("backend rejected token: %w", err)
			}
			if remote.UserID != id.UserID {
				return fmt.Errorf("token subject %s does not match backend user %s", id.UserID, remote.UserID)
			}
		}

		// Persist file values only, not environment overrides.
		fileCfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Auth = ConfigAuth{
			AccessToken: token,
			UserID:      id.UserID,
			Email:       id.Email,
		}
		if !id.ExpiresAt.IsZero() {
			fileCfg.Auth.TokenExpires = id.ExpiresAt.Format(time.RFC3339)
		}
		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID: %s\n", id.UserID)
		if id.Email != "" {
			fmt.Printf("  Email:   %s\n", id.Email)
		}
		if fileCfg.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires: %s\n", fileCfg.Auth.TokenExpires)
		}
		return nil
	},
}
