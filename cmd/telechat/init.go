package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <backend-url> <anon-key>",
	Short: "Store the backend URL and anon key in ~/.telechat/config.toml",
	Long:  "Initialize telechat by storing the backend project URL and its public anon key in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		backendURL, anonKey := strings.TrimRight(args[0], "/"), args[1]
		if u, err := url.Parse(backendURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid backend URL %q", args[0])
		}

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BackendURL = backendURL
		cfg.Default.AnonKey = anonKey
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "sqlite"
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = "websocket"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend saved to %s\n", path)
		return nil
	},
}
