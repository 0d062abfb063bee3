package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.telechat/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Storage  ConfigStorage  `toml:"storage"`
	Realtime ConfigRealtime `toml:"realtime"`
	Webhook  ConfigWebhook  `toml:"webhook"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds the backend project settings.
type ConfigDefault struct {
	BackendURL string `toml:"backend_url"`
	AnonKey    string `toml:"anon_key"`
}

// ConfigAuth holds the session stored by 'telechat login'.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token"`
	UserID       string `toml:"user_id"`
	Email        string `toml:"email"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigStorage selects where pending message queues are persisted.
type ConfigStorage struct {
	Driver   string `toml:"driver"` // sqlite, redis or memory
	Path     string `toml:"path"`
	RedisURL string `toml:"redis_url"`
	RedisTTL string `toml:"redis_ttl"`
}

// ConfigRealtime selects the change feed transport.
type ConfigRealtime struct {
	Transport string `toml:"transport"` // websocket or sse
}

// ConfigWebhook configures 'telechat serve'.
type ConfigWebhook struct {
	Secret string `toml:"secret"`
	Listen string `toml:"listen"`
}

// ConfigLog configures logging.
type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.telechat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".telechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. If the file does not exist, it starts from a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides file settings with TELECHAT_* variables, including
// those loaded from a .env file.
func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"TELECHAT_BACKEND_URL":    &cfg.Default.BackendURL,
		"TELECHAT_ANON_KEY":       &cfg.Default.AnonKey,
		"TELECHAT_ACCESS_TOKEN":   &cfg.Auth.AccessToken,
		"TELECHAT_STORAGE":        &cfg.Storage.Driver,
		"TELECHAT_REDIS_URL":      &cfg.Storage.RedisURL,
		"TELECHAT_WEBHOOK_SECRET": &cfg.Webhook.Secret,
		"TELECHAT_LOG_LEVEL":      &cfg.Log.Level,
	}
	for name, field := range overrides {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
}

// saveConfig writes the config file as TOML. Environment overrides are not
// persisted; callers pass a config read with loadConfigFile.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.anon_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.anon_key)")
	}
	section, field := parts[0], parts[1]

	fields := map[string]map[string]*string{
		"default": {
			"backend_url": &cfg.Default.BackendURL,
			"anon_key":    &cfg.Default.AnonKey,
		},
		"auth": {
			"access_token":  &cfg.Auth.AccessToken,
			"user_id":       &cfg.Auth.UserID,
			"email":         &cfg.Auth.Email,
			"token_expires": &cfg.Auth.TokenExpires,
		},
		"storage": {
			"driver":    &cfg.Storage.Driver,
			"path":      &cfg.Storage.Path,
			"redis_url": &cfg.Storage.RedisURL,
			"redis_ttl": &cfg.Storage.RedisTTL,
		},
		"realtime": {
			"transport": &cfg.Realtime.Transport,
		},
		"webhook": {
			"secret": &cfg.Webhook.Secret,
			"listen": &cfg.Webhook.Listen,
		},
		"log": {
			"level":  &cfg.Log.Level,
			"format": &cfg.Log.Format,
		},
	}

	sectionFields, ok := fields[section]
	if !ok {
		return fmt.Errorf("unknown config section %q (valid: default, auth, storage, realtime, webhook, log)", section)
	}
	target, ok := sectionFields[field]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}

	switch key {
	case "storage.driver":
		if value != "sqlite" && value != "redis" && value != "memory" {
			return fmt.Errorf("storage.driver must be sqlite, redis or memory")
		}
	case "realtime.transport":
		if value != "websocket" && value != "sse" {
			return fmt.Errorf("realtime.transport must be websocket or sse")
		}
	}
	*target = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "telechat",
	Short: "Telehealth inbox CLI",
	Long:  "Command-line client for the telehealth inbox.\nSend and watch room messages with an offline-tolerant queue, and browse appointments.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env file is fine.
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
