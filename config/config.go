// Package config loads service configuration from .env, an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Reddit  RedditConfig  `mapstructure:"reddit"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port       string `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

type RedditConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RefreshConfig struct {
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	Debounce       time.Duration `mapstructure:"debounce"`
	SanityDuration time.Duration `mapstructure:"sanity_duration"`
	Concurrency    int           `mapstructure:"concurrency"`
	Schedule       string        `mapstructure:"schedule"` // Cron spec, empty disables
}

type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"` // Empty logs instead
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.path", "marker.db")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("reddit.base_url", "https://www.reddit.com")
	v.SetDefault("reddit.user_agent", "reddit-marker/1.0")
	v.SetDefault("reddit.timeout", 30*time.Second)
	v.SetDefault("refresh.stale_after", 7*24*time.Hour)
	v.SetDefault("refresh.debounce", 4*time.Second)
	v.SetDefault("refresh.sanity_duration", 2*time.Minute)
	v.SetDefault("refresh.concurrency", 4)
	v.SetDefault("refresh.schedule", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. Priority: environment > YAML file > defaults.
// An empty path looks for config.yaml in the working directory and carries on
// without it; an explicit path must exist. Variables in a .env file are loaded
// into the environment first. Keys map to variables by upper-casing and
// replacing dots with underscores, e.g. REFRESH_DEBOUNCE.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"reddit.timeout", c.Reddit.Timeout},
		{"refresh.stale_after", c.Refresh.StaleAfter},
		{"refresh.debounce", c.Refresh.Debounce},
		{"refresh.sanity_duration", c.Refresh.SanityDuration},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be > 0 (got %s)", d.key, d.d)
		}
	}
	if c.Refresh.Concurrency <= 0 {
		return fmt.Errorf("refresh.concurrency must be > 0 (got %d)", c.Refresh.Concurrency)
	}
	if c.Reddit.UserAgent == "" {
		return errors.New("reddit.user_agent is required")
	}
	return nil
}

// NewLogger builds the process logger and installs it as the default.
func NewLogger(cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
