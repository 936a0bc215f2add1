// Package config loads driftmail configuration from a TOML file with the
// override chain defaults -> file -> environment. Unknown keys in the file
// are fatal: silently ignoring a typo leads to hard-to-debug behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	appName        = "driftmail"
	configFileName = "config.toml"

	defaultBaseURL        = "https://api.driftmail.io"
	defaultStreamPath     = "/deltas/stream"
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultLogLevel       = "info"
)

// Config is the full configuration tree.
type Config struct {
	API      APIConfig      `toml:"api"`
	Database DatabaseConfig `toml:"database"`
	Queue    QueueConfig    `toml:"queue"`
	Log      LogConfig      `toml:"log"`
}

// APIConfig configures the remote mail API.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	AccessToken    string `toml:"access_token"`
	Namespace      string `toml:"namespace"`
	DeltaStreamURL string `toml:"delta_stream_url"`
}

// DatabaseConfig configures the local replica database.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// QueueConfig tunes remote retry behavior.
type QueueConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}

	*d = Duration(v)

	return nil
}

// Std returns the standard-library duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (unset fields keep defaults)
// and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: defaultBaseURL,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DefaultDataDir(), "replica.db"),
		},
		Queue: QueueConfig{
			MaxAttempts:    defaultMaxAttempts,
			InitialBackoff: Duration(defaultInitialBackoff),
			MaxBackoff:     Duration(defaultMaxBackoff),
		},
		Log: LogConfig{
			Level: defaultLogLevel,
		},
	}
}

// StreamURL returns the configured delta stream URL, deriving it from the
// base URL when not set explicitly.
func (c *Config) StreamURL() string {
	if c.API.DeltaStreamURL != "" {
		return c.API.DeltaStreamURL
	}

	url := c.API.BaseURL + defaultStreamPath

	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}

// Validate checks the resolved configuration for values that cannot work.
func Validate(cfg *Config) error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("config: api.base_url must not be empty")
	}

	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: queue.max_attempts must be at least 1, got %d", cfg.Queue.MaxAttempts)
	}

	if cfg.Queue.InitialBackoff.Std() <= 0 {
		return fmt.Errorf("config: queue.initial_backoff must be positive")
	}

	if cfg.Queue.MaxBackoff.Std() < cfg.Queue.InitialBackoff.Std() {
		return fmt.Errorf("config: queue.max_backoff must be >= queue.initial_backoff")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}

	return nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), configFileName)
}

// DefaultConfigDir returns the platform config directory. On Linux it
// respects XDG_CONFIG_HOME; macOS uses ~/Library/Application Support.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform data directory (replica database).
// On Linux it respects XDG_DATA_HOME.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}
