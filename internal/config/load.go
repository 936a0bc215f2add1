package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides. Environment values beat the
// config file but lose to CLI flags.
const (
	EnvConfig      = "DRIFTMAIL_CONFIG"
	EnvBaseURL     = "DRIFTMAIL_BASE_URL"
	EnvAccessToken = "DRIFTMAIL_ACCESS_TOKEN"
	EnvNamespace   = "DRIFTMAIL_NAMESPACE"
	EnvDatabase    = "DRIFTMAIL_DATABASE"
	EnvLogLevel    = "DRIFTMAIL_LOG_LEVEL"
	EnvMaxAttempts = "DRIFTMAIL_MAX_ATTEMPTS"
)

// Load reads and parses a TOML config file, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a config file if it exists, otherwise returns the
// defaults with environment overrides applied. This supports the zero-config
// first run: the client works without a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)

		if err := Validate(cfg); err != nil {
			return nil, err
		}

		return cfg, nil
	}

	return Load(path)
}

// ResolvePath picks the config file path: explicit flag > environment >
// platform default.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}

	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}

	return DefaultConfigPath()
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.API.BaseURL = v
	}

	if v := os.Getenv(EnvAccessToken); v != "" {
		cfg.API.AccessToken = v
	}

	if v := os.Getenv(EnvNamespace); v != "" {
		cfg.API.Namespace = v
	}

	if v := os.Getenv(EnvDatabase); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}

	if v := os.Getenv(EnvMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}
}
