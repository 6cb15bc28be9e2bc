// Package config handles application configuration from environment variables
// and an optional TOML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath     string        `toml:"database_path"`
	LogLevel         string        `toml:"log_level"`
	CycleInterval    time.Duration `toml:"cycle_interval"`
	Workers          int           `toml:"workers"`
	FetchTimeout     time.Duration `toml:"fetch_timeout"`
	TimelineURL      string        `toml:"timeline_url"`
	TimelineRate     int           `toml:"timeline_rate"`
	TimelineTimeout  time.Duration `toml:"timeline_timeout"`
	SessionCacheSize int           `toml:"session_cache_size"`
	MetricsAddr      string        `toml:"metrics_addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DatabasePath:     "./data/pins.db",
		LogLevel:         "info",
		CycleInterval:    2 * time.Minute,
		Workers:          50,
		FetchTimeout:     5 * time.Second,
		TimelineURL:      "https://timeline-api.rebble.io",
		TimelineRate:     20,
		TimelineTimeout:  10 * time.Second,
		SessionCacheSize: 1024,
	}
}

// Load builds the configuration from defaults, then the TOML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := toml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DatabasePath, "DATABASE_PATH")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.TimelineURL, "TIMELINE_URL")
	setString(&c.MetricsAddr, "METRICS_ADDR")

	if err := setDuration(&c.CycleInterval, "CYCLE_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.FetchTimeout, "FETCH_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.TimelineTimeout, "TIMELINE_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&c.Workers, "WORKERS"); err != nil {
		return err
	}
	if err := setInt(&c.TimelineRate, "TIMELINE_RATE"); err != nil {
		return err
	}
	return setInt(&c.SessionCacheSize, "SESSION_CACHE_SIZE")
}

func (c *Config) validate() error {
	switch {
	case c.DatabasePath == "":
		return fmt.Errorf("database path is required")
	case c.TimelineURL == "":
		return fmt.Errorf("timeline URL is required")
	case c.CycleInterval <= 0:
		return fmt.Errorf("cycle interval must be positive, got %s", c.CycleInterval)
	case c.FetchTimeout <= 0:
		return fmt.Errorf("fetch timeout must be positive, got %s", c.FetchTimeout)
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.TimelineTimeout <= 0:
		return fmt.Errorf("timeline timeout must be positive, got %s", c.TimelineTimeout)
	case c.TimelineRate <= 0:
		return fmt.Errorf("timeline rate must be positive, got %d", c.TimelineRate)
	case c.SessionCacheSize <= 0:
		return fmt.Errorf("session cache size must be positive, got %d", c.SessionCacheSize)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = n
	return nil
}
