// Package config loads the engine configuration from a YAML file with
// environment overrides for the values that differ per machine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBufferCap      = 1000
	DefaultHistoryCap     = 500
	DefaultConnectTimeout = 15 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultMaxPollRetries = 150
	DefaultBusBackend     = "memory"
	DefaultMetricsBind    = "127.0.0.1:9690"
)

// Config is the complete engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Remote  RemoteConfig  `yaml:"remote"`
	Bus     BusConfig     `yaml:"bus"`
	State   StateConfig   `yaml:"state"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig points at the terminal server.
type ServerConfig struct {
	// URL is the server root; empty runs against a local shell.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// SessionConfig tunes per-session buffers and timeouts.
type SessionConfig struct {
	BufferCap      int           `yaml:"buffer_cap"`
	HistoryCap     int           `yaml:"history_cap"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RemoteConfig tunes the approval authority client.
type RemoteConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	// Backend is "memory" or "nats".
	Backend string `yaml:"backend"`
	NATSURL string `yaml:"nats_url"`
}

// StateConfig locates persisted preferences.
type StateConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig locates the JSONL logs.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".shellgate")
	return &Config{
		Session: SessionConfig{
			BufferCap:      DefaultBufferCap,
			HistoryCap:     DefaultHistoryCap,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Remote: RemoteConfig{
			PollInterval: DefaultPollInterval,
			MaxRetries:   DefaultMaxPollRetries,
		},
		Bus: BusConfig{
			Backend: DefaultBusBackend,
		},
		State: StateConfig{
			Path: filepath.Join(base, "state.json"),
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(base, "logs"),
			Level: "info",
		},
		Metrics: MetricsConfig{
			Bind: DefaultMetricsBind,
		},
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shellgate", "config.yaml")
}

// Load reads the file at path, layers it over the defaults, applies
// environment overrides, and validates the result. A missing file is
// fine; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SHELLGATE_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("SHELLGATE_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("SHELLGATE_NATS_URL"); v != "" {
		cfg.Bus.Backend = "nats"
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("SHELLGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Session.BufferCap <= 0 {
		return fmt.Errorf("session.buffer_cap must be positive, got %d", c.Session.BufferCap)
	}
	if c.Session.HistoryCap <= 0 {
		return fmt.Errorf("session.history_cap must be positive, got %d", c.Session.HistoryCap)
	}
	if c.Remote.PollInterval <= 0 {
		return fmt.Errorf("remote.poll_interval must be positive, got %s", c.Remote.PollInterval)
	}
	if c.Remote.MaxRetries <= 0 {
		return fmt.Errorf("remote.max_retries must be positive, got %d", c.Remote.MaxRetries)
	}
	switch strings.ToLower(c.Bus.Backend) {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus.nats_url required when bus.backend is nats")
		}
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
