package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Data      DataConfig
	Session   SessionConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Repos     RepoConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"7420"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// DataConfig holds on-disk state configuration.
type DataConfig struct {
	Dir string `envconfig:"CREW_DATA_DIR" default:""`
}

// SessionConfig holds session and worker tuning.
type SessionConfig struct {
	// MessageDelay is the pause between parts of a multi-part message
	// injected into an agent PTY. TUI-style agents need time to consume
	// each line before the next arrives.
	MessageDelay time.Duration `envconfig:"CREW_MESSAGE_DELAY" default:"250ms"`
	// OutputBufferSize bounds the per-worker output replay buffer.
	OutputBufferSize int `envconfig:"CREW_OUTPUT_BUFFER" default:"1048576"`
	// MessageHistoryLimit bounds the per-session message history.
	MessageHistoryLimit int `envconfig:"CREW_MESSAGE_HISTORY" default:"200"`
	TermCols            int `envconfig:"CREW_TERM_COLS" default:"80"`
	TermRows            int `envconfig:"CREW_TERM_ROWS" default:"24"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// RepoConfig holds the repository registry location.
type RepoConfig struct {
	File string `envconfig:"CREW_REPOS_FILE" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: "7420",
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			MessageDelay:        250 * time.Millisecond,
			OutputBufferSize:    1048576,
			MessageHistoryLimit: 200,
			TermCols:            80,
			TermRows:            24,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in paths that depend on the user environment.
func applyDefaults(cfg *Config) {
	if cfg.Data.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		cfg.Data.Dir = filepath.Join(home, ".crew")
	}
	if cfg.Repos.File == "" {
		cfg.Repos.File = filepath.Join(cfg.Data.Dir, "repositories.yaml")
	}
}
