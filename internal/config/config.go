// Package config loads backend configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Exec      ExecConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8700"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// ExecConfig holds command execution and process tracking limits.
// These are the knobs the execution core is parameterized by; none of
// them are hard-coded anywhere else.
type ExecConfig struct {
	// DefaultTimeout bounds foreground commands that do not specify
	// their own timeout. Background processes have no implicit timeout.
	DefaultTimeout time.Duration `envconfig:"EXEC_DEFAULT_TIMEOUT" default:"60s"`
	// KillGrace is the pause between SIGTERM and SIGKILL when a
	// process is terminated by timeout or by an explicit kill.
	KillGrace time.Duration `envconfig:"EXEC_KILL_GRACE" default:"2s"`
	// OutputLimit caps captured stdout+stderr bytes per process.
	OutputLimit int `envconfig:"EXEC_OUTPUT_LIMIT" default:"1048576"`
	// MaxProcesses caps concurrently live background processes.
	MaxProcesses int `envconfig:"EXEC_MAX_PROCESSES" default:"64"`
	// ReapInterval is how often the reaper reconciles process state.
	ReapInterval time.Duration `envconfig:"EXEC_REAP_INTERVAL" default:"5s"`
	// Retention is how long terminal records are kept before eviction.
	Retention time.Duration `envconfig:"EXEC_RETENTION" default:"1h"`
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

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
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

// Validate rejects configurations the execution core cannot honor.
func (c *Config) Validate() error {
	if c.Exec.OutputLimit <= 0 {
		return fmt.Errorf("exec output limit must be positive, got %d", c.Exec.OutputLimit)
	}
	if c.Exec.MaxProcesses <= 0 {
		return fmt.Errorf("exec max processes must be positive, got %d", c.Exec.MaxProcesses)
	}
	if c.Exec.DefaultTimeout <= 0 {
		return fmt.Errorf("exec default timeout must be positive, got %s", c.Exec.DefaultTimeout)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8700",
			Host: "0.0.0.0",
		},
		Exec: ExecConfig{
			DefaultTimeout: 60 * time.Second,
			KillGrace:      2 * time.Second,
			OutputLimit:    1 << 20,
			MaxProcesses:   64,
			ReapInterval:   5 * time.Second,
			Retention:      time.Hour,
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
}
