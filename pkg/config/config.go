// Package config loads the scribe server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultSessionTimeout  = time.Hour
	DefaultIdleThreshold   = 5 * time.Minute
	DefaultReaperInterval  = 5 * time.Minute
	DefaultReconnectWindow = 15 * time.Minute
	DefaultMCPBind         = "127.0.0.1:8051"
	DefaultMonitoringBind  = "127.0.0.1:8052"
	DefaultCostPer1KTokens = 0.003
)

// Config represents the complete scribe configuration
type Config struct {
	Sessions   SessionConfig    `yaml:"sessions"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Retry      RetryPolicy      `yaml:"retry_policy"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SessionConfig controls session lifetime and the background reaper.
type SessionConfig struct {
	// Timeout is how long a session stays valid without activity.
	Timeout time.Duration `yaml:"timeout"`
	// IdleThreshold is the inactivity delta after which a session is
	// reported idle rather than active.
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	// ReaperInterval is how often the background reaper sweeps.
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	// ReconnectWindow is how long a minted reconnect token stays valid.
	ReconnectWindow time.Duration `yaml:"reconnect_window"`
	// ReconnectSecret signs reconnect tokens. Empty disables reconnection.
	ReconnectSecret string `yaml:"reconnect_secret"`
}

// StorageConfig controls the SQLite backing store.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// ServerConfig controls the MCP wire endpoint.
type ServerConfig struct {
	Bind string `yaml:"bind"`
}

// MonitoringConfig controls the read-only REST surface.
type MonitoringConfig struct {
	Bind string `yaml:"bind"`
}

// TrackingConfig controls request telemetry.
type TrackingConfig struct {
	// CostPer1KTokens converts token counts into estimated dollar cost.
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
}

// RetryPolicy defines retry behavior for transient errors
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
}

// LoggingConfig controls the structured event log.
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Sessions: SessionConfig{
			Timeout:         DefaultSessionTimeout,
			IdleThreshold:   DefaultIdleThreshold,
			ReaperInterval:  DefaultReaperInterval,
			ReconnectWindow: DefaultReconnectWindow,
		},
		Storage: StorageConfig{
			DBPath: defaultDBPath(),
		},
		Server: ServerConfig{
			Bind: DefaultMCPBind,
		},
		Monitoring: MonitoringConfig{
			Bind: DefaultMonitoringBind,
		},
		Tracking: TrackingConfig{
			CostPer1KTokens: DefaultCostPer1KTokens,
		},
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.2,
		},
		Logging: LoggingConfig{
			MinLevel: "info",
		},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "scribe.db"
	}
	return filepath.Join(home, ".scribe", "scribe.db")
}

// Load reads a YAML config file, applying defaults for absent fields.
// A missing file returns defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sessions.Timeout <= 0 {
		c.Sessions.Timeout = DefaultSessionTimeout
	}
	if c.Sessions.IdleThreshold <= 0 {
		c.Sessions.IdleThreshold = DefaultIdleThreshold
	}
	if c.Sessions.ReaperInterval <= 0 {
		c.Sessions.ReaperInterval = DefaultReaperInterval
	}
	if c.Sessions.ReconnectWindow <= 0 {
		c.Sessions.ReconnectWindow = DefaultReconnectWindow
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = defaultDBPath()
	}
	if c.Server.Bind == "" {
		c.Server.Bind = DefaultMCPBind
	}
	if c.Monitoring.Bind == "" {
		c.Monitoring.Bind = DefaultMonitoringBind
	}
	if c.Tracking.CostPer1KTokens <= 0 {
		c.Tracking.CostPer1KTokens = DefaultCostPer1KTokens
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = 250 * time.Millisecond
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 5 * time.Second
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = 2.0
	}
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}
}

// Validate rejects configurations the session state machine cannot honor.
func (c *Config) Validate() error {
	if c.Sessions.IdleThreshold >= c.Sessions.Timeout {
		return fmt.Errorf("sessions.idle_threshold (%s) must be below sessions.timeout (%s)",
			c.Sessions.IdleThreshold, c.Sessions.Timeout)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry_policy.jitter must be within [0, 1], got %v", c.Retry.Jitter)
	}
	return nil
}
