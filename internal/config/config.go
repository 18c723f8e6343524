package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Remote system of record
	Remote RemoteConfig `json:"remote" yaml:"remote" mapstructure:"remote"`

	// Durable local storage
	Storage StorageConfig `json:"storage" yaml:"storage" mapstructure:"storage"`

	// Snapshot cache
	Cache CacheConfig `json:"cache" yaml:"cache" mapstructure:"cache"`

	// Mutation outbox
	Outbox OutboxConfig `json:"outbox" yaml:"outbox" mapstructure:"outbox"`

	// Connectivity detection
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity" mapstructure:"connectivity"`

	// Logging
	Log LogConfig `json:"log" yaml:"log" mapstructure:"log"`

	// Metrics endpoint used by `offsync watch`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// RemoteConfig for server communication.
type RemoteConfig struct {
	BaseURL    string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Token      string        `json:"token,omitempty" yaml:"token,omitempty" mapstructure:"token"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"` // first read backoff step
	UserAgent  string        `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"` // sqlite, sqlite-pure, badger, json, memory
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// CacheConfig for the snapshot cache.
type CacheConfig struct {
	TTL       time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`             // fresh -> stale-but-usable
	MaxAge    time.Duration `json:"max_age" yaml:"max_age" mapstructure:"max_age"` // prune threshold
	MaxScopes int           `json:"max_scopes" yaml:"max_scopes" mapstructure:"max_scopes"`
}

// OutboxConfig for the mutation outbox.
type OutboxConfig struct {
	MaxItems           int           `json:"max_items" yaml:"max_items" mapstructure:"max_items"`
	MaxAttempts        int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay          time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay           time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	RequestTimeout     time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
	FailedHold         time.Duration `json:"failed_hold" yaml:"failed_hold" mapstructure:"failed_hold"`
	CompletedRetention time.Duration `json:"completed_retention" yaml:"completed_retention" mapstructure:"completed_retention"`
	ReplayRate         float64       `json:"replay_rate" yaml:"replay_rate" mapstructure:"replay_rate"` // calls per second, 0 = unlimited
	MaintenanceEvery   time.Duration `json:"maintenance_every" yaml:"maintenance_every" mapstructure:"maintenance_every"`
}

// ConnectivityConfig for the connectivity monitor.
type ConnectivityConfig struct {
	Signal        string        `json:"signal" yaml:"signal" mapstructure:"signal"` // http, websocket, manual
	SettleWindow  time.Duration `json:"settle_window" yaml:"settle_window" mapstructure:"settle_window"`
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout" yaml:"probe_timeout" mapstructure:"probe_timeout"`
	HealthPath    string        `json:"health_path" yaml:"health_path" mapstructure:"health_path"`
	WebSocketURL  string        `json:"websocket_url,omitempty" yaml:"websocket_url,omitempty" mapstructure:"websocket_url"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" mapstructure:"format"` // text, json
	File   string `json:"file" yaml:"file" mapstructure:"file"`       // Log file path (empty = stdout)
	Color  bool   `json:"color" yaml:"color" mapstructure:"color"`
}

// MetricsConfig for the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			BaseURL:    "http://localhost:8080",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
			UserAgent:  "offsync/1.0",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: ".offsync",
		},
		Cache: CacheConfig{
			TTL:       30 * time.Minute,
			MaxAge:    24 * time.Hour,
			MaxScopes: 64,
		},
		Outbox: OutboxConfig{
			MaxItems:           500,
			MaxAttempts:        5,
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
			RequestTimeout:     15 * time.Second,
			FailedHold:         time.Minute,
			CompletedRetention: time.Minute,
			ReplayRate:         10,
			MaintenanceEvery:   time.Minute,
		},
		Connectivity: ConnectivityConfig{
			Signal:        "http",
			SettleWindow:  500 * time.Millisecond,
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  3 * time.Second,
			HealthPath:    "/health",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}

	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}

	validBackends := map[string]bool{"sqlite": true, "sqlite-pure": true, "badger": true, "json": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if c.Storage.Backend != "memory" && c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}

	if c.Cache.MaxScopes <= 0 {
		return errors.New("cache.max_scopes must be positive")
	}

	if c.Outbox.MaxItems <= 0 {
		return errors.New("outbox.max_items must be positive")
	}

	if c.Outbox.MaxAttempts <= 0 {
		return errors.New("outbox.max_attempts must be positive")
	}

	if c.Outbox.BaseDelay <= 0 || c.Outbox.MaxDelay < c.Outbox.BaseDelay {
		return errors.New("outbox.base_delay must be positive and not exceed outbox.max_delay")
	}

	if c.Outbox.RequestTimeout <= 0 {
		return errors.New("outbox.request_timeout must be positive")
	}

	validSignals := map[string]bool{"http": true, "websocket": true, "manual": true}
	if !validSignals[c.Connectivity.Signal] {
		return fmt.Errorf("invalid connectivity signal: %s", c.Connectivity.Signal)
	}

	if c.Connectivity.Signal == "websocket" && c.Connectivity.WebSocketURL == "" {
		return errors.New("connectivity.websocket_url is required for the websocket signal")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Backend != "memory" {
		dirs = append(dirs, c.Storage.DataDir)
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
