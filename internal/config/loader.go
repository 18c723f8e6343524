package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "OFFSYNC",
		v:          viper.New(),
	}
}

// Load reads configuration from defaults, file and environment, in that
// order of precedence.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults(DefaultConfig())

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				l.v.SetConfigFile(path)
				if err := l.v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFile returns the file the loader read, if any.
func (l *Loader) ConfigFile() string {
	return l.configPath
}

// setDefaults registers every key so AutomaticEnv can override it.
func (l *Loader) setDefaults(cfg *Config) {
	d := map[string]interface{}{
		"remote.base_url":    cfg.Remote.BaseURL,
		"remote.token":       cfg.Remote.Token,
		"remote.timeout":     cfg.Remote.Timeout,
		"remote.max_retries": cfg.Remote.MaxRetries,
		"remote.retry_delay": cfg.Remote.RetryDelay,
		"remote.user_agent":  cfg.Remote.UserAgent,

		"storage.backend":  cfg.Storage.Backend,
		"storage.data_dir": cfg.Storage.DataDir,

		"cache.ttl":        cfg.Cache.TTL,
		"cache.max_age":    cfg.Cache.MaxAge,
		"cache.max_scopes": cfg.Cache.MaxScopes,

		"outbox.max_items":           cfg.Outbox.MaxItems,
		"outbox.max_attempts":        cfg.Outbox.MaxAttempts,
		"outbox.base_delay":          cfg.Outbox.BaseDelay,
		"outbox.max_delay":           cfg.Outbox.MaxDelay,
		"outbox.request_timeout":     cfg.Outbox.RequestTimeout,
		"outbox.failed_hold":         cfg.Outbox.FailedHold,
		"outbox.completed_retention": cfg.Outbox.CompletedRetention,
		"outbox.replay_rate":         cfg.Outbox.ReplayRate,
		"outbox.maintenance_every":   cfg.Outbox.MaintenanceEvery,

		"connectivity.signal":         cfg.Connectivity.Signal,
		"connectivity.settle_window":  cfg.Connectivity.SettleWindow,
		"connectivity.probe_interval": cfg.Connectivity.ProbeInterval,
		"connectivity.probe_timeout":  cfg.Connectivity.ProbeTimeout,
		"connectivity.health_path":    cfg.Connectivity.HealthPath,
		"connectivity.websocket_url":  cfg.Connectivity.WebSocketURL,

		"log.level":  cfg.Log.Level,
		"log.format": cfg.Log.Format,
		"log.file":   cfg.Log.File,
		"log.color":  cfg.Log.Color,

		"metrics.enabled": cfg.Metrics.Enabled,
		"metrics.addr":    cfg.Metrics.Addr,
	}
	for k, val := range d {
		l.v.SetDefault(k, val)
	}
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"offsync.yaml",
		"offsync.json",
		".offsync.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "offsync", "config.yaml"),
			filepath.Join(homeDir, ".offsync", "config.yaml"),
		)
	}

	return paths
}

// SaveExample writes the default configuration as YAML. It refuses to
// overwrite an existing file.
func SaveExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
