package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// HealthConfig tunes the session health monitor.
type HealthConfig struct {
	// Interval between checks, e.g. "5s" (default 5s).
	Interval string `yaml:"interval,omitempty"`
	// GraceChecks is the number of intervals skipped after (re)connect
	// before checks begin (default 2).
	GraceChecks int `yaml:"grace_checks,omitempty"`
	// StaleChecks is the number of consecutive unchanged-counter checks
	// before staleness is logged (default 3). Advisory only.
	StaleChecks int `yaml:"stale_checks,omitempty"`
}

// NetworkConfig tunes the network change watcher.
type NetworkConfig struct {
	// Debounce collapses change bursts, e.g. "500ms" (default 500ms).
	Debounce string `yaml:"debounce,omitempty"`
	// Settle is the post-interface / pre-restart delay, e.g. "1s".
	Settle string `yaml:"settle,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// ControlSocket is the unix socket path for the control interface.
	ControlSocket string `yaml:"control_socket,omitempty"`
	// StorePath is the sqlite database holding profiles and saved state.
	StorePath string `yaml:"store_path,omitempty"`
	// MetricsAddr, when set, exposes prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	Health  HealthConfig  `yaml:"health,omitempty"`
	Network NetworkConfig `yaml:"network,omitempty"`
	Logging LogConfig     `yaml:"logging,omitempty"`
}

// Duration parses a config duration string, returning def when unset or
// invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ConfigManager handles loading and saving configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string) *ConfigManager {
	return &ConfigManager{filePath: filePath}
}

func defaultConfig() Config {
	return Config{
		ControlSocket: "/run/polytun/control.sock",
		StorePath:     "/var/lib/polytun/polytun.db",
	}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("read config %s: %w", cm.filePath, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}
