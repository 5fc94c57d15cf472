// Package config handles engine configuration loading and management
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/reckoner/reckoner/pkg/types"
)

// DatabaseConfig selects the persistence backend. An empty path keeps
// entities in memory.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// DispatchConfig governs routing between local and distributed execution
type DispatchConfig struct {
	// Distributed enables routing through the transport; the transport is
	// still probed per dispatch cycle, never assumed reachable.
	Distributed bool `json:"distributed" yaml:"distributed" mapstructure:"distributed"`

	// WaitForCompletion selects blocking dispatch semantics. When false,
	// ExpandAndDispatch returns as soon as every group is submitted and
	// completion (with fallback) settles in the background.
	WaitForCompletion bool `json:"waitForCompletion" yaml:"waitForCompletion" mapstructure:"waitForCompletion"`

	// Parallelization bounds the in-process worker pool.
	Parallelization int `json:"parallelization" yaml:"parallelization" mapstructure:"parallelization"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string         `json:"file" yaml:"file" mapstructure:"file"`
	Level types.LogLevel `json:"level" yaml:"level" mapstructure:"level"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

// Config is the engine configuration
type Config struct {
	Version       string             `json:"version" yaml:"version" mapstructure:"version"`
	Database      DatabaseConfig     `json:"database" yaml:"database" mapstructure:"database"`
	Dispatch      DispatchConfig     `json:"dispatch" yaml:"dispatch" mapstructure:"dispatch"`
	Logging       LoggingConfig      `json:"logging" yaml:"logging" mapstructure:"logging"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications" mapstructure:"notifications"`
}

// Default returns the baseline configuration: local synchronous execution,
// in-memory persistence, info logging.
func Default() *Config {
	return &Config{
		Version: "1.0",
		Dispatch: DispatchConfig{
			Distributed:       false,
			WaitForCompletion: true,
			Parallelization:   2,
		},
		Logging: LoggingConfig{
			Level: types.LogLevelInfo,
		},
	}
}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads configuration from a JSON or YAML file, layered over
// defaults and RECKONER_* environment overrides
// (e.g. RECKONER_DISPATCH_DISTRIBUTED=true).
func (m *Manager) LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RECKONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("version", defaults.Version)
	v.SetDefault("dispatch.distributed", defaults.Dispatch.Distributed)
	v.SetDefault("dispatch.waitForCompletion", defaults.Dispatch.WaitForCompletion)
	v.SetDefault("dispatch.parallelization", defaults.Dispatch.Parallelization)
	v.SetDefault("logging.level", string(defaults.Logging.Level))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := m.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *Config) error {
	if cfg.Version != "1.0" {
		return fmt.Errorf("unsupported config version: %s", cfg.Version)
	}

	if cfg.Dispatch.Parallelization < 0 {
		return fmt.Errorf("dispatch.parallelization must not be negative, got %d", cfg.Dispatch.Parallelization)
	}

	switch cfg.Logging.Level {
	case "", types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
	default:
		return fmt.Errorf("unknown logging level: %s", cfg.Logging.Level)
	}

	return nil
}

// WriteDefault renders the default configuration as YAML at the given
// path. Refuses to overwrite an existing file.
func (m *Manager) WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
