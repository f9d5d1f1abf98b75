// Package config handles configuration loading and management for Conduit.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/conduit-orch/conduit/internal/bus"
	"github.com/conduit-orch/conduit/internal/queue"
)

// Config holds all configuration for Conduit.
type Config struct {
	Bus          BusConfig          `mapstructure:"bus"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	History      HistoryConfig      `mapstructure:"history"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
}

// BusConfig holds message bus tunables.
type BusConfig struct {
	// QueueCapacity bounds the total size of the priority queues.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// DefaultRetries is the retry budget stamped on new envelopes.
	DefaultRetries int `mapstructure:"default_retries"`
	// RetryBase is the base delay for delivery retry backoff.
	RetryBase time.Duration `mapstructure:"retry_base"`
	// DefaultTimeout is the per-message timeout default.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// TickMin is the dispatch interval under heavy queue depth.
	TickMin time.Duration `mapstructure:"tick_min"`
	// TickMax is the dispatch interval with empty queues.
	TickMax time.Duration `mapstructure:"tick_max"`
	// StaleAfter is the agent liveness window for sweeps.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// DrainHigh caps HIGH messages taken per tick.
	DrainHigh int `mapstructure:"drain_high"`
	// DrainNormal caps NORMAL messages taken per tick.
	DrainNormal int `mapstructure:"drain_normal"`
	// DrainLow caps LOW messages taken per tick.
	DrainLow int `mapstructure:"drain_low"`
}

// OrchestratorConfig holds the slot-pool tunables.
type OrchestratorConfig struct {
	// MaxConcurrent is the agent execution slot pool size.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// RetryDelay is the base delay between task retry attempts.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// LogPath is the debug log file; empty disables debug logging.
	LogPath string `mapstructure:"log_path"`
}

// HistoryConfig holds the diagnostic archive settings.
type HistoryConfig struct {
	// Enabled turns the SQLite archive on.
	Enabled bool `mapstructure:"enabled"`
	// Path is the archive file; empty uses the default data path.
	Path string `mapstructure:"path"`
	// Cap bounds the number of rows kept per table.
	Cap int `mapstructure:"cap"`
}

// MonitorConfig holds live monitor display settings.
type MonitorConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CONDUIT_*)
// 2. Project config (.conduit.yaml in current directory or parent)
// 3. User config (~/.config/conduit/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CONDUIT")
	v.BindEnv("orchestrator.max_concurrent", "CONDUIT_MAX_CONCURRENT")
	v.BindEnv("history.path", "CONDUIT_HISTORY_PATH")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("bus.queue_capacity", cfg.Bus.QueueCapacity)
	v.Set("bus.default_retries", cfg.Bus.DefaultRetries)
	v.Set("bus.retry_base", cfg.Bus.RetryBase.String())
	v.Set("bus.default_timeout", cfg.Bus.DefaultTimeout.String())
	v.Set("bus.tick_min", cfg.Bus.TickMin.String())
	v.Set("bus.tick_max", cfg.Bus.TickMax.String())
	v.Set("bus.stale_after", cfg.Bus.StaleAfter.String())
	v.Set("bus.drain_high", cfg.Bus.DrainHigh)
	v.Set("bus.drain_normal", cfg.Bus.DrainNormal)
	v.Set("bus.drain_low", cfg.Bus.DrainLow)
	v.Set("orchestrator.max_concurrent", cfg.Orchestrator.MaxConcurrent)
	v.Set("orchestrator.retry_delay", cfg.Orchestrator.RetryDelay.String())
	v.Set("orchestrator.log_path", cfg.Orchestrator.LogPath)
	v.Set("history.enabled", cfg.History.Enabled)
	v.Set("history.path", cfg.History.Path)
	v.Set("history.cap", cfg.History.Cap)
	v.Set("monitor.refresh_rate", cfg.Monitor.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// BusOptions converts the bus section into bus.Options, filling gaps
// with the bus defaults.
func (c *Config) BusOptions() bus.Options {
	opts := bus.DefaultOptions()
	if c.Bus.QueueCapacity > 0 {
		opts.QueueCapacity = c.Bus.QueueCapacity
	}
	if c.Bus.DefaultRetries > 0 {
		opts.DefaultRetries = c.Bus.DefaultRetries
	}
	if c.Bus.RetryBase > 0 {
		opts.RetryBase = c.Bus.RetryBase
	}
	if c.Bus.DefaultTimeout > 0 {
		opts.DefaultTimeout = c.Bus.DefaultTimeout
	}
	if c.Bus.TickMin > 0 {
		opts.TickMin = c.Bus.TickMin
	}
	if c.Bus.TickMax > 0 {
		opts.TickMax = c.Bus.TickMax
	}
	if c.Bus.StaleAfter > 0 {
		opts.StaleAfter = c.Bus.StaleAfter
	}
	if c.Bus.DrainHigh > 0 || c.Bus.DrainNormal > 0 || c.Bus.DrainLow > 0 {
		opts.DrainCaps = c.DrainCaps()
	}
	return opts
}

// DrainCaps converts the drain settings into per-tick caps.
func (c *Config) DrainCaps() queue.DrainCaps {
	caps := queue.DrainCaps{High: 10, Normal: 5, Low: 2}
	if c.Bus.DrainHigh > 0 {
		caps.High = c.Bus.DrainHigh
	}
	if c.Bus.DrainNormal > 0 {
		caps.Normal = c.Bus.DrainNormal
	}
	if c.Bus.DrainLow > 0 {
		caps.Low = c.Bus.DrainLow
	}
	return caps
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.queue_capacity", 1000)
	v.SetDefault("bus.default_retries", 3)
	v.SetDefault("bus.retry_base", "100ms")
	v.SetDefault("bus.default_timeout", "60s")
	v.SetDefault("bus.tick_min", "5ms")
	v.SetDefault("bus.tick_max", "100ms")
	v.SetDefault("bus.stale_after", "5m")
	v.SetDefault("bus.drain_high", 10)
	v.SetDefault("bus.drain_normal", 5)
	v.SetDefault("bus.drain_low", 2)

	v.SetDefault("orchestrator.max_concurrent", 5)
	v.SetDefault("orchestrator.retry_delay", "1s")
	v.SetDefault("orchestrator.log_path", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "")
	v.SetDefault("history.cap", 1000)

	v.SetDefault("monitor.refresh_rate", "250ms")
}

// getUserConfigDir returns the XDG config directory for Conduit.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conduit")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conduit")
	}
	return filepath.Join(home, ".config", "conduit")
}

// findProjectConfig searches for .conduit.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conduit.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			QueueCapacity:  1000,
			DefaultRetries: 3,
			RetryBase:      100 * time.Millisecond,
			DefaultTimeout: 60 * time.Second,
			TickMin:        5 * time.Millisecond,
			TickMax:        100 * time.Millisecond,
			StaleAfter:     5 * time.Minute,
			DrainHigh:      10,
			DrainNormal:    5,
			DrainLow:       2,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent: 5,
			RetryDelay:    time.Second,
		},
		History: HistoryConfig{
			Enabled: false,
			Cap:     1000,
		},
		Monitor: MonitorConfig{
			RefreshRate: 250 * time.Millisecond,
		},
	}
}
