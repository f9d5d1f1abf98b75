package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/conduit-orch/conduit/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Conduit configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/conduit/config.yaml
Project-specific overrides can be placed in .conduit.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("bus.queue_capacity: %d\n", cfg.Bus.QueueCapacity)
	fmt.Printf("bus.default_retries: %d\n", cfg.Bus.DefaultRetries)
	fmt.Printf("bus.retry_base: %s\n", cfg.Bus.RetryBase)
	fmt.Printf("bus.default_timeout: %s\n", cfg.Bus.DefaultTimeout)
	fmt.Printf("bus.tick_min: %s\n", cfg.Bus.TickMin)
	fmt.Printf("bus.tick_max: %s\n", cfg.Bus.TickMax)
	fmt.Printf("bus.stale_after: %s\n", cfg.Bus.StaleAfter)
	fmt.Printf("bus.drain_high: %d\n", cfg.Bus.DrainHigh)
	fmt.Printf("bus.drain_normal: %d\n", cfg.Bus.DrainNormal)
	fmt.Printf("bus.drain_low: %d\n", cfg.Bus.DrainLow)
	fmt.Printf("orchestrator.max_concurrent: %d\n", cfg.Orchestrator.MaxConcurrent)
	fmt.Printf("orchestrator.retry_delay: %s\n", cfg.Orchestrator.RetryDelay)
	fmt.Printf("orchestrator.log_path: %s\n", cfg.Orchestrator.LogPath)
	fmt.Printf("history.enabled: %t\n", cfg.History.Enabled)
	fmt.Printf("history.path: %s\n", cfg.History.Path)
	fmt.Printf("history.cap: %d\n", cfg.History.Cap)
	fmt.Printf("monitor.refresh_rate: %s\n", cfg.Monitor.RefreshRate)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch key {
	case "bus.queue_capacity":
		return strconv.Itoa(cfg.Bus.QueueCapacity), nil
	case "bus.default_retries":
		return strconv.Itoa(cfg.Bus.DefaultRetries), nil
	case "bus.retry_base":
		return cfg.Bus.RetryBase.String(), nil
	case "bus.default_timeout":
		return cfg.Bus.DefaultTimeout.String(), nil
	case "bus.tick_min":
		return cfg.Bus.TickMin.String(), nil
	case "bus.tick_max":
		return cfg.Bus.TickMax.String(), nil
	case "bus.stale_after":
		return cfg.Bus.StaleAfter.String(), nil
	case "bus.drain_high":
		return strconv.Itoa(cfg.Bus.DrainHigh), nil
	case "bus.drain_normal":
		return strconv.Itoa(cfg.Bus.DrainNormal), nil
	case "bus.drain_low":
		return strconv.Itoa(cfg.Bus.DrainLow), nil
	case "orchestrator.max_concurrent":
		return strconv.Itoa(cfg.Orchestrator.MaxConcurrent), nil
	case "orchestrator.retry_delay":
		return cfg.Orchestrator.RetryDelay.String(), nil
	case "orchestrator.log_path":
		return cfg.Orchestrator.LogPath, nil
	case "history.enabled":
		return strconv.FormatBool(cfg.History.Enabled), nil
	case "history.path":
		return cfg.History.Path, nil
	case "history.cap":
		return strconv.Itoa(cfg.History.Cap), nil
	case "monitor.refresh_rate":
		return cfg.Monitor.RefreshRate.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value from its string form.
func setConfigValue(cfg *config.Config, key, value string) error {
	parseInt := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s requires an integer, got %q", key, value)
		}
		return n, nil
	}
	parseDuration := func() (time.Duration, error) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("%s requires a duration, got %q", key, value)
		}
		return d, nil
	}

	var err error
	switch key {
	case "bus.queue_capacity":
		cfg.Bus.QueueCapacity, err = parseInt()
	case "bus.default_retries":
		cfg.Bus.DefaultRetries, err = parseInt()
	case "bus.retry_base":
		cfg.Bus.RetryBase, err = parseDuration()
	case "bus.default_timeout":
		cfg.Bus.DefaultTimeout, err = parseDuration()
	case "bus.tick_min":
		cfg.Bus.TickMin, err = parseDuration()
	case "bus.tick_max":
		cfg.Bus.TickMax, err = parseDuration()
	case "bus.stale_after":
		cfg.Bus.StaleAfter, err = parseDuration()
	case "bus.drain_high":
		cfg.Bus.DrainHigh, err = parseInt()
	case "bus.drain_normal":
		cfg.Bus.DrainNormal, err = parseInt()
	case "bus.drain_low":
		cfg.Bus.DrainLow, err = parseInt()
	case "orchestrator.max_concurrent":
		cfg.Orchestrator.MaxConcurrent, err = parseInt()
	case "orchestrator.retry_delay":
		cfg.Orchestrator.RetryDelay, err = parseDuration()
	case "orchestrator.log_path":
		cfg.Orchestrator.LogPath = value
	case "history.enabled":
		cfg.History.Enabled, err = strconv.ParseBool(value)
		if err != nil {
			err = fmt.Errorf("%s requires a boolean, got %q", key, value)
		}
	case "history.path":
		cfg.History.Path = value
	case "history.cap":
		cfg.History.Cap, err = parseInt()
	case "monitor.refresh_rate":
		cfg.Monitor.RefreshRate, err = parseDuration()
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return err
}
