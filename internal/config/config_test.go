package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Bus.QueueCapacity != 1000 {
		t.Errorf("QueueCapacity = %d, want 1000", cfg.Bus.QueueCapacity)
	}
	if cfg.Bus.TickMin != 5*time.Millisecond || cfg.Bus.TickMax != 100*time.Millisecond {
		t.Errorf("tick bounds = %s/%s, want 5ms/100ms", cfg.Bus.TickMin, cfg.Bus.TickMax)
	}
	if cfg.Orchestrator.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.Orchestrator.MaxConcurrent)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
bus:
  queue_capacity: 50
  tick_max: 20ms
  drain_low: 4
orchestrator:
  max_concurrent: 2
  retry_delay: 10ms
history:
  enabled: true
  cap: 20
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Bus.QueueCapacity != 50 {
		t.Errorf("QueueCapacity = %d, want 50", cfg.Bus.QueueCapacity)
	}
	if cfg.Bus.TickMax != 20*time.Millisecond {
		t.Errorf("TickMax = %s, want 20ms", cfg.Bus.TickMax)
	}
	if cfg.Orchestrator.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Orchestrator.MaxConcurrent)
	}
	if !cfg.History.Enabled || cfg.History.Cap != 20 {
		t.Errorf("history = %+v, want enabled with cap 20", cfg.History)
	}

	// Unset keys keep their defaults.
	if cfg.Bus.DefaultRetries != 3 {
		t.Errorf("DefaultRetries = %d, want default 3", cfg.Bus.DefaultRetries)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestBusOptionsConversion(t *testing.T) {
	path := writeConfig(t, `
bus:
  queue_capacity: 7
  tick_min: 1ms
  drain_high: 3
  drain_low: 1
`)
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	opts := cfg.BusOptions()
	if opts.QueueCapacity != 7 {
		t.Errorf("QueueCapacity = %d, want 7", opts.QueueCapacity)
	}
	if opts.TickMin != time.Millisecond {
		t.Errorf("TickMin = %s, want 1ms", opts.TickMin)
	}
	if opts.DrainCaps.High != 3 || opts.DrainCaps.Low != 1 {
		t.Errorf("DrainCaps = %+v, want High 3 / Low 1", opts.DrainCaps)
	}
	// Defaults fill what the file leaves out.
	if opts.DrainCaps.Normal != 5 {
		t.Errorf("DrainCaps.Normal = %d, want default 5", opts.DrainCaps.Normal)
	}
}

func TestWatchReload(t *testing.T) {
	path := writeConfig(t, "orchestrator:\n  max_concurrent: 2\n")

	var mu sync.Mutex
	var got *Config
	w, err := Watch(path, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("orchestrator:\n  max_concurrent: 8\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		cfg := got
		mu.Unlock()
		if cfg != nil {
			if cfg.Orchestrator.MaxConcurrent != 8 {
				t.Fatalf("reloaded MaxConcurrent = %d, want 8", cfg.Orchestrator.MaxConcurrent)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("watcher never delivered the reloaded config")
}
