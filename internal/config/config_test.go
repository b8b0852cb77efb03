package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capture timeout", func(c *Config) { c.Capture.Timeout = 0 }},
		{"negative retries", func(c *Config) { c.Capture.MaxRetryAttempts = -1 }},
		{"per-project above global", func(c *Config) {
			c.Governor.MaxConcurrentPerProject = 10
			c.Governor.MaxConcurrentGlobal = 5
		}},
		{"breaker threshold above 1", func(c *Config) { c.Governor.BreakerErrorThreshold = 1.5 }},
		{"reserve above immediate timeout", func(c *Config) {
			c.Coordinator.ImmediateTimeout = time.Second
			c.Coordinator.TimeoutReserve = 2 * time.Second
		}},
		{"rollout above 100", func(c *Config) { c.Features.RolloutPercentage = 101 }},
		{"unknown queue type", func(c *Config) { c.Queue.Type = "kafka" }},
		{"unknown storage type", func(c *Config) { c.Storage.Type = "dynamo" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marketlens.yaml")
	yaml := []byte("coordinator:\n  max_concurrent_processing: 7\nlogging:\n  level: warn\n")
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MARKETLENS_COORDINATOR_QUEUE_WORKERS", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Coordinator.MaxConcurrentProcessing != 7 {
		t.Errorf("max_concurrent_processing = %d, want 7 from file", cfg.Coordinator.MaxConcurrentProcessing)
	}
	if cfg.Coordinator.QueueWorkers != 9 {
		t.Errorf("queue_workers = %d, want 9 from env", cfg.Coordinator.QueueWorkers)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}
	// Untouched values keep their defaults.
	if cfg.Report.MinCompletenessScore != DefaultConfig().Report.MinCompletenessScore {
		t.Error("unrelated defaults should survive a partial file")
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("explicit missing config file should fail")
	}
}
