package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Validate checks configuration consistency before anything starts.
func (c *Config) Validate() error {
	if c.Capture.Timeout <= 0 {
		return fmt.Errorf("capture.timeout must be positive")
	}
	if c.Capture.MaxRetryAttempts < 0 {
		return fmt.Errorf("capture.max_retry_attempts must be >= 0")
	}
	if c.Governor.MaxConcurrentPerProject < 1 {
		return fmt.Errorf("governor.max_concurrent_per_project must be >= 1")
	}
	if c.Governor.MaxConcurrentGlobal < c.Governor.MaxConcurrentPerProject {
		return fmt.Errorf("governor.max_concurrent_global must be >= max_concurrent_per_project")
	}
	if c.Governor.BreakerErrorThreshold <= 0 || c.Governor.BreakerErrorThreshold > 1 {
		return fmt.Errorf("governor.breaker_error_threshold must be in (0,1]")
	}
	if c.Coordinator.MaxConcurrentProcessing < 1 {
		return fmt.Errorf("coordinator.max_concurrent_processing must be >= 1")
	}
	if c.Coordinator.TimeoutReserve >= c.Coordinator.ImmediateTimeout {
		return fmt.Errorf("coordinator.timeout_reserve must be smaller than immediate_timeout")
	}
	if c.Report.MinCompletenessForFull < 0 || c.Report.MinCompletenessForFull > 100 {
		return fmt.Errorf("report.min_completeness_for_full must be in [0,100]")
	}
	if c.Features.RolloutPercentage < 0 || c.Features.RolloutPercentage > 100 {
		return fmt.Errorf("features.rollout_percentage must be in [0,100]")
	}
	switch c.Queue.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.type must be memory or redis, got %q", c.Queue.Type)
	}
	switch c.Storage.Type {
	case "memory", "mongodb":
	default:
		return fmt.Errorf("storage.type must be memory or mongodb, got %q", c.Storage.Type)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.type must be memory or redis, got %q", c.Cache.Type)
	}
	return nil
}

// NewLogger builds the root slog logger from the logging config.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	if c.Logging.Output == "stdout" {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Logging.Format) == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
