package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment.
// Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	// MARKETLENS_COORDINATOR_IMMEDIATE_TIMEOUT etc.
	v.SetEnvPrefix("MARKETLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("marketlens")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".marketlens"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers default values in viper so env overrides bind.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("capture.timeout", cfg.Capture.Timeout)
	v.SetDefault("capture.max_retry_attempts", cfg.Capture.MaxRetryAttempts)
	v.SetDefault("capture.retry_backoff_base", cfg.Capture.RetryBackoffBase)
	v.SetDefault("capture.retry_backoff_cap", cfg.Capture.RetryBackoffCap)
	v.SetDefault("capture.blocked_resource_types", cfg.Capture.BlockedResourceTypes)
	v.SetDefault("capture.browser_enabled", cfg.Capture.BrowserEnabled)
	v.SetDefault("capture.browser_stealth", cfg.Capture.BrowserStealth)
	v.SetDefault("capture.browser_max_pages", cfg.Capture.BrowserMaxPages)
	v.SetDefault("capture.user_agent", cfg.Capture.UserAgent)

	v.SetDefault("governor.max_concurrent_per_project", cfg.Governor.MaxConcurrentPerProject)
	v.SetDefault("governor.max_concurrent_global", cfg.Governor.MaxConcurrentGlobal)
	v.SetDefault("governor.domain_throttle_interval", cfg.Governor.DomainThrottleInterval)
	v.SetDefault("governor.acquire_wait", cfg.Governor.AcquireWait)
	v.SetDefault("governor.daily_snapshot_limit", cfg.Governor.DailySnapshotLimit)
	v.SetDefault("governor.hourly_snapshot_limit", cfg.Governor.HourlySnapshotLimit)
	v.SetDefault("governor.breaker_error_threshold", cfg.Governor.BreakerErrorThreshold)
	v.SetDefault("governor.breaker_window", cfg.Governor.BreakerWindow)
	v.SetDefault("governor.breaker_min_samples", cfg.Governor.BreakerMinSamples)

	v.SetDefault("scheduler.max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs)
	v.SetDefault("scheduler.alert_after_failures", cfg.Scheduler.AlertAfterFailures)

	v.SetDefault("collector.snapshot_max_age", cfg.Collector.SnapshotMaxAge)
	v.SetDefault("collector.accept_stale_snapshots", cfg.Collector.AcceptStaleSnapshots)
	v.SetDefault("collector.stale_snapshot_max_age", cfg.Collector.StaleSnapshotMaxAge)
	v.SetDefault("collector.total_generation_timeout", cfg.Collector.TotalGenerationTimeout)

	v.SetDefault("analysis.provider", cfg.Analysis.Provider)
	v.SetDefault("analysis.endpoint", cfg.Analysis.Endpoint)
	v.SetDefault("analysis.model", cfg.Analysis.Model)
	v.SetDefault("analysis.max_tokens", cfg.Analysis.MaxTokens)
	v.SetDefault("analysis.temperature", cfg.Analysis.Temperature)
	v.SetDefault("analysis.top_p", cfg.Analysis.TopP)
	v.SetDefault("analysis.timeout", cfg.Analysis.Timeout)
	v.SetDefault("analysis.max_retries", cfg.Analysis.MaxRetries)
	v.SetDefault("analysis.retry_base", cfg.Analysis.RetryBase)
	v.SetDefault("analysis.cost_per_call", cfg.Analysis.CostPerCall)

	v.SetDefault("report.min_completeness_for_full", cfg.Report.MinCompletenessForFull)
	v.SetDefault("report.min_completeness_score", cfg.Report.MinCompletenessScore)
	v.SetDefault("report.partial_data_threshold", cfg.Report.PartialDataThreshold)
	v.SetDefault("report.default_template", cfg.Report.DefaultTemplate)
	v.SetDefault("report.format", cfg.Report.Format)

	v.SetDefault("coordinator.immediate_timeout", cfg.Coordinator.ImmediateTimeout)
	v.SetDefault("coordinator.timeout_reserve", cfg.Coordinator.TimeoutReserve)
	v.SetDefault("coordinator.max_concurrent_processing", cfg.Coordinator.MaxConcurrentProcessing)
	v.SetDefault("coordinator.fallback_to_queue", cfg.Coordinator.FallbackToQueue)
	v.SetDefault("coordinator.graceful_degradation", cfg.Coordinator.GracefulDegradation)
	v.SetDefault("coordinator.queue_task_estimate", cfg.Coordinator.QueueTaskEstimate)
	v.SetDefault("coordinator.queue_timeout", cfg.Coordinator.QueueTimeout)
	v.SetDefault("coordinator.queue_workers", cfg.Coordinator.QueueWorkers)
	v.SetDefault("coordinator.queue_max_attempts", cfg.Coordinator.QueueMaxAttempts)
	v.SetDefault("coordinator.queue_retry_backoff", cfg.Coordinator.QueueRetryBackoff)
	v.SetDefault("coordinator.fallback_delay", cfg.Coordinator.FallbackDelay)

	v.SetDefault("queue.type", cfg.Queue.Type)
	v.SetDefault("queue.redis_addr", cfg.Queue.RedisAddr)
	v.SetDefault("queue.redis_db", cfg.Queue.RedisDB)
	v.SetDefault("queue.dedup_window", cfg.Queue.DedupWindow)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.mongo_database", cfg.Storage.MongoDatabase)
	v.SetDefault("storage.timeout", cfg.Storage.Timeout)
	v.SetDefault("storage.max_retries", cfg.Storage.MaxRetries)
	v.SetDefault("storage.retry_backoff_base", cfg.Storage.RetryBackoffBase)

	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)

	v.SetDefault("features.fresh_snapshot_requirement", cfg.Features.FreshSnapshotRequirement)
	v.SetDefault("features.real_time_updates", cfg.Features.RealTimeUpdates)
	v.SetDefault("features.intelligent_caching", cfg.Features.IntelligentCaching)
	v.SetDefault("features.zombie_janitor", cfg.Features.ZombieJanitor)
	v.SetDefault("features.rollout_percentage", cfg.Features.RolloutPercentage)

	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.port", cfg.API.Port)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
