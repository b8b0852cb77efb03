package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for marketlens.
type Config struct {
	Capture       CaptureConfig       `mapstructure:"capture"       yaml:"capture"`
	Governor      GovernorConfig      `mapstructure:"governor"      yaml:"governor"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"     yaml:"scheduler"`
	Collector     CollectorConfig     `mapstructure:"collector"     yaml:"collector"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"      yaml:"analysis"`
	Report        ReportConfig        `mapstructure:"report"        yaml:"report"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator"   yaml:"coordinator"`
	Queue         QueueConfig         `mapstructure:"queue"         yaml:"queue"`
	Storage       StorageConfig       `mapstructure:"storage"       yaml:"storage"`
	Cache         CacheConfig         `mapstructure:"cache"         yaml:"cache"`
	Features      FeatureConfig       `mapstructure:"features"      yaml:"features"`
	API           APIConfig           `mapstructure:"api"           yaml:"api"`
	Logging       LoggingConfig       `mapstructure:"logging"       yaml:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"       yaml:"metrics"`
}

// CaptureConfig controls the scraper worker.
type CaptureConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"                yaml:"timeout"`
	MaxRetryAttempts     int           `mapstructure:"max_retry_attempts"     yaml:"max_retry_attempts"`
	RetryBackoffBase     time.Duration `mapstructure:"retry_backoff_base"     yaml:"retry_backoff_base"`
	RetryBackoffCap      time.Duration `mapstructure:"retry_backoff_cap"      yaml:"retry_backoff_cap"`
	BlockedResourceTypes []string      `mapstructure:"blocked_resource_types" yaml:"blocked_resource_types"`
	BrowserEnabled       bool          `mapstructure:"browser_enabled"        yaml:"browser_enabled"`
	BrowserStealth       bool          `mapstructure:"browser_stealth"        yaml:"browser_stealth"`
	BrowserMaxPages      int           `mapstructure:"browser_max_pages"      yaml:"browser_max_pages"`
	UserAgent            string        `mapstructure:"user_agent"             yaml:"user_agent"`
}

// GovernorConfig controls rate limiting, concurrency caps and budgets.
type GovernorConfig struct {
	MaxConcurrentPerProject int           `mapstructure:"max_concurrent_per_project" yaml:"max_concurrent_per_project"`
	MaxConcurrentGlobal     int           `mapstructure:"max_concurrent_global"      yaml:"max_concurrent_global"`
	DomainThrottleInterval  time.Duration `mapstructure:"domain_throttle_interval"   yaml:"domain_throttle_interval"`
	AcquireWait             time.Duration `mapstructure:"acquire_wait"               yaml:"acquire_wait"`
	DailySnapshotLimit      int           `mapstructure:"daily_snapshot_limit"       yaml:"daily_snapshot_limit"`
	HourlySnapshotLimit     int           `mapstructure:"hourly_snapshot_limit"      yaml:"hourly_snapshot_limit"`
	BreakerErrorThreshold   float64       `mapstructure:"breaker_error_threshold"    yaml:"breaker_error_threshold"`
	BreakerWindow           time.Duration `mapstructure:"breaker_window"             yaml:"breaker_window"`
	BreakerMinSamples       int           `mapstructure:"breaker_min_samples"        yaml:"breaker_min_samples"`
}

// SchedulerConfig controls cron-driven scraping.
type SchedulerConfig struct {
	MaxConcurrentJobs   int `mapstructure:"max_concurrent_jobs"   yaml:"max_concurrent_jobs"`
	AlertAfterFailures  int `mapstructure:"alert_after_failures"  yaml:"alert_after_failures"`
}

// CollectorConfig controls the smart data collector.
type CollectorConfig struct {
	SnapshotMaxAge         time.Duration `mapstructure:"snapshot_max_age"          yaml:"snapshot_max_age"`
	AcceptStaleSnapshots   bool          `mapstructure:"accept_stale_snapshots"    yaml:"accept_stale_snapshots"`
	StaleSnapshotMaxAge    time.Duration `mapstructure:"stale_snapshot_max_age"    yaml:"stale_snapshot_max_age"`
	TotalGenerationTimeout time.Duration `mapstructure:"total_generation_timeout"  yaml:"total_generation_timeout"`
}

// AnalysisConfig controls the LLM-backed analysis stage.
type AnalysisConfig struct {
	Provider    string        `mapstructure:"provider"     yaml:"provider"`
	Endpoint    string        `mapstructure:"endpoint"     yaml:"endpoint"`
	Model       string        `mapstructure:"model"        yaml:"model"`
	APIKey      string        `mapstructure:"api_key"      yaml:"api_key"`
	MaxTokens   int           `mapstructure:"max_tokens"   yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"  yaml:"temperature"`
	TopP        float64       `mapstructure:"top_p"        yaml:"top_p"`
	Timeout     time.Duration `mapstructure:"timeout"      yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"  yaml:"max_retries"`
	RetryBase   time.Duration `mapstructure:"retry_base"   yaml:"retry_base"`
	CostPerCall float64       `mapstructure:"cost_per_call" yaml:"cost_per_call"`
}

// ReportConfig controls the report composer.
type ReportConfig struct {
	MinCompletenessForFull int    `mapstructure:"min_completeness_for_full" yaml:"min_completeness_for_full"`
	MinCompletenessScore   int    `mapstructure:"min_completeness_score"    yaml:"min_completeness_score"`
	PartialDataThreshold   int    `mapstructure:"partial_data_threshold"    yaml:"partial_data_threshold"`
	DefaultTemplate        string `mapstructure:"default_template"          yaml:"default_template"`
	Format                 string `mapstructure:"format"                    yaml:"format"`
}

// CoordinatorConfig controls the async report coordinator.
type CoordinatorConfig struct {
	ImmediateTimeout        time.Duration `mapstructure:"immediate_timeout"         yaml:"immediate_timeout"`
	TimeoutReserve          time.Duration `mapstructure:"timeout_reserve"           yaml:"timeout_reserve"`
	MaxConcurrentProcessing int           `mapstructure:"max_concurrent_processing" yaml:"max_concurrent_processing"`
	FallbackToQueue         bool          `mapstructure:"fallback_to_queue"         yaml:"fallback_to_queue"`
	GracefulDegradation     bool          `mapstructure:"graceful_degradation"      yaml:"graceful_degradation"`
	QueueTaskEstimate       time.Duration `mapstructure:"queue_task_estimate"       yaml:"queue_task_estimate"`
	QueueTimeout            time.Duration `mapstructure:"queue_timeout"             yaml:"queue_timeout"`
	QueueWorkers            int           `mapstructure:"queue_workers"             yaml:"queue_workers"`
	QueueMaxAttempts        int           `mapstructure:"queue_max_attempts"        yaml:"queue_max_attempts"`
	QueueRetryBackoff       time.Duration `mapstructure:"queue_retry_backoff"       yaml:"queue_retry_backoff"`
	FallbackDelay           time.Duration `mapstructure:"fallback_delay"            yaml:"fallback_delay"`
}

// QueueConfig selects and tunes the job queue backend.
type QueueConfig struct {
	Type        string        `mapstructure:"type"         yaml:"type"` // memory, redis
	RedisAddr   string        `mapstructure:"redis_addr"   yaml:"redis_addr"`
	RedisDB     int           `mapstructure:"redis_db"     yaml:"redis_db"`
	DedupWindow time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
}

// StorageConfig selects the repository backend and its retry policy.
type StorageConfig struct {
	Type             string        `mapstructure:"type"               yaml:"type"` // memory, mongodb
	MongoURI         string        `mapstructure:"mongo_uri"          yaml:"mongo_uri"`
	MongoDatabase    string        `mapstructure:"mongo_database"     yaml:"mongo_database"`
	Timeout          time.Duration `mapstructure:"timeout"            yaml:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"        yaml:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base" yaml:"retry_backoff_base"`
}

// CacheConfig tunes the key-value cache used for resolution entries and
// distributed locks.
type CacheConfig struct {
	Type      string        `mapstructure:"type"       yaml:"type"` // memory, redis
	RedisAddr string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"   yaml:"redis_db"`
	TTL       time.Duration `mapstructure:"ttl"        yaml:"ttl"`
}

// FeatureConfig holds the feature gates.
type FeatureConfig struct {
	FreshSnapshotRequirement bool `mapstructure:"fresh_snapshot_requirement" yaml:"fresh_snapshot_requirement"`
	RealTimeUpdates          bool `mapstructure:"real_time_updates"          yaml:"real_time_updates"`
	IntelligentCaching       bool `mapstructure:"intelligent_caching"        yaml:"intelligent_caching"`
	ZombieJanitor            bool `mapstructure:"zombie_janitor"             yaml:"zombie_janitor"`
	RolloutPercentage        int  `mapstructure:"rollout_percentage"         yaml:"rollout_percentage"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port"    yaml:"port"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			Timeout:              30 * time.Second,
			MaxRetryAttempts:     3,
			RetryBackoffBase:     1 * time.Second,
			RetryBackoffCap:      10 * time.Second,
			BlockedResourceTypes: []string{"image", "font", "media"},
			BrowserEnabled:       true,
			BrowserStealth:       false,
			BrowserMaxPages:      5,
			UserAgent:            "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Governor: GovernorConfig{
			MaxConcurrentPerProject: 5,
			MaxConcurrentGlobal:     20,
			DomainThrottleInterval:  10 * time.Second,
			AcquireWait:             60 * time.Second,
			DailySnapshotLimit:      1000,
			HourlySnapshotLimit:     100,
			BreakerErrorThreshold:   0.5,
			BreakerWindow:           5 * time.Minute,
			BreakerMinSamples:       4,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs:  1,
			AlertAfterFailures: 5,
		},
		Collector: CollectorConfig{
			SnapshotMaxAge:         24 * time.Hour,
			AcceptStaleSnapshots:   true,
			StaleSnapshotMaxAge:    7 * 24 * time.Hour,
			TotalGenerationTimeout: 60 * time.Second,
		},
		Analysis: AnalysisConfig{
			Provider:    "ollama",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3",
			MaxTokens:   4096,
			Temperature: 0.2,
			TopP:        0.9,
			Timeout:     45 * time.Second,
			MaxRetries:  3,
			RetryBase:   1 * time.Second,
			CostPerCall: 0.01,
		},
		Report: ReportConfig{
			MinCompletenessForFull: 70,
			MinCompletenessScore:   40,
			PartialDataThreshold:   30,
			DefaultTemplate:        "comparative_default",
			Format:                 "markdown",
		},
		Coordinator: CoordinatorConfig{
			ImmediateTimeout:        45 * time.Second,
			TimeoutReserve:          5 * time.Second,
			MaxConcurrentProcessing: 5,
			FallbackToQueue:         true,
			GracefulDegradation:     true,
			QueueTaskEstimate:       120 * time.Second,
			QueueTimeout:            5 * time.Minute,
			QueueWorkers:            2,
			QueueMaxAttempts:        3,
			QueueRetryBackoff:       2 * time.Second,
			FallbackDelay:           1 * time.Second,
		},
		Queue: QueueConfig{
			Type:        "memory",
			RedisAddr:   "localhost:6379",
			DedupWindow: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type:             "memory",
			MongoURI:         "mongodb://localhost:27017",
			MongoDatabase:    "marketlens",
			Timeout:          10 * time.Second,
			MaxRetries:       3,
			RetryBackoffBase: 200 * time.Millisecond,
		},
		Cache: CacheConfig{
			Type:      "memory",
			RedisAddr: "localhost:6379",
			TTL:       1 * time.Hour,
		},
		Features: FeatureConfig{
			FreshSnapshotRequirement: false,
			RealTimeUpdates:          true,
			IntelligentCaching:       true,
			ZombieJanitor:            false,
			RolloutPercentage:        100,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
