// Package config defines all configuration structures for the docbatch
// engine. No I/O or parsing logic lives here — only plain data types and
// validation.
package config

import (
	"fmt"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// MemoryConfig controls MemoryProbe behavior.
type MemoryConfig struct {
	ConcurrencyOverride int           `mapstructure:"concurrency_override"` // 0 = use tier default
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	CompactThresholdMB  int64         `mapstructure:"compact_threshold_mb"`
}

// QueueConfig controls the PriorityQueue.
type QueueConfig struct {
	MaxSize            int           `mapstructure:"max_size"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	WaitPollInterval   time.Duration `mapstructure:"wait_poll_interval"`
}

// RateLimitConfig controls the RateLimiter.
type RateLimitConfig struct {
	UserCapacity            float64       `mapstructure:"user_capacity"`
	UserRefillPerSec        float64       `mapstructure:"user_refill_per_sec"`
	IPCapacity              float64       `mapstructure:"ip_capacity"`
	IPRefillPerSec          float64       `mapstructure:"ip_refill_per_sec"`
	GlobalCapacity          float64       `mapstructure:"global_capacity"`
	GlobalRefillPerSec      float64       `mapstructure:"global_refill_per_sec"`
	UserPerMinute           int           `mapstructure:"user_per_minute"`
	UserPerHour             int           `mapstructure:"user_per_hour"`
	UserPerDay              int           `mapstructure:"user_per_day"`
	MaxConcurrentPerUser    int           `mapstructure:"max_concurrent_per_user"`
	MaxConcurrentGlobal     int           `mapstructure:"max_concurrent_global"`
	BurstPenalty            time.Duration `mapstructure:"burst_penalty"`
	CircuitFailureThreshold int           `mapstructure:"circuit_failure_threshold"`
	CircuitOpenTimeout      time.Duration `mapstructure:"circuit_open_timeout"`
}

// ValidatorConfig controls the InputValidator.
type ValidatorConfig struct {
	MaxLength        int      `mapstructure:"max_length"`
	MaxLineLength    int      `mapstructure:"max_line_length"`
	MaxLines         int      `mapstructure:"max_lines"`
	ASCIIOnly        bool     `mapstructure:"ascii_only"`
	EntropyThreshold float64  `mapstructure:"entropy_threshold"`
	PIIConfidence    float64  `mapstructure:"pii_confidence"`
	AllowedFileExts  []string `mapstructure:"allowed_file_exts"`
	DeniedFileExts   []string `mapstructure:"denied_file_exts"`
}

// CacheConfig controls the SecureCache.
type CacheConfig struct {
	MaxEntries        int           `mapstructure:"max_entries"`
	DefaultTTL        time.Duration `mapstructure:"default_ttl"`
	Eviction          string        `mapstructure:"eviction"` // "lru" | "lfu" | "fifo"
	KeyRotationPeriod time.Duration `mapstructure:"key_rotation_period"`
	Encrypted         bool          `mapstructure:"encrypted"`
	MaxValueBytes     int           `mapstructure:"max_value_bytes"`
}

// ResourceGuardConfig controls ResourceGuard.
type ResourceGuardConfig struct {
	WallClockTimeout   time.Duration `mapstructure:"wall_clock_timeout"`
	CPUTimeLimit       time.Duration `mapstructure:"cpu_time_limit"`
	MemoryDeltaLimitMB int64         `mapstructure:"memory_delta_limit_mb"`
	MaxConcurrentOps   int           `mapstructure:"max_concurrent_ops"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	Strict             bool          `mapstructure:"strict"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

// AuditConfig controls the AuditLog.
type AuditConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Async           bool          `mapstructure:"async"`
	BufferSize      int           `mapstructure:"buffer_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	FilePath        string        `mapstructure:"file_path"`
	MaxFileSizeMB   int           `mapstructure:"max_file_size_mb"`
	MaxFiles        int           `mapstructure:"max_files"`
	Compress        bool          `mapstructure:"compress"`
	MaskChar        string        `mapstructure:"mask_char"`
	PreserveEnds    bool          `mapstructure:"preserve_ends"`
	AnomalyWindow   time.Duration `mapstructure:"anomaly_window"`
	AnomalyBucket   time.Duration `mapstructure:"anomaly_bucket"`
	AnomalyMaxCount int           `mapstructure:"anomaly_max_count"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

// SchedulerConfig controls the worker-pool scheduler.
type SchedulerConfig struct {
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	BackpressureEvery int           `mapstructure:"backpressure_every"`
	BackpressureSleep time.Duration `mapstructure:"backpressure_sleep"`
	BatchGroupSize    int           `mapstructure:"batch_group_size"`
}

// LogConfig holds structured-logging parameters.
type LogConfig struct {
	Level        string `mapstructure:"level"`  // "debug" | "info" | "warn" | "error"
	Format       string `mapstructure:"format"` // "json" | "console"
	Output       string `mapstructure:"output"` // "stdout" | "file"
	FilePath     string `mapstructure:"file_path"`
	EnableCaller bool   `mapstructure:"enable_caller"`
}

// SecurityProfile names one of the four named presets from the security
// envelope specification.
type SecurityProfile string

const (
	ProfileBasic    SecurityProfile = "basic"
	ProfileStandard SecurityProfile = "standard"
	ProfileStrict   SecurityProfile = "strict"
	ProfileParanoid SecurityProfile = "paranoid"
)

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration structure for the batch execution core.
// Every engine component reads its settings from the relevant sub-struct.
type Config struct {
	ExecutionMode   string              `mapstructure:"execution_mode"` // "basic"|"performance"|"secure"|"enterprise"
	SecurityProfile SecurityProfile     `mapstructure:"security_profile"`
	Memory          MemoryConfig        `mapstructure:"memory"`
	Queue           QueueConfig         `mapstructure:"queue"`
	RateLimit       RateLimitConfig     `mapstructure:"rate_limit"`
	Validator       ValidatorConfig     `mapstructure:"validator"`
	Cache           CacheConfig         `mapstructure:"cache"`
	ResourceGuard   ResourceGuardConfig `mapstructure:"resource_guard"`
	Audit           AuditConfig         `mapstructure:"audit"`
	Scheduler       SchedulerConfig     `mapstructure:"scheduler"`
	Log             LogConfig           `mapstructure:"log"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate performs semantic validation of the fully-populated Config.
// It returns the first error encountered; callers should treat any error as
// fatal and refuse to start the orchestrator.
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case "basic", "performance", "secure", "enterprise":
	default:
		return fmt.Errorf("config: execution_mode %q is invalid; expected basic|performance|secure|enterprise", c.ExecutionMode)
	}

	switch c.SecurityProfile {
	case ProfileBasic, ProfileStandard, ProfileStrict, ProfileParanoid:
	default:
		return fmt.Errorf("config: security_profile %q is invalid; expected basic|standard|strict|paranoid", c.SecurityProfile)
	}

	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("config: queue.max_size must be ≥ 1, got %d", c.Queue.MaxSize)
	}
	if c.Queue.DefaultMaxAttempts < 1 {
		return fmt.Errorf("config: queue.default_max_attempts must be ≥ 1, got %d", c.Queue.DefaultMaxAttempts)
	}

	if c.RateLimit.UserCapacity <= 0 {
		return fmt.Errorf("config: rate_limit.user_capacity must be > 0")
	}
	if c.RateLimit.CircuitFailureThreshold < 1 {
		return fmt.Errorf("config: rate_limit.circuit_failure_threshold must be ≥ 1")
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: cache.max_entries must be ≥ 1, got %d", c.Cache.MaxEntries)
	}
	switch c.Cache.Eviction {
	case "lru", "lfu", "fifo":
	default:
		return fmt.Errorf("config: cache.eviction %q is invalid; expected lru|lfu|fifo", c.Cache.Eviction)
	}

	if c.ResourceGuard.MaxConcurrentOps < 1 {
		return fmt.Errorf("config: resource_guard.max_concurrent_ops must be ≥ 1")
	}

	if c.Scheduler.MaxConcurrency < 1 || c.Scheduler.MaxConcurrency > 16 {
		return fmt.Errorf("config: scheduler.max_concurrency must be in [1, 16], got %d", c.Scheduler.MaxConcurrency)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	return nil
}
