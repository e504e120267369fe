// Package config provides configuration loading, defaults, and validation
// for the docbatch execution core.
package config

import "time"

// ─────────────────────────────────────────────────────────────────────────────
// Default value constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultExecutionMode   = "basic"
	DefaultSecurityProfile = ProfileStandard

	DefaultQueueMaxSize           = 10000
	DefaultQueueMaxAttempts       = 3
	DefaultQueueWaitPollInterval  = 50 * time.Millisecond

	DefaultMemoryPollInterval       = 5 * time.Second
	DefaultMemoryCompactThresholdMB = 100

	DefaultRateLimitUserCapacity       = 20.0
	DefaultRateLimitUserRefillPerSec   = 1.0
	DefaultRateLimitIPCapacity         = 50.0
	DefaultRateLimitIPRefillPerSec     = 5.0
	DefaultRateLimitGlobalCapacity     = 500.0
	DefaultRateLimitGlobalRefillPerSec = 50.0
	DefaultRateLimitUserPerMinute      = 60
	DefaultRateLimitUserPerHour        = 1000
	DefaultRateLimitUserPerDay         = 10000
	DefaultRateLimitMaxConcurrentUser  = 5
	DefaultRateLimitMaxConcurrentGlobal = 100
	DefaultRateLimitBurstPenalty       = 10 * time.Second
	DefaultRateLimitCircuitThreshold   = 5
	DefaultRateLimitCircuitOpenTimeout = 30 * time.Second

	DefaultValidatorMaxLength      = 1_000_000
	DefaultValidatorMaxLineLength  = 10_000
	DefaultValidatorMaxLines       = 100_000
	DefaultValidatorEntropyThresh  = 4.5
	DefaultValidatorPIIConfidence  = 0.7

	DefaultCacheMaxEntries        = 10000
	DefaultCacheTTL               = 1 * time.Hour
	DefaultCacheEviction          = "lru"
	DefaultCacheKeyRotationPeriod = 24 * time.Hour
	DefaultCacheMaxValueBytes     = 10 * 1024 * 1024

	DefaultResourceGuardWallClockTimeout   = 600 * time.Second
	DefaultResourceGuardCPUTimeLimit       = 300 * time.Second
	DefaultResourceGuardMemoryDeltaLimitMB = 512
	DefaultResourceGuardMaxConcurrentOps   = 10
	DefaultResourceGuardSampleInterval     = 1 * time.Second
	DefaultResourceGuardBreakerCooldown    = 60 * time.Second

	DefaultAuditBufferSize      = 1000
	DefaultAuditFlushInterval   = 30 * time.Second
	DefaultAuditFilePath        = "audit.log"
	DefaultAuditMaxFileSizeMB   = 100
	DefaultAuditMaxFiles        = 10
	DefaultAuditMaskChar        = "*"
	DefaultAuditAnomalyWindow   = 1 * time.Hour
	DefaultAuditAnomalyBucket  = 60 * time.Second
	DefaultAuditAnomalyMaxCount = 10
	DefaultAuditRetentionDays  = 90

	DefaultSchedulerMaxConcurrency    = 4
	DefaultSchedulerBackpressureEvery = 10
	DefaultSchedulerBackpressureSleep = 100 * time.Millisecond
	DefaultSchedulerBatchGroupSize    = 25

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// ─────────────────────────────────────────────────────────────────────────────
// ApplyDefaults fills zero-value fields in cfg with well-known defaults.
// It must be called after unmarshalling raw config data and before Validate()
// so that optional-but-defaulted fields are never seen as missing.
// ─────────────────────────────────────────────────────────────────────────────

// ApplyDefaults fills every zero-value field in cfg with the engine default.
// Fields that have already been set by the caller (non-zero values) are left
// unchanged so that explicit configuration always wins.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = DefaultExecutionMode
	}
	if cfg.SecurityProfile == "" {
		cfg.SecurityProfile = DefaultSecurityProfile
	}

	// ── Queue ─────────────────────────────────────────────────────────────────
	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = DefaultQueueMaxSize
	}
	if cfg.Queue.DefaultMaxAttempts == 0 {
		cfg.Queue.DefaultMaxAttempts = DefaultQueueMaxAttempts
	}
	if cfg.Queue.WaitPollInterval == 0 {
		cfg.Queue.WaitPollInterval = DefaultQueueWaitPollInterval
	}

	// ── Memory ────────────────────────────────────────────────────────────────
	if cfg.Memory.PollInterval == 0 {
		cfg.Memory.PollInterval = DefaultMemoryPollInterval
	}
	if cfg.Memory.CompactThresholdMB == 0 {
		cfg.Memory.CompactThresholdMB = DefaultMemoryCompactThresholdMB
	}

	// ── RateLimit ─────────────────────────────────────────────────────────────
	if cfg.RateLimit.UserCapacity == 0 {
		cfg.RateLimit.UserCapacity = DefaultRateLimitUserCapacity
	}
	if cfg.RateLimit.UserRefillPerSec == 0 {
		cfg.RateLimit.UserRefillPerSec = DefaultRateLimitUserRefillPerSec
	}
	if cfg.RateLimit.IPCapacity == 0 {
		cfg.RateLimit.IPCapacity = DefaultRateLimitIPCapacity
	}
	if cfg.RateLimit.IPRefillPerSec == 0 {
		cfg.RateLimit.IPRefillPerSec = DefaultRateLimitIPRefillPerSec
	}
	if cfg.RateLimit.GlobalCapacity == 0 {
		cfg.RateLimit.GlobalCapacity = DefaultRateLimitGlobalCapacity
	}
	if cfg.RateLimit.GlobalRefillPerSec == 0 {
		cfg.RateLimit.GlobalRefillPerSec = DefaultRateLimitGlobalRefillPerSec
	}
	if cfg.RateLimit.UserPerMinute == 0 {
		cfg.RateLimit.UserPerMinute = DefaultRateLimitUserPerMinute
	}
	if cfg.RateLimit.UserPerHour == 0 {
		cfg.RateLimit.UserPerHour = DefaultRateLimitUserPerHour
	}
	if cfg.RateLimit.UserPerDay == 0 {
		cfg.RateLimit.UserPerDay = DefaultRateLimitUserPerDay
	}
	if cfg.RateLimit.MaxConcurrentPerUser == 0 {
		cfg.RateLimit.MaxConcurrentPerUser = DefaultRateLimitMaxConcurrentUser
	}
	if cfg.RateLimit.MaxConcurrentGlobal == 0 {
		cfg.RateLimit.MaxConcurrentGlobal = DefaultRateLimitMaxConcurrentGlobal
	}
	if cfg.RateLimit.BurstPenalty == 0 {
		cfg.RateLimit.BurstPenalty = DefaultRateLimitBurstPenalty
	}
	if cfg.RateLimit.CircuitFailureThreshold == 0 {
		cfg.RateLimit.CircuitFailureThreshold = DefaultRateLimitCircuitThreshold
	}
	if cfg.RateLimit.CircuitOpenTimeout == 0 {
		cfg.RateLimit.CircuitOpenTimeout = DefaultRateLimitCircuitOpenTimeout
	}

	// ── Validator ─────────────────────────────────────────────────────────────
	if cfg.Validator.MaxLength == 0 {
		cfg.Validator.MaxLength = DefaultValidatorMaxLength
	}
	if cfg.Validator.MaxLineLength == 0 {
		cfg.Validator.MaxLineLength = DefaultValidatorMaxLineLength
	}
	if cfg.Validator.MaxLines == 0 {
		cfg.Validator.MaxLines = DefaultValidatorMaxLines
	}
	if cfg.Validator.EntropyThreshold == 0 {
		cfg.Validator.EntropyThreshold = DefaultValidatorEntropyThresh
	}
	if cfg.Validator.PIIConfidence == 0 {
		cfg.Validator.PIIConfidence = DefaultValidatorPIIConfidence
	}

	// ── Cache ─────────────────────────────────────────────────────────────────
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = DefaultCacheTTL
	}
	if cfg.Cache.Eviction == "" {
		cfg.Cache.Eviction = DefaultCacheEviction
	}
	if cfg.Cache.KeyRotationPeriod == 0 {
		cfg.Cache.KeyRotationPeriod = DefaultCacheKeyRotationPeriod
	}
	if cfg.Cache.MaxValueBytes == 0 {
		cfg.Cache.MaxValueBytes = DefaultCacheMaxValueBytes
	}

	// ── ResourceGuard ─────────────────────────────────────────────────────────
	if cfg.ResourceGuard.WallClockTimeout == 0 {
		cfg.ResourceGuard.WallClockTimeout = DefaultResourceGuardWallClockTimeout
	}
	if cfg.ResourceGuard.CPUTimeLimit == 0 {
		cfg.ResourceGuard.CPUTimeLimit = DefaultResourceGuardCPUTimeLimit
	}
	if cfg.ResourceGuard.MemoryDeltaLimitMB == 0 {
		cfg.ResourceGuard.MemoryDeltaLimitMB = DefaultResourceGuardMemoryDeltaLimitMB
	}
	if cfg.ResourceGuard.MaxConcurrentOps == 0 {
		cfg.ResourceGuard.MaxConcurrentOps = DefaultResourceGuardMaxConcurrentOps
	}
	if cfg.ResourceGuard.SampleInterval == 0 {
		cfg.ResourceGuard.SampleInterval = DefaultResourceGuardSampleInterval
	}
	if cfg.ResourceGuard.BreakerCooldown == 0 {
		cfg.ResourceGuard.BreakerCooldown = DefaultResourceGuardBreakerCooldown
	}

	// ── Audit ─────────────────────────────────────────────────────────────────
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = DefaultAuditBufferSize
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = DefaultAuditFlushInterval
	}
	if cfg.Audit.FilePath == "" {
		cfg.Audit.FilePath = DefaultAuditFilePath
	}
	if cfg.Audit.MaxFileSizeMB == 0 {
		cfg.Audit.MaxFileSizeMB = DefaultAuditMaxFileSizeMB
	}
	if cfg.Audit.MaxFiles == 0 {
		cfg.Audit.MaxFiles = DefaultAuditMaxFiles
	}
	if cfg.Audit.MaskChar == "" {
		cfg.Audit.MaskChar = DefaultAuditMaskChar
	}
	if cfg.Audit.AnomalyWindow == 0 {
		cfg.Audit.AnomalyWindow = DefaultAuditAnomalyWindow
	}
	if cfg.Audit.AnomalyBucket == 0 {
		cfg.Audit.AnomalyBucket = DefaultAuditAnomalyBucket
	}
	if cfg.Audit.AnomalyMaxCount == 0 {
		cfg.Audit.AnomalyMaxCount = DefaultAuditAnomalyMaxCount
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = DefaultAuditRetentionDays
	}

	// ── Scheduler ─────────────────────────────────────────────────────────────
	if cfg.Scheduler.MaxConcurrency == 0 {
		cfg.Scheduler.MaxConcurrency = DefaultSchedulerMaxConcurrency
	}
	if cfg.Scheduler.BackpressureEvery == 0 {
		cfg.Scheduler.BackpressureEvery = DefaultSchedulerBackpressureEvery
	}
	if cfg.Scheduler.BackpressureSleep == 0 {
		cfg.Scheduler.BackpressureSleep = DefaultSchedulerBackpressureSleep
	}
	if cfg.Scheduler.BatchGroupSize == 0 {
		cfg.Scheduler.BatchGroupSize = DefaultSchedulerBatchGroupSize
	}

	// ── Log ───────────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
}

// MemoryTierConcurrency maps a memory tier name to its default worker
// concurrency allowance, per the baseline/standard/enhanced/performance
// classification.
var MemoryTierConcurrency = map[string]int{
	"baseline":    1,
	"standard":    4,
	"enhanced":    8,
	"performance": 16,
}
