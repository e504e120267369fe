// Package batch defines the shared data model and the public Orchestrator
// entry point for the docbatch execution core.
package batch

import (
	"context"
	"time"
)

// Document is the opaque unit of work the core dispatches through an
// Operation. The core never inspects Payload or Attributes beyond what is
// needed for the security envelope (size, entropy, pattern checks).
type Document interface {
	ID() string
	Payload() []byte
	Attributes() map[string]string
}

// Priority orders items within the PriorityQueue. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String renders a Priority for logging and metrics labels.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ItemStatus tracks a QueueItem through its lifecycle.
type ItemStatus int

const (
	ItemPending ItemStatus = iota
	ItemProcessing
	ItemCompleted
	ItemFailed
)

// QueueItem is one unit admitted into the PriorityQueue.
type QueueItem struct {
	ID          string
	Document    Document
	Priority    Priority
	Attempts    int
	MaxAttempts int
	Status      ItemStatus
	EnqueuedAt  time.Time
}

// OperationType tags the registered handler a batch invokes.
type OperationType int

const (
	OperationGenerate OperationType = iota
	OperationAnalyze
	OperationReview
	OperationEnhance
	OperationValidate
	OperationCustom
)

// String renders an OperationType for logging and metric labels.
func (o OperationType) String() string {
	switch o {
	case OperationGenerate:
		return "generate"
	case OperationAnalyze:
		return "analyze"
	case OperationReview:
		return "review"
	case OperationEnhance:
		return "enhance"
	case OperationValidate:
		return "validate"
	case OperationCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ItemOutcome classifies how a single document's processing concluded.
type ItemOutcome int

const (
	OutcomeSuccess ItemOutcome = iota
	OutcomeFailed
	OutcomeSkipped
)

// ItemResult carries the per-item outcome of a batch.
type ItemResult struct {
	DocumentID string
	Outcome    ItemOutcome
	Value      any
	Err        error
	Violations []string
	Cached     bool
	CompletedAt time.Time
}

// BatchResult aggregates the outcome of one process_batch invocation.
type BatchResult struct {
	OperationID string
	Kind        OperationType
	Total       int
	Processed   int
	Failed      int
	Skipped     int
	Elapsed     time.Duration
	Results     []ItemResult
	Errors      []error
	Metadata    map[string]any
}

// SuccessRate returns (processed-failed)/total*100, or 0 when Total is 0.
func (r BatchResult) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Processed-r.Failed) / float64(r.Total) * 100
}

// Throughput returns Processed/Elapsed in items per second, or 0 when
// Elapsed is 0.
func (r BatchResult) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Processed) / r.Elapsed.Seconds()
}

// ProgressStatus is the lifecycle state of an OperationProgress record.
type ProgressStatus int

const (
	ProgressRunning ProgressStatus = iota
	ProgressCompleted
	ProgressFailed
	ProgressCancelled
)

// String renders a ProgressStatus for logging.
func (s ProgressStatus) String() string {
	switch s {
	case ProgressRunning:
		return "running"
	case ProgressCompleted:
		return "completed"
	case ProgressFailed:
		return "failed"
	case ProgressCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// OperationProgress is the live or historical state of one tracked batch.
type OperationProgress struct {
	OperationID string
	Total       int
	Processed   int
	Start       time.Time
	End         *time.Time
	Status      ProgressStatus
	Errors      []error
}

// Percent returns Processed/Total*100, or 0 when Total is 0.
func (p OperationProgress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Processed) / float64(p.Total) * 100
}

// Elapsed returns End-Start for a finished record or now-Start otherwise.
func (p OperationProgress) Elapsed(now time.Time) time.Duration {
	if p.End != nil {
		return p.End.Sub(p.Start)
	}
	return now.Sub(p.Start)
}

// Throughput returns Processed/Elapsed(now) in items per second, or 0 when
// elapsed is 0.
func (p OperationProgress) Throughput(now time.Time) float64 {
	elapsed := p.Elapsed(now).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.Processed) / elapsed
}

// ETA estimates remaining wall-clock time from current throughput.
func (p OperationProgress) ETA(now time.Time) time.Duration {
	tp := p.Throughput(now)
	if tp <= 0 || p.Processed >= p.Total {
		return 0
	}
	remaining := p.Total - p.Processed
	return time.Duration(float64(remaining)/tp) * time.Second
}

// MemoryTier is a coarse classification of host RAM that pins a default
// worker concurrency.
type MemoryTier int

const (
	TierBaseline MemoryTier = iota
	TierStandard
	TierEnhanced
	TierPerformance
)

// String renders a MemoryTier for logging and configuration lookups.
func (t MemoryTier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierStandard:
		return "standard"
	case TierEnhanced:
		return "enhanced"
	case TierPerformance:
		return "performance"
	default:
		return "unknown"
	}
}

// MemoryPressure is a runtime classification of current memory utilization.
type MemoryPressure int

const (
	PressureLow MemoryPressure = iota
	PressureMedium
	PressureHigh
	PressureCritical
)

// String renders a MemoryPressure for logging.
func (p MemoryPressure) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MemorySnapshot is the result of one MemoryProbe.Snapshot call.
type MemorySnapshot struct {
	TotalBytes      uint64
	AvailableBytes  uint64
	UsedPercent     float64
	ProcessRSSBytes uint64
}

// SecurityContext carries advisory metadata about the caller of a batch.
// It is never used to make trust decisions by itself; individual components
// (RateLimiter, AuditLog) consume the fields relevant to them.
type SecurityContext struct {
	UserID         string
	SessionID      string
	IP             string
	UserAgent      string
	Operation      string
	Clearance      string
	Permissions    []string
	RequestOrigin  string
}

// ThreatLevel is the composite severity assigned by the InputValidator.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

// String renders a ThreatLevel for logging and audit events.
func (t ThreatLevel) String() string {
	switch t {
	case ThreatNone:
		return "none"
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SecurityResult is the outcome of one pass through the security envelope.
type SecurityResult struct {
	Allowed          bool
	ThreatLevel      ThreatLevel
	Violations       []string
	SanitizedPayload []byte
	Overhead         time.Duration
	Events           []string
}

// CacheReadResult classifies the outcome of a SecureCache.Get call.
type CacheReadResult int

const (
	CacheHit CacheReadResult = iota
	CacheMiss
	CacheExpired
	CacheInvalidEntry
	CachePoisonedEntry
	CacheReadError
)

// String renders a CacheReadResult for metrics labels.
func (r CacheReadResult) String() string {
	switch r {
	case CacheHit:
		return "hit"
	case CacheMiss:
		return "miss"
	case CacheExpired:
		return "expired"
	case CacheInvalidEntry:
		return "invalid"
	case CachePoisonedEntry:
		return "poisoned"
	case CacheReadError:
		return "error"
	default:
		return "unknown"
	}
}

// CacheEntry is one encrypted value stored in the SecureCache.
type CacheEntry struct {
	EncryptedValue []byte
	CreatedAt      time.Time
	AccessedAt     time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	IsolationKey   string
	IntegrityTag   []byte
}

// AuditEventType enumerates the kinds of events the AuditLog records.
type AuditEventType int

const (
	EventItemProcessed AuditEventType = iota
	EventItemFailed
	EventItemSkipped
	EventCacheHit
	EventValidationRejected
	EventRateLimitDenied
	EventResourceViolation
	EventCircuitOpened
	EventBatchStarted
	EventBatchCompleted
	EventSuspiciousActivity
)

// String renders an AuditEventType for serialization and log filters.
func (t AuditEventType) String() string {
	switch t {
	case EventItemProcessed:
		return "item_processed"
	case EventItemFailed:
		return "item_failed"
	case EventItemSkipped:
		return "item_skipped"
	case EventCacheHit:
		return "cache_hit"
	case EventValidationRejected:
		return "validation_rejected"
	case EventRateLimitDenied:
		return "rate_limit_denied"
	case EventResourceViolation:
		return "resource_violation"
	case EventCircuitOpened:
		return "circuit_opened"
	case EventBatchStarted:
		return "batch_started"
	case EventBatchCompleted:
		return "batch_completed"
	case EventSuspiciousActivity:
		return "suspicious_activity"
	default:
		return "unknown"
	}
}

// AuditSeverity ranks the importance of an AuditEvent.
type AuditSeverity int

const (
	SeverityInfo AuditSeverity = iota
	SeverityWarning
	SeverityCritical
)

// String renders an AuditSeverity for serialization.
func (s AuditSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AuditEvent is one tamper-evident journal entry.
type AuditEvent struct {
	Type           AuditEventType
	Severity       AuditSeverity
	Timestamp      time.Time
	Subject        string
	Resource       string
	Action         string
	Result         string
	ThreatLevel    *ThreatLevel
	Flags          []string
	Duration       time.Duration
	Classification string
	RetentionDays  int
	Metadata       map[string]any
}

// ExecutionMode selects which components the Orchestrator wires for a batch.
type ExecutionMode int

const (
	ModeBasic ExecutionMode = iota
	ModePerformance
	ModeSecure
	ModeEnterprise
)

// String renders an ExecutionMode for logging and configuration.
func (m ExecutionMode) String() string {
	switch m {
	case ModeBasic:
		return "basic"
	case ModePerformance:
		return "performance"
	case ModeSecure:
		return "secure"
	case ModeEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

// SecurityLevel names one of the four security presets.
type SecurityLevel int

const (
	SecurityLevelBasic SecurityLevel = iota
	SecurityLevelStandard
	SecurityLevelStrict
	SecurityLevelParanoid
)

// String renders a SecurityLevel for logging and configuration.
func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelBasic:
		return "basic"
	case SecurityLevelStandard:
		return "standard"
	case SecurityLevelStrict:
		return "strict"
	case SecurityLevelParanoid:
		return "paranoid"
	default:
		return "unknown"
	}
}

// Operation is the pluggable per-item handler the core dispatches documents
// through. Handlers must not retain ctx, doc, or params past return.
type Operation func(ctx context.Context, doc Document, params map[string]any) (any, error)

// nonRetryableError marks a HandlerFailure as fatal instead of retryable,
// overriding the scheduler's default "retryable unless told otherwise"
// classification for HandlerFailure (spec §7).
type nonRetryableError struct{ cause error }

func (e *nonRetryableError) Error() string { return e.cause.Error() }
func (e *nonRetryableError) Unwrap() error { return e.cause }

// NonRetryable wraps err so the Scheduler treats the resulting HandlerFailure
// as permanent, skipping the remaining retry attempts even though attempts
// have not been exhausted.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{cause: err}
}

// IsNonRetryable reports whether err (or any error in its chain) was marked
// via NonRetryable.
func IsNonRetryable(err error) bool {
	for err != nil {
		if _, ok := err.(*nonRetryableError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
