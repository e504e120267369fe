package metrics

import (
	"time"
)

// EngineMetrics holds every metric series the batch execution core exposes.
type EngineMetrics struct {
	// Queue (C2)
	QueueDepth        GaugeVec
	QueueEnqueued     CounterVec
	QueueDequeued     CounterVec
	QueueRejected     CounterVec
	QueueWaitDuration HistogramVec

	// Memory (C1)
	MemoryPressure      GaugeVec
	MemoryTier          GaugeVec
	MemoryCompactionsTotal CounterVec

	// Progress (C3)
	OperationsStarted   CounterVec
	OperationsCompleted CounterVec
	OperationsFailed    CounterVec
	OperationDuration   HistogramVec

	// RateLimit (C4)
	RateLimitAllowedTotal CounterVec
	RateLimitBlockedTotal CounterVec
	RateLimitCircuitState GaugeVec

	// Validator (C5)
	ValidationViolationsTotal CounterVec
	ValidationDuration        HistogramVec

	// Cache (C6)
	CacheHitsTotal     CounterVec
	CacheMissesTotal   CounterVec
	CacheEvictionsTotal CounterVec
	CachePoisonedTotal CounterVec
	CacheSize          GaugeVec

	// ResourceGuard (C7)
	ResourceViolationsTotal CounterVec
	ResourceGuardBreakerOpen GaugeVec
	ResourceGuardActiveOps  GaugeVec

	// Audit (C8)
	AuditEventsTotal   CounterVec
	AuditAnomaliesTotal CounterVec
	AuditFlushDuration HistogramVec

	// Scheduler (C9) / Orchestrator (C10)
	WorkerUtilization GaugeVec
	BatchesProcessed  CounterVec
	BatchDuration     HistogramVec
}

// Default bucket sets tuned to the execution core's expected latency ranges.
var (
	DefaultOperationDurationBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	DefaultQueueWaitBuckets         = []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10}
	DefaultBatchDurationBuckets     = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800}
)

// NewEngineMetrics registers every series against collector and returns the
// populated EngineMetrics. Registration failures degrade to no-op series
// (see MetricsCollector.RegisterX) rather than aborting startup.
func NewEngineMetrics(collector MetricsCollector) *EngineMetrics {
	m := &EngineMetrics{}

	m.QueueDepth = collector.RegisterGauge("queue_depth", "Current number of items waiting in the priority queue", "priority")
	m.QueueEnqueued = collector.RegisterCounter("queue_enqueued_total", "Items accepted into the priority queue", "priority")
	m.QueueDequeued = collector.RegisterCounter("queue_dequeued_total", "Items taken off the priority queue", "priority")
	m.QueueRejected = collector.RegisterCounter("queue_rejected_total", "Items rejected because the queue was full", "priority")
	m.QueueWaitDuration = collector.RegisterHistogram("queue_wait_duration_seconds", "Time an item spent waiting in the queue", DefaultQueueWaitBuckets, "priority")

	m.MemoryPressure = collector.RegisterGauge("memory_pressure_ratio", "Process memory usage as a fraction of the active tier's threshold", nil...)
	m.MemoryTier = collector.RegisterGauge("memory_tier", "Currently active memory tier, encoded 0=baseline..3=performance", nil...)
	m.MemoryCompactionsTotal = collector.RegisterCounter("memory_compactions_total", "Best-effort compaction passes triggered by sustained pressure", nil...)

	m.OperationsStarted = collector.RegisterCounter("operations_started_total", "Operations handed to a worker", "operation_type")
	m.OperationsCompleted = collector.RegisterCounter("operations_completed_total", "Operations that returned successfully", "operation_type")
	m.OperationsFailed = collector.RegisterCounter("operations_failed_total", "Operations that returned an error after exhausting retries", "operation_type")
	m.OperationDuration = collector.RegisterHistogram("operation_duration_seconds", "Wall-clock duration of a single operation invocation", DefaultOperationDurationBuckets, "operation_type")

	m.RateLimitAllowedTotal = collector.RegisterCounter("rate_limit_allowed_total", "Requests admitted by the rate limiter", "scope")
	m.RateLimitBlockedTotal = collector.RegisterCounter("rate_limit_blocked_total", "Requests blocked by the rate limiter", "scope", "reason")
	m.RateLimitCircuitState = collector.RegisterGauge("rate_limit_circuit_state", "Circuit breaker state, encoded 0=closed 1=half_open 2=open", nil...)

	m.ValidationViolationsTotal = collector.RegisterCounter("validation_violations_total", "Input validation violations detected", "threat_category", "severity")
	m.ValidationDuration = collector.RegisterHistogram("validation_duration_seconds", "Duration of a single validation pass", DefaultQueueWaitBuckets, nil...)

	m.CacheHitsTotal = collector.RegisterCounter("cache_hits_total", "Secure cache reads that found a live entry", nil...)
	m.CacheMissesTotal = collector.RegisterCounter("cache_misses_total", "Secure cache reads that found no live entry", nil...)
	m.CacheEvictionsTotal = collector.RegisterCounter("cache_evictions_total", "Entries evicted to respect max_entries", "reason")
	m.CachePoisonedTotal = collector.RegisterCounter("cache_poisoned_total", "Entries rejected or quarantined for failing integrity verification", nil...)
	m.CacheSize = collector.RegisterGauge("cache_size_entries", "Current number of live cache entries", nil...)

	m.ResourceViolationsTotal = collector.RegisterCounter("resource_violations_total", "Operations terminated for exceeding a resource limit", "limit_kind")
	m.ResourceGuardBreakerOpen = collector.RegisterGauge("resource_guard_breaker_open", "1 if the global resource circuit breaker is open", nil...)
	m.ResourceGuardActiveOps = collector.RegisterGauge("resource_guard_active_ops", "Operations currently tracked under resource guard", nil...)

	m.AuditEventsTotal = collector.RegisterCounter("audit_events_total", "Audit events appended to the journal", "event_type", "severity")
	m.AuditAnomaliesTotal = collector.RegisterCounter("audit_anomalies_total", "Bursts flagged by anomaly detection", "event_type")
	m.AuditFlushDuration = collector.RegisterHistogram("audit_flush_duration_seconds", "Duration of a buffered audit flush to disk", DefaultQueueWaitBuckets, nil...)

	m.WorkerUtilization = collector.RegisterGauge("worker_utilization_ratio", "Fraction of scheduler worker slots currently busy", nil...)
	m.BatchesProcessed = collector.RegisterCounter("batches_processed_total", "Batches accepted by ProcessBatch", "outcome")
	m.BatchDuration = collector.RegisterHistogram("batch_duration_seconds", "Wall-clock duration of an entire batch", DefaultBatchDurationBuckets, nil...)

	return m
}

// RecordOperation records the outcome of a single operation invocation.
func RecordOperation(m *EngineMetrics, operationType string, success bool, duration time.Duration) {
	m.OperationsStarted.WithLabelValues(operationType).Inc()
	m.OperationDuration.WithLabelValues(operationType).Observe(duration.Seconds())
	if success {
		m.OperationsCompleted.WithLabelValues(operationType).Inc()
	} else {
		m.OperationsFailed.WithLabelValues(operationType).Inc()
	}
}

// RecordCacheAccess records a single secure-cache lookup.
func RecordCacheAccess(m *EngineMetrics, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues().Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues().Inc()
	}
}

// RecordRateLimitDecision records a single admission check outcome.
func RecordRateLimitDecision(m *EngineMetrics, scope string, allowed bool, reason string) {
	if allowed {
		m.RateLimitAllowedTotal.WithLabelValues(scope).Inc()
		return
	}
	m.RateLimitBlockedTotal.WithLabelValues(scope, reason).Inc()
}

// RecordBatch records the completion of a ProcessBatch call.
func RecordBatch(m *EngineMetrics, outcome string, duration time.Duration) {
	m.BatchesProcessed.WithLabelValues(outcome).Inc()
	m.BatchDuration.WithLabelValues().Observe(duration.Seconds())
}
