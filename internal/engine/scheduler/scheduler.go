// Package scheduler implements the worker-pool Scheduler: drains the
// PriorityQueue through the (mode-dependent) security envelope and
// assembles a BatchResult.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/engine/audit"
	"github.com/turtacn/docbatch/internal/engine/cache"
	"github.com/turtacn/docbatch/internal/engine/memory"
	"github.com/turtacn/docbatch/internal/engine/progress"
	"github.com/turtacn/docbatch/internal/engine/queue"
	"github.com/turtacn/docbatch/internal/engine/ratelimit"
	"github.com/turtacn/docbatch/internal/engine/resourceguard"
	"github.com/turtacn/docbatch/internal/engine/validator"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/internal/platform/metrics"
	"github.com/turtacn/docbatch/pkg/batch"
	"github.com/turtacn/docbatch/pkg/errors"
)

// Dependencies are the component instances a Scheduler drives. Optional
// fields are nil when the execution mode does not enable that component
// (see the mode table on New in pkg/batch).
type Dependencies struct {
	Queue       *queue.Queue
	Memory      *memory.Probe
	Progress    *progress.Tracker
	RateLimiter *ratelimit.Limiter
	Validator   *validator.Validator
	Cache       *cache.Cache
	Guard       *resourceguard.Guard
	Audit       *audit.Log
	Metrics     *metrics.EngineMetrics
	Logger      logging.Logger
}

// Scheduler is the C9 worker-pool loop.
type Scheduler struct {
	cfg    config.SchedulerConfig
	deps   Dependencies
	mode   batch.ExecutionMode
	secLvl batch.SecurityLevel
	logger logging.Logger
}

// New constructs a Scheduler.
func New(cfg config.SchedulerConfig, deps Dependencies, mode batch.ExecutionMode, secLvl batch.SecurityLevel) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.BackpressureEvery <= 0 {
		cfg.BackpressureEvery = 10
	}
	if cfg.BackpressureSleep <= 0 {
		cfg.BackpressureSleep = 100 * time.Millisecond
	}
	return &Scheduler{cfg: cfg, deps: deps, mode: mode, secLvl: secLvl, logger: deps.Logger.Named("scheduler")}
}

func usesSecurityEnvelope(mode batch.ExecutionMode) bool {
	return mode == batch.ModeSecure || mode == batch.ModeEnterprise
}

func usesCache(mode batch.ExecutionMode) bool {
	return mode == batch.ModePerformance || mode == batch.ModeSecure || mode == batch.ModeEnterprise
}

func usesBatchGrouping(mode batch.ExecutionMode) bool {
	return mode == batch.ModePerformance || mode == batch.ModeEnterprise
}

// compactsOnTier reports whether the periodic backpressure compaction pause
// applies to tier. Enhanced/Performance hosts have enough headroom that the
// pause only costs throughput for no benefit; Baseline/Standard hosts are
// the ones the pause exists to protect.
func compactsOnTier(tier batch.MemoryTier) bool {
	return tier == batch.TierBaseline || tier == batch.TierStandard
}

// groupBySimilarity partitions docs into same-size chunks of groupSize and,
// within each chunk, sorts documents by a cheap similarity signature (their
// xxhash-derived content fingerprint) so that workers pulling consecutively
// from the FIFO queue tend to process similar documents back to back —
// improving SecureCache locality without changing which document gets
// which result. The last chunk may be smaller than groupSize.
func groupBySimilarity(docs []batch.Document, groupSize int) []batch.Document {
	if groupSize < 1 {
		return docs
	}
	out := make([]batch.Document, 0, len(docs))
	for start := 0; start < len(docs); start += groupSize {
		end := start + groupSize
		if end > len(docs) {
			end = len(docs)
		}
		chunk := append([]batch.Document(nil), docs[start:end]...)
		sig := make(map[string]uint64, len(chunk))
		for _, d := range chunk {
			sig[d.ID()] = similaritySignature(d)
		}
		sort.Slice(chunk, func(i, j int) bool {
			return sig[chunk[i].ID()] < sig[chunk[j].ID()]
		})
		out = append(out, chunk...)
	}
	return out
}

func similaritySignature(d batch.Document) uint64 {
	payload := d.Payload()
	n := len(payload)
	if n > 64 {
		n = 64
	}
	return xxhash.Sum64(payload[:n])
}

func (s *Scheduler) concurrency(override int) int {
	n := override
	if n <= 0 && s.deps.Memory != nil {
		n = s.deps.Memory.Concurrency(0)
	}
	if n <= 0 {
		n = 4
	}
	if n > s.cfg.MaxConcurrency {
		n = s.cfg.MaxConcurrency
	}
	if n > 16 {
		n = 16
	}
	if n < 1 {
		n = 1
	}
	return n
}

type runState struct {
	mu      sync.Mutex
	results []batch.ItemResult
	errs    []error
	failed  int
	skipped int
	done    int
}

func (r *runState) record(item batch.ItemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, item)
	r.done++
	switch item.Outcome {
	case batch.OutcomeFailed:
		r.failed++
		if item.Err != nil {
			r.errs = append(r.errs, item.Err)
		}
	case batch.OutcomeSkipped:
		r.skipped++
	}
}

// ProcessBatch drains docs through the worker pool and returns the
// assembled BatchResult. concurrencyOverride <= 0 defers to the memory
// tier's recommendation.
func (s *Scheduler) ProcessBatch(
	ctx context.Context,
	operationID string,
	docs []batch.Document,
	opType batch.OperationType,
	op batch.Operation,
	params map[string]any,
	secCtx batch.SecurityContext,
	concurrencyOverride int,
) (*batch.BatchResult, error) {
	start := time.Now()
	total := len(docs)

	if op == nil {
		return nil, errors.InvalidParam("no handler registered for operation").WithDetail(opType.String())
	}
	if s.deps.Guard != nil && s.deps.Guard.BreakerOpen() {
		return nil, errors.New(errors.CodeGuardBreakerOpen, "resource guard circuit breaker is open")
	}

	if err := s.deps.Progress.Start(operationID, total); err != nil {
		return nil, err
	}

	enqueueOrder := docs
	if usesBatchGrouping(s.mode) && s.cfg.BatchGroupSize > 1 && total > s.cfg.BatchGroupSize {
		enqueueOrder = groupBySimilarity(docs, s.cfg.BatchGroupSize)
	}
	for _, doc := range enqueueOrder {
		if _, err := s.deps.Queue.Enqueue(doc, batch.PriorityNormal); err != nil {
			return nil, err
		}
	}

	state := &runState{}
	n := s.concurrency(concurrencyOverride)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return s.worker(gctx, operationID, opType, op, params, secCtx, state)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() != nil {
		s.deps.Progress.Complete(operationID, batch.ProgressCancelled)
		return nil, errors.New(errors.CodeCancelled, "batch cancelled").WithCause(err)
	}

	s.deps.Progress.Complete(operationID, batch.ProgressCompleted)

	state.mu.Lock()
	result := &batch.BatchResult{
		OperationID: operationID,
		Kind:        opType,
		Total:       total,
		Processed:   state.done,
		Failed:      state.failed,
		Skipped:     state.skipped,
		Elapsed:     time.Since(start),
		Results:     append([]batch.ItemResult(nil), state.results...),
		Errors:      append([]error(nil), state.errs...),
	}
	state.mu.Unlock()

	if s.deps.Metrics != nil {
		outcome := "success"
		if result.Failed > 0 {
			outcome = "partial_failure"
		}
		metrics.RecordBatch(s.deps.Metrics, outcome, result.Elapsed)
	}
	if s.deps.Audit != nil {
		s.deps.Audit.Record(batch.AuditEvent{
			Type:     batch.EventBatchCompleted,
			Severity: batch.SeverityInfo,
			Subject:  secCtx.UserID,
			Action:   "process_batch",
			Result:   "completed",
			Duration: result.Elapsed,
			Metadata: map[string]any{"total": total, "failed": result.Failed, "skipped": result.Skipped},
		})
	}

	return result, nil
}

func (s *Scheduler) worker(
	ctx context.Context,
	operationID string,
	opType batch.OperationType,
	op batch.Operation,
	params map[string]any,
	secCtx batch.SecurityContext,
	state *runState,
) error {
	completedSinceCompact := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, ok := s.deps.Queue.Take(200 * time.Millisecond)
		if !ok {
			if s.deps.Queue.IsEmpty() {
				return nil
			}
			continue
		}

		result := s.processItem(ctx, item, opType, op, params, secCtx)
		state.record(result)
		s.deps.Progress.Update(operationID, 1, result.Err)

		completedSinceCompact++
		if completedSinceCompact >= s.cfg.BackpressureEvery {
			completedSinceCompact = 0
			if s.deps.Memory != nil && compactsOnTier(s.deps.Memory.Tier()) {
				s.deps.Memory.Compact(ctx)
				if s.deps.Memory.Pressure() >= batch.PressureHigh {
					time.Sleep(s.cfg.BackpressureSleep)
				}
			}
		}
	}
}

func (s *Scheduler) processItem(
	ctx context.Context,
	item *batch.QueueItem,
	opType batch.OperationType,
	op batch.Operation,
	params map[string]any,
	secCtx batch.SecurityContext,
) batch.ItemResult {
	doc := item.Document
	res := batch.ItemResult{DocumentID: doc.ID(), CompletedAt: time.Now()}

	if usesSecurityEnvelope(s.mode) {
		envelope, skip := s.runSecurityEnvelope(ctx, item, opType, op, params, secCtx)
		if skip {
			s.deps.Queue.MarkCompleted(item.ID)
			return envelope
		}
		doc = item.Document // may have been replaced by a sanitized form
		res.Violations = envelope.Violations
	}

	val, cached, err := s.invokeWithCache(ctx, doc, params, op, secCtx)
	s.releaseRateLimit(secCtx)

	if err != nil {
		return s.handleFailure(item, opType, doc, err)
	}

	if !cached && (s.secLvl == batch.SecurityLevelStrict || s.secLvl == batch.SecurityLevelParanoid) {
		if sanitizedVal, substituted, failed := s.validateOutput(val); failed {
			res.Outcome = batch.OutcomeFailed
			res.Err = errors.ValidationFailure("handler output failed strict output validation").WithDetail(doc.ID())
			s.deps.Queue.MarkFailed(item.ID, false)
			return res
		} else if substituted {
			val = sanitizedVal
		}
	}

	res.Outcome = batch.OutcomeSuccess
	res.Value = val
	res.Cached = cached

	if cached {
		if s.deps.Audit != nil {
			s.deps.Audit.Record(batch.AuditEvent{
				Type:     batch.EventCacheHit,
				Severity: batch.SeverityInfo,
				Subject:  secCtx.UserID,
				Resource: doc.ID(),
				Action:   opType.String(),
				Result:   "cache_hit",
			})
		}
	} else {
		if s.deps.Metrics != nil {
			metrics.RecordOperation(s.deps.Metrics, opType.String(), true, time.Since(item.EnqueuedAt))
		}
		if s.deps.Audit != nil {
			s.deps.Audit.Record(batch.AuditEvent{
				Type:     batch.EventItemProcessed,
				Severity: batch.SeverityInfo,
				Subject:  secCtx.UserID,
				Resource: doc.ID(),
				Action:   opType.String(),
				Result:   "success",
			})
		}
	}

	s.deps.Queue.MarkCompleted(item.ID)
	return res
}

// sanitizedDocument substitutes a document's payload with the Validator's
// sanitized form while keeping its ID and attributes intact.
type sanitizedDocument struct {
	batch.Document
	payload []byte
}

func (d sanitizedDocument) Payload() []byte { return d.payload }

// validateOutput re-validates a []byte/string handler result under Strict/
// Paranoid security levels (§4.9.1 step 5). Non-textual results pass
// through untouched since the validator has nothing to inspect.
func (s *Scheduler) validateOutput(val any) (sanitized any, substituted bool, failed bool) {
	if s.deps.Validator == nil {
		return nil, false, false
	}

	var payload []byte
	isString := false
	switch v := val.(type) {
	case []byte:
		payload = v
	case string:
		payload = []byte(v)
		isString = true
	default:
		return nil, false, false
	}

	vr := s.deps.Validator.Validate(payload, "")
	if vr.ThreatLevel >= batch.ThreatHigh {
		return nil, false, true
	}
	if len(vr.Violations) == 0 || len(vr.Sanitized) == 0 {
		return nil, false, false
	}
	if isString {
		return string(vr.Sanitized), true, false
	}
	return vr.Sanitized, true, false
}

func (s *Scheduler) invoke(ctx context.Context, doc batch.Document, params map[string]any, op batch.Operation) (any, error) {
	if s.deps.Guard == nil {
		return op(ctx, doc, params)
	}
	return s.deps.Guard.Run(ctx, doc.ID(), s.secLvl == batch.SecurityLevelStrict || s.secLvl == batch.SecurityLevelParanoid, func(ctx context.Context) (any, error) {
		return op(ctx, doc, params)
	})
}

// invokeWithCache routes the handler invocation through the SecureCache's
// singleflight-guarded GetOrCompute when caching is enabled, so that two
// workers processing same-fingerprint documents in the same batch invoke
// the handler at most once; the second caller blocks on the first's
// in-flight compute and receives its result instead of racing it.
func (s *Scheduler) invokeWithCache(ctx context.Context, doc batch.Document, params map[string]any, op batch.Operation, secCtx batch.SecurityContext) (any, bool, error) {
	if !usesCache(s.mode) || s.deps.Cache == nil {
		v, err := s.invoke(ctx, doc, params, op)
		return v, false, err
	}

	key := fingerprint(secCtx.UserID, doc.Payload())
	var dest any
	outcome, err := s.deps.Cache.GetOrCompute(isolationKey(secCtx), key, &dest, 0, func() (any, error) {
		return s.invoke(ctx, doc, params, op)
	})
	if err != nil {
		return nil, false, err
	}
	return dest, outcome == batch.CacheHit, nil
}

func (s *Scheduler) handleFailure(item *batch.QueueItem, opType batch.OperationType, doc batch.Document, err error) batch.ItemResult {
	res := batch.ItemResult{DocumentID: doc.ID(), Err: err, CompletedAt: time.Now()}

	retryable := errors.IsRetryable(err) && !batch.IsNonRetryable(err)
	attemptsRemain := item.Attempts+1 < maxAttempts(item)

	if retryable && attemptsRemain {
		s.deps.Queue.MarkFailed(item.ID, true)
		res.Outcome = batch.OutcomeFailed
	} else {
		s.deps.Queue.MarkFailed(item.ID, false)
		res.Outcome = batch.OutcomeFailed
	}

	if s.deps.Metrics != nil {
		metrics.RecordOperation(s.deps.Metrics, opType.String(), false, time.Since(item.EnqueuedAt))
	}
	if s.deps.Audit != nil {
		s.deps.Audit.Record(batch.AuditEvent{
			Type:     batch.EventItemFailed,
			Severity: batch.SeverityWarning,
			Subject:  doc.ID(),
			Action:   opType.String(),
			Result:   "failed",
			Metadata: map[string]any{"error": err.Error()},
		})
	}
	return res
}

func maxAttempts(item *batch.QueueItem) int {
	if item.MaxAttempts <= 0 {
		return 3
	}
	return item.MaxAttempts
}

func (s *Scheduler) releaseRateLimit(secCtx batch.SecurityContext) {
	if s.deps.RateLimiter != nil {
		s.deps.RateLimiter.Release(secCtx.UserID, secCtx.IP)
	}
}

func isolationKey(secCtx batch.SecurityContext) string {
	if secCtx.UserID != "" {
		return secCtx.UserID
	}
	return "default"
}

func fingerprint(userID string, payload []byte) string {
	prefixLen := 256
	if len(payload) < prefixLen {
		prefixLen = len(payload)
	}
	h := xxhash.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write(payload[:prefixLen])
	return fmt.Sprintf("%x", h.Sum64())
}

// runSecurityEnvelope implements §4.9.1's validation and rate-admission
// steps. skip is true when the item has already been terminally rejected
// and the caller should not invoke the handler; the cache probe/store
// step runs downstream in invokeWithCache.
func (s *Scheduler) runSecurityEnvelope(
	ctx context.Context,
	item *batch.QueueItem,
	opType batch.OperationType,
	op batch.Operation,
	params map[string]any,
	secCtx batch.SecurityContext,
) (batch.ItemResult, bool) {
	doc := item.Document
	res := batch.ItemResult{DocumentID: doc.ID(), CompletedAt: time.Now()}

	// 1. Input validation. A Low/Medium threat with a sanitized form
	// present replaces the document's payload for the rest of the
	// envelope and the handler invocation; High+ is a terminal rejection.
	if s.deps.Validator != nil {
		vr := s.deps.Validator.Validate(doc.Payload(), "")
		if s.deps.Metrics != nil {
			for _, v := range vr.Violations {
				s.deps.Metrics.ValidationViolationsTotal.WithLabelValues(v, vr.ThreatLevel.String()).Inc()
			}
		}
		if vr.ThreatLevel >= batch.ThreatHigh {
			res.Outcome = batch.OutcomeSkipped
			res.Violations = vr.Violations
			s.auditRejection(doc.ID(), secCtx, "validation_rejected", vr.Violations)
			return res, true
		}
		if len(vr.Violations) > 0 {
			res.Violations = vr.Violations
		}
		if (vr.ThreatLevel == batch.ThreatLow || vr.ThreatLevel == batch.ThreatMedium) && len(vr.Sanitized) > 0 {
			doc = sanitizedDocument{Document: doc, payload: vr.Sanitized}
			item.Document = doc
		}
	}

	// 2. Rate admission.
	if s.deps.RateLimiter != nil {
		decision := s.deps.RateLimiter.Check(secCtx.UserID, secCtx.IP, secCtx.Operation)
		if !decision.Allowed {
			res.Outcome = batch.OutcomeSkipped
			res.Violations = append([]string{"rate_limited"}, decision.Violations...)
			s.auditRejection(doc.ID(), secCtx, "rate_limit_denied", res.Violations)
			return res, true
		}
	}

	// 3. Cache probe and store happen together in invokeWithCache, via
	// Cache.GetOrCompute, so that concurrent same-fingerprint callers
	// share a single in-flight handler invocation.

	return res, false
}

func (s *Scheduler) auditRejection(documentID string, secCtx batch.SecurityContext, action string, violations []string) {
	s.releaseRateLimit(secCtx)
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit.Record(batch.AuditEvent{
		Type:     eventTypeFor(action),
		Severity: batch.SeverityWarning,
		Subject:  secCtx.UserID,
		Resource: documentID,
		Action:   action,
		Result:   "rejected",
		Flags:    violations,
	})
}

func eventTypeFor(action string) batch.AuditEventType {
	switch action {
	case "rate_limit_denied":
		return batch.EventRateLimitDenied
	default:
		return batch.EventValidationRejected
	}
}
