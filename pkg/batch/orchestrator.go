// Package batch is the public surface of the document batch execution core:
// the Orchestrator wires the engine components (queue, memory probe,
// progress tracker, and the mode-dependent security envelope) into a single
// entry point and exposes ProcessBatch/ProcessStream/RegisterOperation.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/engine/audit"
	"github.com/turtacn/docbatch/internal/engine/cache"
	"github.com/turtacn/docbatch/internal/engine/memory"
	"github.com/turtacn/docbatch/internal/engine/progress"
	"github.com/turtacn/docbatch/internal/engine/queue"
	"github.com/turtacn/docbatch/internal/engine/ratelimit"
	"github.com/turtacn/docbatch/internal/engine/resourceguard"
	"github.com/turtacn/docbatch/internal/engine/scheduler"
	"github.com/turtacn/docbatch/internal/engine/validator"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/internal/platform/metrics"
	"github.com/turtacn/docbatch/pkg/errors"
)

// modeOf maps a config execution_mode string onto the typed ExecutionMode.
func modeOf(s string) ExecutionMode {
	switch s {
	case "performance":
		return ModePerformance
	case "secure":
		return ModeSecure
	case "enterprise":
		return ModeEnterprise
	default:
		return ModeBasic
	}
}

// securityLevelOf maps a config.SecurityProfile onto the typed SecurityLevel.
func securityLevelOf(p config.SecurityProfile) SecurityLevel {
	switch p {
	case config.ProfileStrict:
		return SecurityLevelStrict
	case config.ProfileParanoid:
		return SecurityLevelParanoid
	case config.ProfileStandard:
		return SecurityLevelStandard
	default:
		return SecurityLevelBasic
	}
}

// loggingConfigFrom adapts config.LogConfig (the mapstructure-bound,
// file/output-flavored shape) into logging.LogConfig (the zap-flavored,
// output-paths shape) the platform logger constructor expects.
func loggingConfigFrom(c config.LogConfig) logging.LogConfig {
	lc := logging.LogConfig{
		Level:            c.Level,
		Format:           c.Format,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if c.Output == "file" && c.FilePath != "" {
		lc.OutputPaths = []string{c.FilePath}
	}
	return lc
}

// Option configures an Orchestrator at construction.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	logger   logging.Logger
	detector piiDetector
}

// WithLogger injects a pre-built logger instead of constructing one from
// cfg.Log.
func WithLogger(l logging.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// piiDetector is satisfied by both validator.PIIDetector and audit.PIIDetector
// (identical method sets); it lets one injected detector serve both.
type piiDetector interface {
	Detect(payload []byte) (bool, float64)
}

// WithPIIDetector injects a PII detection capability shared by the
// InputValidator's PII pass and the AuditLog's masking pass.
func WithPIIDetector(d piiDetector) Option {
	return func(o *orchestratorOptions) { o.detector = d }
}

// Orchestrator is the C10 component: the single entry point a caller drives
// a batch operation through. It owns every engine component the configured
// execution mode requires and releases them on Cleanup.
type Orchestrator struct {
	cfg    config.Config
	mode   ExecutionMode
	secLvl SecurityLevel
	logger logging.Logger

	memory      *memory.Probe
	queue       *queue.Queue
	progress    *progress.Tracker
	rateLimiter *ratelimit.Limiter
	validator   *validator.Validator
	cache       *cache.Cache
	guard       *resourceguard.Guard
	audit       *audit.Log
	metrics     *metrics.EngineMetrics
	collector   metrics.MetricsCollector
	scheduler   *scheduler.Scheduler

	mu         sync.RWMutex
	operations map[OperationType]Operation
}

// New constructs an Orchestrator from cfg, wiring only the components the
// execution mode requires (see the mode table: Basic carries the queue,
// memory probe and progress tracker; Performance adds the cache;
// Secure adds the validator, rate limiter, resource guard and audit log;
// Enterprise carries all of them).
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	config.ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		l, err := logging.NewLogger(loggingConfigFrom(cfg.Log))
		if err != nil {
			return nil, fmt.Errorf("batch: logger init: %w", err)
		}
		logger = l
	}
	logger = logger.Named("orchestrator")

	collector, err := metrics.NewMetricsCollector(metrics.CollectorConfig{
		Namespace:            "docbatch",
		EnableProcessMetrics: true,
		EnableGoMetrics:      true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("batch: metrics init: %w", err)
	}
	engineMetrics := metrics.NewEngineMetrics(collector)

	mode := modeOf(cfg.ExecutionMode)
	secLvl := securityLevelOf(cfg.SecurityProfile)

	orch := &Orchestrator{
		cfg:        cfg,
		mode:       mode,
		secLvl:     secLvl,
		logger:     logger,
		metrics:    engineMetrics,
		collector:  collector,
		operations: make(map[OperationType]Operation),
	}

	orch.memory = memory.New(cfg.Memory, logger)
	orch.queue = queue.New(cfg.Queue, logger)
	orch.progress = progress.New(logger)

	if usesSecurityComponents(mode) {
		var validatorOpts []validator.Option
		var auditOpts []audit.Option
		if o.detector != nil {
			validatorOpts = append(validatorOpts, validator.WithPIIDetector(o.detector))
			auditOpts = append(auditOpts, audit.WithPIIDetector(o.detector))
		}
		orch.validator = validator.New(cfg.Validator, logger, validatorOpts...)
		orch.rateLimiter = ratelimit.New(cfg.RateLimit, logger, engineMetrics)
		orch.guard = resourceguard.New(cfg.ResourceGuard, logger, engineMetrics)

		auditLog, err := audit.New(cfg.Audit, logger, engineMetrics, auditOpts...)
		if err != nil {
			return nil, fmt.Errorf("batch: audit log init: %w", err)
		}
		orch.audit = auditLog
	}

	if usesCacheComponent(mode) {
		c, err := cache.New(cfg.Cache, logger, engineMetrics)
		if err != nil {
			return nil, fmt.Errorf("batch: secure cache init: %w", err)
		}
		orch.cache = c
	}

	orch.scheduler = scheduler.New(cfg.Scheduler, scheduler.Dependencies{
		Queue:       orch.queue,
		Memory:      orch.memory,
		Progress:    orch.progress,
		RateLimiter: orch.rateLimiter,
		Validator:   orch.validator,
		Cache:       orch.cache,
		Guard:       orch.guard,
		Audit:       orch.audit,
		Metrics:     engineMetrics,
		Logger:      logger,
	}, mode, secLvl)

	logger.Info("orchestrator initialized",
		logging.String("mode", cfg.ExecutionMode),
		logging.String("security_profile", string(cfg.SecurityProfile)))

	return orch, nil
}

func usesSecurityComponents(mode ExecutionMode) bool {
	return mode == ModeSecure || mode == ModeEnterprise
}

func usesCacheComponent(mode ExecutionMode) bool {
	return mode == ModePerformance || mode == ModeSecure || mode == ModeEnterprise
}

// RegisterOperation binds handler to kind. RegisterOperation refuses to
// overwrite an existing binding unless override is true.
func (o *Orchestrator) RegisterOperation(kind OperationType, handler Operation, override bool) error {
	if handler == nil {
		return errors.InvalidParam("operation handler must not be nil")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.operations[kind]; exists && !override {
		return errors.InvalidParam("operation already registered").WithDetail(kind.String())
	}
	o.operations[kind] = handler
	return nil
}

func (o *Orchestrator) operationFor(kind OperationType) Operation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.operations[kind]
}

// ProcessBatch runs every document in docs through the registered handler
// for opType, draining a worker pool sized from the memory tier (or
// concurrencyOverride, when positive) and returns the assembled result.
func (o *Orchestrator) ProcessBatch(
	ctx context.Context,
	operationID string,
	docs []Document,
	opType OperationType,
	params map[string]any,
	secCtx SecurityContext,
	concurrencyOverride int,
) (*BatchResult, error) {
	secCtx.Operation = opType.String()
	op := o.operationFor(opType)
	if op == nil {
		return nil, errors.New(errors.CodeNotImplemented, "no handler registered for operation").WithDetail(opType.String())
	}
	return o.scheduler.ProcessBatch(ctx, operationID, docs, opType, op, params, secCtx, concurrencyOverride)
}

// ProcessStream runs documents received on in through the registered
// handler in chunks of 32: each chunk is run as one batch, and its
// ItemResults are sent on the returned channel once the whole chunk has
// finished; no further documents are read from in until then. Results are
// not emitted one by one as each document completes, and the queue's
// max_size takes no part in this backpressure. A chunk whose batch call
// returns an error emits no results. The returned channel is closed once in
// is closed and the last chunk finishes, or when ctx is done.
func (o *Orchestrator) ProcessStream(
	ctx context.Context,
	operationID string,
	in <-chan Document,
	opType OperationType,
	params map[string]any,
	secCtx SecurityContext,
) <-chan ItemResult {
	out := make(chan ItemResult)
	secCtx.Operation = opType.String()

	go func() {
		defer close(out)

		op := o.operationFor(opType)
		if op == nil {
			return
		}

		const streamChunk = 32
		buf := make([]Document, 0, streamChunk)
		flush := func() {
			if len(buf) == 0 {
				return
			}
			res, err := o.scheduler.ProcessBatch(ctx, operationID, buf, opType, op, params, secCtx, 0)
			buf = buf[:0]
			if err != nil {
				return
			}
			for _, r := range res.Results {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case doc, ok := <-in:
				if !ok {
					flush()
					return
				}
				buf = append(buf, doc)
				if len(buf) >= streamChunk {
					flush()
				}
			}
		}
	}()

	return out
}

// Metrics returns a snapshot of the orchestrator's runtime state: execution
// mode, security profile, queue size and stats, memory tier and pressure,
// the progress summary, and the breaker state and cache size when those
// components are wired. Callers that want the Prometheus scrape surface
// should mount Collector().Handler() instead.
func (o *Orchestrator) Metrics() map[string]any {
	out := map[string]any{
		"execution_mode":   o.cfg.ExecutionMode,
		"security_profile": string(o.cfg.SecurityProfile),
		"queue_size":       o.queue.Size(),
		"queue_stats":      o.queue.Stats(),
		"memory_tier":      o.memory.Tier().String(),
		"memory_pressure":  o.memory.Pressure().String(),
		"progress_summary": o.progress.Summary(),
	}
	if o.guard != nil {
		out["resource_guard_breaker_open"] = o.guard.BreakerOpen()
	}
	if o.cache != nil {
		out["cache_size"] = o.cache.Size()
	}
	return out
}

// SecurityStatus reports whether each security envelope component is
// active under the current execution mode, for health/readiness surfaces.
func (o *Orchestrator) SecurityStatus() map[string]bool {
	status := map[string]bool{
		"validator":       o.validator != nil,
		"rate_limiter":    o.rateLimiter != nil,
		"resource_guard":  o.guard != nil,
		"audit_log":       o.audit != nil,
		"cache_encrypted": o.cache != nil && o.cfg.Cache.Encrypted,
	}
	if o.guard != nil {
		status["breaker_open"] = o.guard.BreakerOpen()
	}
	return status
}

// ResetStatistics clears the queue's completed/failed lifecycle counters
// and the progress tracker's history. Active operations and cache/audit
// state are untouched.
func (o *Orchestrator) ResetStatistics() {
	o.queue.Clear()
}

// Collector exposes the underlying MetricsCollector for mounting its
// Prometheus handler on an HTTP mux.
func (o *Orchestrator) Collector() metrics.MetricsCollector {
	return o.collector
}

// Cleanup stops every background goroutine the Orchestrator started
// (the resource guard's sampler, the audit log's flush loop) and closes
// the audit log's underlying file. Safe to call once; the Orchestrator must
// not be used afterward.
func (o *Orchestrator) Cleanup() error {
	if o.guard != nil {
		o.guard.Stop()
	}
	o.queue.Close()
	if o.audit != nil {
		return o.audit.Close()
	}
	return nil
}
