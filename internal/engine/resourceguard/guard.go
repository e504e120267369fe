// Package resourceguard implements ResourceGuard: per-operation wall-clock,
// CPU-time, and memory-delta limits backed by a background sampler, plus a
// process-wide circuit breaker.
package resourceguard

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/semaphore"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/internal/platform/metrics"
	"github.com/turtacn/docbatch/pkg/errors"
)

type tracking struct {
	id           string
	start        time.Time
	startCPUSecs float64
	startRSS     uint64
	cancel       context.CancelFunc
	violationTag atomic.Value // string
}

// Guard is the ResourceGuard.
type Guard struct {
	cfg    config.ResourceGuardConfig
	logger logging.Logger
	m      *metrics.EngineMetrics
	proc   *gopsprocess.Process

	mu       sync.Mutex
	active   map[string]*tracking
	sem      *semaphore.Weighted
	stopOnce sync.Once
	stopCh   chan struct{}

	breakerOpenUntil atomic.Int64 // unix nanos; 0 means closed
}

// New constructs a Guard and starts its background sampler.
func New(cfg config.ResourceGuardConfig, logger logging.Logger, m *metrics.EngineMetrics) *Guard {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.WallClockTimeout <= 0 {
		cfg.WallClockTimeout = 600 * time.Second
	}
	if cfg.CPUTimeLimit <= 0 {
		cfg.CPUTimeLimit = 300 * time.Second
	}
	if cfg.MemoryDeltaLimitMB <= 0 {
		cfg.MemoryDeltaLimitMB = 512
	}
	if cfg.MaxConcurrentOps <= 0 {
		cfg.MaxConcurrentOps = 10
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	proc, err := gopsprocess.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("resource guard could not attach to self process", logging.Err(err))
	}

	g := &Guard{
		cfg:    cfg,
		logger: logger.Named("resource_guard"),
		m:      m,
		proc:   proc,
		active: make(map[string]*tracking),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentOps)),
		stopCh: make(chan struct{}),
	}
	go g.sampleLoop()
	return g
}

// Stop halts the background sampler. Safe to call more than once.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// BreakerOpen reports whether the process-wide circuit breaker is
// currently open.
func (g *Guard) BreakerOpen() bool {
	until := g.breakerOpenUntil.Load()
	return until != 0 && time.Now().UnixNano() < until
}

func (g *Guard) openBreaker() {
	until := time.Now().Add(g.cfg.BreakerCooldown).UnixNano()
	g.breakerOpenUntil.Store(until)
	if g.m != nil {
		g.m.ResourceGuardBreakerOpen.WithLabelValues().Set(1)
	}
	g.logger.Warn("resource guard circuit breaker opened", logging.Duration("cooldown", g.cfg.BreakerCooldown))
}

func (g *Guard) closeBreakerIfElapsed() {
	until := g.breakerOpenUntil.Load()
	if until != 0 && time.Now().UnixNano() >= until {
		if g.breakerOpenUntil.CompareAndSwap(until, 0) && g.m != nil {
			g.m.ResourceGuardBreakerOpen.WithLabelValues().Set(0)
		}
	}
}

func (g *Guard) activeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Run invokes fn under resource guard protection: a wall-clock timeout, a
// background CPU-time/memory-delta sampler that cancels fn's context on
// breach, and a concurrency cap. strict, when true, opens the process-wide
// circuit breaker on any violation.
func (g *Guard) Run(parent context.Context, id string, strict bool, fn func(ctx context.Context) (any, error)) (any, error) {
	g.closeBreakerIfElapsed()
	if g.BreakerOpen() {
		return nil, errors.New(errors.CodeGuardBreakerOpen, "resource guard circuit breaker is open")
	}

	if !g.sem.TryAcquire(1) {
		return nil, errors.ResourceExhaustion("max_concurrent_ops exceeded").WithDetail(id)
	}
	defer g.sem.Release(1)

	ctx, cancel := context.WithTimeout(parent, g.cfg.WallClockTimeout)
	defer cancel()

	t := &tracking{id: id, start: time.Now(), cancel: cancel}
	if g.proc != nil {
		if tm, err := g.proc.Times(); err == nil && tm != nil {
			t.startCPUSecs = tm.User + tm.System
		}
		if mi, err := g.proc.MemoryInfo(); err == nil && mi != nil {
			t.startRSS = mi.RSS
		}
	}

	g.mu.Lock()
	g.active[id] = t
	g.mu.Unlock()
	if g.m != nil {
		g.m.ResourceGuardActiveOps.WithLabelValues().Set(float64(g.activeCount()))
	}

	defer func() {
		g.mu.Lock()
		delete(g.active, id)
		g.mu.Unlock()
		if g.m != nil {
			g.m.ResourceGuardActiveOps.WithLabelValues().Set(float64(g.activeCount()))
		}
	}()

	type result struct {
		val any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: errors.HandlerFailure(nil, "operation panicked").WithDetail(id)}
			}
		}()
		v, err := fn(ctx)
		resCh <- result{val: v, err: err}
	}()

	select {
	case r := <-resCh:
		return r.val, r.err
	case <-ctx.Done():
		tag, _ := t.violationTag.Load().(string)
		if tag == "" {
			tag = "wall_clock"
		}
		if g.m != nil {
			g.m.ResourceViolationsTotal.WithLabelValues(tag).Inc()
		}
		if strict {
			g.openBreaker()
		}
		return nil, resourceErrorForTag(tag, id)
	}
}

func resourceErrorForTag(tag, id string) error {
	if tag == "wall_clock" {
		return errors.New(errors.CodeWallClockExceeded, "operation exceeded wall_clock_timeout").WithDetail(id)
	}
	return errors.ResourceExhaustion("operation exceeded " + tag + " limit").WithDetail(id)
}

func (g *Guard) sampleLoop() {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sampleOnce()
		}
	}
}

func (g *Guard) sampleOnce() {
	g.closeBreakerIfElapsed()
	if g.proc == nil {
		return
	}

	var rss uint64
	if mi, err := g.proc.MemoryInfo(); err == nil && mi != nil {
		rss = mi.RSS
	}
	var cpuSecs float64
	if tm, err := g.proc.Times(); err == nil && tm != nil {
		cpuSecs = tm.User + tm.System
	}

	g.mu.Lock()
	snapshot := make([]*tracking, 0, len(g.active))
	for _, t := range g.active {
		snapshot = append(snapshot, t)
	}
	g.mu.Unlock()

	now := time.Now()
	limitMB := float64(g.cfg.MemoryDeltaLimitMB)
	for _, t := range snapshot {
		if now.Sub(t.start) > g.cfg.WallClockTimeout {
			t.violationTag.Store("wall_clock")
			t.cancel()
			continue
		}
		if rss > t.startRSS {
			deltaMB := float64(rss-t.startRSS) / (1024 * 1024)
			if deltaMB > limitMB {
				t.violationTag.Store("memory_delta")
				t.cancel()
				continue
			}
		}
		if cpuSecs > t.startCPUSecs {
			cpuElapsed := time.Duration((cpuSecs - t.startCPUSecs) * float64(time.Second))
			if cpuElapsed > g.cfg.CPUTimeLimit {
				t.violationTag.Store("cpu_time")
				t.cancel()
			}
		}
	}
}
