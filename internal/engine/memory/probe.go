// Package memory implements the MemoryProbe: host/process memory telemetry,
// memory-tier classification, and best-effort compaction.
package memory

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	gopsmem "github.com/shirou/gopsutil/v4/mem"
	gopsprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/pkg/batch"
)

// memoryTierConcurrency mirrors config.MemoryTierConcurrency but keyed by the
// typed batch.MemoryTier so callers in this package never deal with strings.
var memoryTierConcurrency = map[batch.MemoryTier]int{
	batch.TierBaseline:    config.MemoryTierConcurrency["baseline"],
	batch.TierStandard:    config.MemoryTierConcurrency["standard"],
	batch.TierEnhanced:    config.MemoryTierConcurrency["enhanced"],
	batch.TierPerformance: config.MemoryTierConcurrency["performance"],
}

// Probe reports host/process memory and classifies it into a stable
// MemoryTier. tier() caches its classification after the first snapshot;
// only Refresh recomputes it, matching spec's memory-tier determinism
// property.
type Probe struct {
	cfg    config.MemoryConfig
	logger logging.Logger

	mu           sync.Mutex
	tierCached   bool
	tier         batch.MemoryTier
	lastSnapshot batch.MemorySnapshot

	lastCompactRSS atomic.Uint64
}

// New constructs a Probe. logger may be nil, in which case a no-op logger
// is used.
func New(cfg config.MemoryConfig, logger logging.Logger) *Probe {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Probe{cfg: cfg, logger: logger.Named("memory_probe")}
}

// Snapshot returns the current host/process memory reading. It does not
// affect the cached tier.
func (p *Probe) Snapshot() (batch.MemorySnapshot, error) {
	vm, err := gopsmem.VirtualMemory()
	if err != nil {
		return batch.MemorySnapshot{}, err
	}

	var rss uint64
	if proc, perr := gopsprocess.NewProcess(int32(os.Getpid())); perr == nil {
		if info, merr := proc.MemoryInfo(); merr == nil && info != nil {
			rss = info.RSS
		}
	}

	snap := batch.MemorySnapshot{
		TotalBytes:      vm.Total,
		AvailableBytes:  vm.Available,
		UsedPercent:     vm.UsedPercent,
		ProcessRSSBytes: rss,
	}

	p.mu.Lock()
	p.lastSnapshot = snap
	if !p.tierCached {
		p.tier = classifyTier(vm.Total)
		p.tierCached = true
	}
	p.mu.Unlock()

	return snap, nil
}

// Tier returns the memory tier classified from the first Snapshot call in
// this Probe's lifetime. It never changes until Refresh is called, even if
// host memory pressure changes during a batch.
func (p *Probe) Tier() batch.MemoryTier {
	p.mu.Lock()
	cached := p.tierCached
	tier := p.tier
	p.mu.Unlock()

	if cached {
		return tier
	}
	if _, err := p.Snapshot(); err != nil {
		p.logger.Warn("memory snapshot failed during tier classification", logging.Err(err))
		return batch.TierBaseline
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tier
}

// Refresh forces Tier to recompute its classification on the next call.
func (p *Probe) Refresh() {
	p.mu.Lock()
	p.tierCached = false
	p.mu.Unlock()
}

// Concurrency returns the target worker concurrency for the probe's current
// tier, respecting a caller override clamped to [1, 16].
func (p *Probe) Concurrency(override int) int {
	if override > 0 {
		if override > 16 {
			return 16
		}
		return override
	}
	if n := memoryTierConcurrency[p.Tier()]; n > 0 {
		return n
	}
	return 1
}

// Pressure classifies current memory utilization, polled during a batch to
// drive runtime throttling. Unlike Tier, this is recomputed on every call.
func (p *Probe) Pressure() batch.MemoryPressure {
	snap, err := p.Snapshot()
	if err != nil {
		p.logger.Warn("memory snapshot failed during pressure check", logging.Err(err))
		return batch.PressureLow
	}
	return classifyPressure(snap.UsedPercent)
}

// ShouldThrottle reports whether the scheduler should slow admission,
// true at High or Critical pressure.
func (p *Probe) ShouldThrottle() bool {
	pr := p.Pressure()
	return pr == batch.PressureHigh || pr == batch.PressureCritical
}

// RecommendBatchSize returns a suggested chunk size by a piecewise table on
// available memory.
func (p *Probe) RecommendBatchSize() int {
	snap, err := p.Snapshot()
	if err != nil {
		return 1
	}
	availableGB := float64(snap.AvailableBytes) / (1024 * 1024 * 1024)
	switch {
	case availableGB < 1:
		return 1
	case availableGB < 2:
		return 10
	case availableGB < 4:
		return 50
	case availableGB < 8:
		return 200
	default:
		return 500
	}
}

// Compact performs best-effort memory reclamation: a runtime.GC() followed
// by debug.FreeOSMemory() when the process RSS delta since the last
// compaction exceeds compactThreshold (default 100 MiB, matching the
// threshold used by the original memory optimizer this is grounded on).
func (p *Probe) Compact(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	snap, err := p.Snapshot()
	if err != nil {
		return
	}

	threshold := p.cfg.CompactThresholdMB * 1024 * 1024
	if threshold <= 0 {
		threshold = 100 * 1024 * 1024
	}

	last := p.lastCompactRSS.Load()
	delta := int64(snap.ProcessRSSBytes) - int64(last)
	if delta < int64(threshold) && last != 0 {
		return
	}

	runtime.GC()
	debug.FreeOSMemory()
	p.lastCompactRSS.Store(snap.ProcessRSSBytes)
	p.logger.Debug("memory compaction performed",
		logging.Int64("rss_bytes", int64(snap.ProcessRSSBytes)))
}

func classifyTier(totalBytes uint64) batch.MemoryTier {
	const gib = 1024 * 1024 * 1024
	switch {
	case totalBytes < 2*gib:
		return batch.TierBaseline
	case totalBytes < 4*gib:
		return batch.TierStandard
	case totalBytes < 8*gib:
		return batch.TierEnhanced
	default:
		return batch.TierPerformance
	}
}

func classifyPressure(usedPercent float64) batch.MemoryPressure {
	switch {
	case usedPercent < 50:
		return batch.PressureLow
	case usedPercent < 70:
		return batch.PressureMedium
	case usedPercent < 85:
		return batch.PressureHigh
	default:
		return batch.PressureCritical
	}
}
