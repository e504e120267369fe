// Package progress implements the ProgressTracker: per-operation counters,
// ETA/throughput derivation, and event fan-out to subscribers.
package progress

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/pkg/batch"
	"github.com/turtacn/docbatch/pkg/errors"
)

// EventType names the subscriber fan-out channels.
type EventType int

const (
	EventStarted EventType = iota
	EventItemCompleted
	EventBatchCompleted
	EventError
)

// Handler is a subscriber callback invoked on each event occurrence.
type Handler func(operationID string, p batch.OperationProgress)

const shardCount = 16

type shard struct {
	mu     sync.Mutex
	active map[string]*batch.OperationProgress
}

// Tracker is the ProgressTracker. Active records are sharded across 16
// buckets by xxhash of the operation id to reduce lock contention under
// many concurrent batches — the same sharding idiom used elsewhere in this
// codebase for bucketed maps.
type Tracker struct {
	logger logging.Logger

	shards [shardCount]*shard

	historyMu sync.Mutex
	history   []batch.OperationProgress

	subMu       sync.Mutex
	subscribers map[EventType][]Handler
}

// New constructs a Tracker. logger may be nil.
func New(logger logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	tr := &Tracker{
		logger:      logger.Named("progress_tracker"),
		subscribers: make(map[EventType][]Handler),
	}
	for i := range tr.shards {
		tr.shards[i] = &shard{active: make(map[string]*batch.OperationProgress)}
	}
	return tr
}

func (t *Tracker) shardFor(operationID string) *shard {
	h := xxhash.Sum64String(operationID)
	return t.shards[h%shardCount]
}

// Start creates a progress record for operationID. Duplicate starts for the
// same id are rejected.
func (t *Tracker) Start(operationID string, total int) error {
	s := t.shardFor(operationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.active[operationID]; exists {
		return errors.InvalidParam("operation_id already started").WithDetail(operationID)
	}

	s.active[operationID] = &batch.OperationProgress{
		OperationID: operationID,
		Total:       total,
		Start:       time.Now(),
		Status:      batch.ProgressRunning,
	}

	t.notify(EventStarted, operationID, *s.active[operationID])
	return nil
}

// Update increments the processed count, appends an error when
// non-nil, and transitions to Completed when processed reaches total.
// When increment is 0, 1 is used (the default step size).
func (t *Tracker) Update(operationID string, increment int, err error) {
	if increment == 0 {
		increment = 1
	}

	s := t.shardFor(operationID)
	s.mu.Lock()
	p, ok := s.active[operationID]
	if !ok {
		s.mu.Unlock()
		return
	}

	p.Processed += increment
	if p.Processed > p.Total {
		p.Processed = p.Total
	}
	if err != nil {
		p.Errors = append(p.Errors, err)
	}
	completed := p.Processed >= p.Total
	if completed {
		p.Status = batch.ProgressCompleted
	}
	snapshot := *p
	s.mu.Unlock()

	t.notify(EventItemCompleted, operationID, snapshot)
	if err != nil {
		t.notify(EventError, operationID, snapshot)
	}
	if completed {
		t.notify(EventBatchCompleted, operationID, snapshot)
	}
}

// Complete sets the end time and terminal status, then moves the record
// from active tracking into history.
func (t *Tracker) Complete(operationID string, status batch.ProgressStatus) {
	s := t.shardFor(operationID)
	s.mu.Lock()
	p, ok := s.active[operationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	p.End = &now
	p.Status = status
	snapshot := *p
	delete(s.active, operationID)
	s.mu.Unlock()

	t.historyMu.Lock()
	t.history = append(t.history, snapshot)
	t.historyMu.Unlock()

	t.notify(EventBatchCompleted, operationID, snapshot)
}

// Get returns the current progress record for operationID, checking both
// active and historical records.
func (t *Tracker) Get(operationID string) (batch.OperationProgress, bool) {
	s := t.shardFor(operationID)
	s.mu.Lock()
	if p, ok := s.active[operationID]; ok {
		snapshot := *p
		s.mu.Unlock()
		return snapshot, true
	}
	s.mu.Unlock()

	t.historyMu.Lock()
	defer t.historyMu.Unlock()
	for _, p := range t.history {
		if p.OperationID == operationID {
			return p, true
		}
	}
	return batch.OperationProgress{}, false
}

// Subscribe registers handler for fan-out notification on event. Panics
// from subscriber handlers are recovered and accumulated via multierr rather
// than aborting the fan-out; Subscribe itself never fails.
func (t *Tracker) Subscribe(event EventType, handler Handler) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subscribers[event] = append(t.subscribers[event], handler)
}

func (t *Tracker) notify(event EventType, operationID string, p batch.OperationProgress) {
	t.subMu.Lock()
	handlers := append([]Handler(nil), t.subscribers[event]...)
	t.subMu.Unlock()

	var combined error
	for _, h := range handlers {
		combined = multierr.Append(combined, safeInvoke(h, operationID, p))
	}
	if combined != nil {
		t.logger.Warn("progress subscriber handler(s) failed", logging.Err(combined))
	}
}

func safeInvoke(h Handler, operationID string, p batch.OperationProgress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Internal("progress subscriber panicked")
		}
	}()
	h(operationID, p)
	return nil
}

// Summary aggregates active and historical records.
type Summary struct {
	Active  []batch.OperationProgress
	History []batch.OperationProgress
}

// Summary returns a snapshot of all active and historical progress records.
func (t *Tracker) Summary() Summary {
	var active []batch.OperationProgress
	for i := range t.shards {
		s := t.shards[i]
		s.mu.Lock()
		for _, p := range s.active {
			active = append(active, *p)
		}
		s.mu.Unlock()
	}

	t.historyMu.Lock()
	history := append([]batch.OperationProgress(nil), t.history...)
	t.historyMu.Unlock()

	return Summary{Active: active, History: history}
}
