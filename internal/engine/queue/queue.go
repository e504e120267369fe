// Package queue implements the PriorityQueue: an in-memory multi-priority
// FIFO with bounded capacity, retry bookkeeping, and blocking take.
package queue

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/pkg/batch"
	"github.com/turtacn/docbatch/pkg/errors"
)

// bandOrder lists priority bands from highest to lowest drain precedence.
var bandOrder = []batch.Priority{
	batch.PriorityCritical,
	batch.PriorityHigh,
	batch.PriorityNormal,
	batch.PriorityLow,
}

// Stats reports queue composition by band and lifecycle counters.
type Stats struct {
	PendingByBand map[batch.Priority]int
	Processing    int
	Completed     int
	Failed        int
}

// Queue is the PriorityQueue: four FIFO deques behind one mutex, with a
// sync.Cond signalled on every enqueue and retry re-enqueue so blocked
// Take calls wake promptly — the same threading.Condition pattern the
// component this package is grounded on uses.
type Queue struct {
	cfg    config.QueueConfig
	logger logging.Logger

	mu   sync.Mutex
	cond *sync.Cond

	bands      map[batch.Priority]*list.List // each element is *batch.QueueItem
	processing map[string]*batch.QueueItem
	byID       map[string]*list.Element // pending items by id
	bandOf     map[string]batch.Priority

	completedCount int
	failedCount    int
	closed         bool
}

// New constructs a Queue. logger may be nil.
func New(cfg config.QueueConfig, logger logging.Logger) *Queue {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	q := &Queue{
		cfg:        cfg,
		logger:     logger.Named("queue"),
		bands:      make(map[batch.Priority]*list.List, len(bandOrder)),
		processing: make(map[string]*batch.QueueItem),
		byID:       make(map[string]*list.Element),
		bandOf:     make(map[string]batch.Priority),
	}
	for _, b := range bandOrder {
		q.bands[b] = list.New()
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// sizeLocked returns the total pending item count. Caller must hold q.mu.
func (q *Queue) sizeLocked() int {
	n := 0
	for _, l := range q.bands {
		n += l.Len()
	}
	return n
}

// Enqueue admits a document at the given priority, returning its generated
// id. Fails with errors.QueueFull when size >= max_size.
func (q *Queue) Enqueue(doc batch.Document, priority batch.Priority) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", errors.New(errors.CodeQueueClosed, "queue is closed")
	}

	maxSize := q.cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	if q.sizeLocked() >= maxSize {
		return "", errors.QueueFull("queue at capacity").WithDetail("max_size=" + strconv.Itoa(maxSize))
	}

	maxAttempts := q.cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	item := &batch.QueueItem{
		ID:          uuid.NewString(),
		Document:    doc,
		Priority:    priority,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		Status:      batch.ItemPending,
		EnqueuedAt:  time.Now(),
	}

	l := q.bands[priority]
	elem := l.PushBack(item)
	q.byID[item.ID] = elem
	q.bandOf[item.ID] = priority

	q.cond.Broadcast()
	return item.ID, nil
}

// Take blocks until an item is available across any priority band, draining
// Critical > High > Normal > Low, FIFO within a band. Returns nil, false on
// timeout or on a closed+empty queue. A zero timeout blocks indefinitely.
func (q *Queue) Take(timeout time.Duration) (*batch.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		if item := q.popHighestLocked(); item != nil {
			return item, true
		}
		if q.closed {
			return nil, false
		}
		if !hasDeadline {
			q.cond.Wait()
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		if !q.waitWithTimeoutLocked(remaining) {
			return nil, false
		}
	}
}

// waitWithTimeoutLocked blocks on q.cond for at most d, using a helper
// goroutine to Broadcast when the timer fires — sync.Cond has no native
// timeout primitive. Caller must hold q.mu; it is re-acquired on return.
func (q *Queue) waitWithTimeoutLocked(d time.Duration) bool {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	before := time.Now()
	q.cond.Wait()
	return time.Since(before) < d || q.sizeLocked() > 0 || q.closed
}

// popHighestLocked removes and returns the front item of the highest
// nonempty band. Caller must hold q.mu.
func (q *Queue) popHighestLocked() *batch.QueueItem {
	for _, b := range bandOrder {
		l := q.bands[b]
		if l.Len() == 0 {
			continue
		}
		front := l.Front()
		item := front.Value.(*batch.QueueItem)
		l.Remove(front)
		delete(q.byID, item.ID)
		delete(q.bandOf, item.ID)

		item.Status = batch.ItemProcessing
		q.processing[item.ID] = item
		return item
	}
	return nil
}

// MarkCompleted removes id from the processing set and records it as
// completed.
func (q *Queue) MarkCompleted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[id]; ok {
		delete(q.processing, id)
		q.completedCount++
	}
}

// MarkFailed removes id from the processing set. When retry is true and the
// item has remaining attempts, it is re-enqueued at its original priority
// with attempts+1 and requeued reports true; otherwise it is recorded as
// permanently failed and requeued reports false.
func (q *Queue) MarkFailed(id string, retry bool) (requeued bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.processing[id]
	if !ok {
		return false
	}
	delete(q.processing, id)

	if retry && item.Attempts+1 < item.MaxAttempts {
		item.Attempts++
		item.Status = batch.ItemPending
		l := q.bands[item.Priority]
		elem := l.PushBack(item)
		q.byID[item.ID] = elem
		q.bandOf[item.ID] = item.Priority
		q.cond.Broadcast()
		return true
	}

	item.Status = batch.ItemFailed
	q.failedCount++
	return false
}

// IsEmpty reports whether no items are pending or processing.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked() == 0 && len(q.processing) == 0
}

// Size returns the count of pending items (not including processing).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

// Stats reports queue composition by band and lifecycle counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byBand := make(map[batch.Priority]int, len(bandOrder))
	for _, b := range bandOrder {
		byBand[b] = q.bands[b].Len()
	}
	return Stats{
		PendingByBand: byBand,
		Processing:    len(q.processing),
		Completed:     q.completedCount,
		Failed:        q.failedCount,
	}
}

// Clear removes all pending and processing items and resets counters.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range bandOrder {
		q.bands[b].Init()
	}
	q.processing = make(map[string]*batch.QueueItem)
	q.byID = make(map[string]*list.Element)
	q.bandOf = make(map[string]batch.Priority)
	q.completedCount = 0
	q.failedCount = 0
}

// Close marks the queue closed; further Enqueue calls fail and blocked Take
// calls return false once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// WaitForCompletion polls at <=100ms intervals until the queue is fully
// drained (no pending or processing items) or timeout elapses. A zero
// timeout waits indefinitely.
func (q *Queue) WaitForCompletion(timeout time.Duration) bool {
	const pollInterval = 100 * time.Millisecond

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		if q.IsEmpty() {
			return true
		}
		if hasDeadline && time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

