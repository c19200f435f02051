// Package ingest implements the write-side pipeline: the bounded level-aware
// queue, the normalizer and enricher, the batching writer and the persistent
// retry worker.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// queued wraps an event with its admission sequence so dequeue order follows
// arrival order even though storage is segregated by level.
type queued struct {
	seq uint64
	ev  *models.LogEvent
}

// Queue is the bounded multi-producer queue between the normalizer workers
// and the batch writer. On overflow the lowest-severity queued event is
// displaced if the incoming event outranks it; otherwise the incoming event
// is dropped.
type Queue struct {
	mu       sync.Mutex
	levels   [len(models.Levels)][]queued
	size     int
	capacity int
	seq      uint64
	closed   bool

	// signal wakes a blocked consumer; capacity 1 so producers never block.
	signal chan struct{}

	metrics  *metrics.Metrics
	overflow *rate.Limiter // caps overflow warnings at one per second
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int, m *metrics.Metrics) *Queue {
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		metrics:  m,
		overflow: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Enqueue admits ev, applying the drop policy when full. Returns false when
// ev itself was dropped (either displaced-on-arrival or queue closed).
func (q *Queue) Enqueue(ev *models.LogEvent) bool {
	rank := ev.Level.Rank()
	if rank < 0 {
		rank = models.LevelInfo.Rank()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.size >= q.capacity {
		victim := q.lowestNonEmpty()
		if victim >= rank {
			// Nothing queued ranks below the incoming event; drop it.
			q.mu.Unlock()
			q.recordDrop(ev.Level)
			return false
		}
		dropped := q.levels[victim][0]
		q.levels[victim] = q.levels[victim][1:]
		q.size--
		q.recordDrop(dropped.ev.Level)
	}

	q.seq++
	q.levels[rank] = append(q.levels[rank], queued{seq: q.seq, ev: ev})
	q.size++
	depth := q.size
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// lowestNonEmpty returns the rank of the lowest-severity level with queued
// events. Caller holds the lock and guarantees size > 0.
func (q *Queue) lowestNonEmpty() int {
	for i := range q.levels {
		if len(q.levels[i]) > 0 {
			return i
		}
	}
	return len(q.levels) - 1
}

func (q *Queue) recordDrop(level models.Level) {
	q.metrics.DropsByLevel.WithLabelValues(string(level)).Inc()
	if q.overflow.Allow() {
		slog.Warn("Ingest queue overflow, applying level-aware drop",
			"capacity", q.capacity, "dropped_level", level)
	}
}

// Dequeue blocks until an event is available, the context is cancelled, or
// the queue is closed and empty. The second return is false only when no
// more events will ever arrive.
func (q *Queue) Dequeue(ctx context.Context) (*models.LogEvent, bool) {
	for {
		q.mu.Lock()
		if ev := q.popLocked(); ev != nil {
			depth := q.size
			q.mu.Unlock()
			q.metrics.QueueDepth.Set(float64(depth))
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

// TryDequeue pops without blocking.
func (q *Queue) TryDequeue() (*models.LogEvent, bool) {
	q.mu.Lock()
	ev := q.popLocked()
	depth := q.size
	q.mu.Unlock()
	if ev == nil {
		return nil, false
	}
	q.metrics.QueueDepth.Set(float64(depth))
	return ev, true
}

// popLocked removes and returns the earliest-admitted event, or nil.
func (q *Queue) popLocked() *models.LogEvent {
	best := -1
	var bestSeq uint64
	for i := range q.levels {
		if len(q.levels[i]) == 0 {
			continue
		}
		if best == -1 || q.levels[i][0].seq < bestSeq {
			best = i
			bestSeq = q.levels[i][0].seq
		}
	}
	if best == -1 {
		return nil
	}
	item := q.levels[best][0]
	q.levels[best] = q.levels[best][1:]
	q.size--
	return item.ev
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close stops admission. Queued events remain dequeueable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
