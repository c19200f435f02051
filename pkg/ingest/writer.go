package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

// CommitHook receives each batch's successfully persisted events after the
// transaction commits. Hooks run on the writer goroutine; they must not block.
type CommitHook func(events []*models.LogEvent)

// Writer is the single consumer of the ingest queue. It coalesces events into
// size- or time-bounded batches, writes each batch in one transaction, and
// fans out committed events to the registered post-commit hooks. Failed
// batches move whole to the retry queue.
type Writer struct {
	queue   *Queue
	events  *services.EventStore
	failed  *services.FailedBatchStore
	cfg     config.IngestConfig
	metrics *metrics.Metrics

	hooks []CommitHook

	done chan struct{}
}

// NewWriter creates the batch writer.
func NewWriter(q *Queue, events *services.EventStore, failed *services.FailedBatchStore,
	cfg config.IngestConfig, m *metrics.Metrics) *Writer {
	return &Writer{
		queue:   q,
		events:  events,
		failed:  failed,
		cfg:     cfg,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// OnCommit registers a post-commit hook. All registrations happen at startup,
// before Run.
func (w *Writer) OnCommit(hook CommitHook) {
	w.hooks = append(w.hooks, hook)
}

// Run consumes the queue until ctx is cancelled, then drains whatever is
// queued (bounded by DrainTimeout) and flushes the final batch.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	slog.Info("Batch writer started",
		"max_batch", w.cfg.MaxBatch, "max_wait", w.cfg.MaxWait)

	for {
		first, ok := w.queue.Dequeue(ctx)
		if !ok {
			if ctx.Err() != nil {
				w.drain()
			}
			slog.Info("Batch writer stopped")
			return
		}
		batch := w.collect(ctx, first)
		w.flush(batch)
	}
}

// Done is closed once Run has fully drained and returned.
func (w *Writer) Done() <-chan struct{} { return w.done }

// collect gathers up to MaxBatch events, waiting at most MaxWait past the
// first event.
func (w *Writer) collect(ctx context.Context, first *models.LogEvent) []*models.LogEvent {
	batch := make([]*models.LogEvent, 1, w.cfg.MaxBatch)
	batch[0] = first

	deadline := time.NewTimer(w.cfg.MaxWait)
	defer deadline.Stop()

	for len(batch) < w.cfg.MaxBatch {
		if ev, ok := w.queue.TryDequeue(); ok {
			batch = append(batch, ev)
			continue
		}
		select {
		case <-deadline.C:
			return batch
		case <-ctx.Done():
			return batch
		case <-time.After(time.Millisecond):
		}
	}
	return batch
}

// drain empties the queue after shutdown began, flushing full batches, for at
// most DrainTimeout.
func (w *Writer) drain() {
	deadline := time.Now().Add(w.cfg.DrainTimeout)
	var batch []*models.LogEvent
	for time.Now().Before(deadline) {
		ev, ok := w.queue.TryDequeue()
		if !ok {
			break
		}
		batch = append(batch, ev)
		if len(batch) >= w.cfg.MaxBatch {
			w.flush(batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		w.flush(batch)
	}
	if n := w.queue.Len(); n > 0 {
		slog.Warn("Ingest queue not fully drained at shutdown", "remaining", n)
	}
}

// flush writes one batch. Success publishes post-commit; failure moves the
// batch to the retry queue with the events intact.
func (w *Writer) flush(batch []*models.LogEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	res, err := w.events.InsertBatch(ctx, batch)
	elapsed := time.Since(start)
	w.metrics.WriteLatency.Observe(float64(elapsed.Milliseconds()))

	if err != nil {
		w.metrics.BatchesFailed.Inc()
		slog.Error("Batch write failed, moving to retry queue",
			"size", len(batch), "error", err)
		w.toRetryQueue(batch)
		return
	}

	w.metrics.EventsWritten.Add(float64(res.Inserted))
	if res.Deduped > 0 {
		w.metrics.EventsDeduped.Add(float64(res.Deduped))
	}

	committed := make([]*models.LogEvent, 0, res.Inserted)
	for _, ev := range batch {
		if ev.ID == 0 {
			continue // discarded by dedup
		}
		committed = append(committed, ev)
		w.metrics.CountBySource.WithLabelValues(ev.Source).Inc()
		w.metrics.BytesBySource.WithLabelValues(ev.Source).Add(float64(len(ev.Message)))
	}
	if len(committed) == 0 {
		return
	}
	for _, hook := range w.hooks {
		hook(committed)
	}
}

// toRetryQueue serializes the batch for the durable retry table.
func (w *Writer) toRetryQueue(batch []*models.LogEvent) {
	blob, err := json.Marshal(batch)
	if err != nil {
		slog.Error("Batch serialization failed, events lost", "size", len(batch), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()
	if err := w.failed.Enqueue(ctx, blob); err != nil {
		slog.Error("Retry enqueue failed, events lost", "size", len(batch), "error", err)
	}
}

// ReplayBatch writes a deserialized retry batch through the same commit path,
// including post-commit fan-out. Used by the retry worker.
func (w *Writer) ReplayBatch(ctx context.Context, blob []byte) error {
	var batch []*models.LogEvent
	if err := json.Unmarshal(blob, &batch); err != nil {
		return err
	}
	for _, ev := range batch {
		ev.ID = 0 // force reassignment on replay
	}
	res, err := w.events.InsertBatch(ctx, batch)
	if err != nil {
		return err
	}
	w.metrics.EventsWritten.Add(float64(res.Inserted))
	if res.Deduped > 0 {
		w.metrics.EventsDeduped.Add(float64(res.Deduped))
	}
	committed := make([]*models.LogEvent, 0, res.Inserted)
	for _, ev := range batch {
		if ev.ID != 0 {
			committed = append(committed, ev)
		}
	}
	if len(committed) > 0 {
		for _, hook := range w.hooks {
			hook(committed)
		}
	}
	return nil
}
