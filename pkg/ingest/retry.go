package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/services"
)

// OpRecorder persists operational events (quarantine notices) and broadcasts
// them on the alerts channel. Implemented by the wiring in cmd.
type OpRecorder interface {
	RecordOp(ctx context.Context, channel, typ string, payload any)
}

// RetryWorker replays failed batches from the durable retry table. Batches
// follow the 30s·2^attempt backoff (capped at 1h, evaluated in SQL); after
// the final attempt a batch is quarantined and an operational alert emitted.
type RetryWorker struct {
	store   *services.FailedBatchStore
	writer  *Writer
	cfg     config.IngestConfig
	metrics *metrics.Metrics
	ops     OpRecorder

	done chan struct{}
}

// NewRetryWorker creates the worker.
func NewRetryWorker(store *services.FailedBatchStore, writer *Writer,
	cfg config.IngestConfig, m *metrics.Metrics, ops OpRecorder) *RetryWorker {
	return &RetryWorker{
		store:   store,
		writer:  writer,
		cfg:     cfg,
		metrics: m,
		ops:     ops,
		done:    make(chan struct{}),
	}
}

// Run polls until ctx is cancelled. In-flight batches interrupted by shutdown
// keep their attempt counter and replay after restart.
func (w *RetryWorker) Run(ctx context.Context) {
	defer close(w.done)
	slog.Info("Retry worker started", "poll_interval", w.cfg.RetryPollInterval)

	ticker := time.NewTicker(w.cfg.RetryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Retry worker stopped")
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// Done is closed when Run returns.
func (w *RetryWorker) Done() <-chan struct{} { return w.done }

// scan replays one round of due batches. Transient DB errors on the scan
// itself are retried with jittered backoff within the tick.
func (w *RetryWorker) scan(ctx context.Context) {
	var due []*services.FailedBatch
	op := func() error {
		var err error
		due, err = w.store.Due(ctx, time.Now(), w.cfg.RetryMaxAttempts+1, w.cfg.RetryBatchLimit)
		return err
	}
	pollBackoff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, pollBackoff); err != nil {
		slog.Error("Retry queue scan failed", "error", err)
		return
	}

	for _, fb := range due {
		if ctx.Err() != nil {
			return
		}
		w.replay(ctx, fb)
	}
}

func (w *RetryWorker) replay(ctx context.Context, fb *services.FailedBatch) {
	writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	err := w.writer.ReplayBatch(writeCtx, fb.Payload)
	cancel()

	if err == nil {
		if derr := w.store.Delete(ctx, fb.ID); derr != nil {
			slog.Error("Replayed batch cleanup failed", "batch_id", fb.ID, "error", derr)
		}
		slog.Info("Failed batch replayed", "batch_id", fb.ID, "attempt", fb.Attempt)
		return
	}

	if fb.Attempt+1 >= w.cfg.RetryMaxAttempts {
		if qerr := w.store.Quarantine(ctx, fb.ID, time.Now()); qerr != nil {
			slog.Error("Quarantine failed", "batch_id", fb.ID, "error", qerr)
			return
		}
		w.metrics.RetryQuarantined.Inc()
		slog.Error("Batch quarantined after exhausting retries",
			"batch_id", fb.ID, "attempts", fb.Attempt+1, "first_failed_at", fb.FirstFailedAt)
		if w.ops != nil {
			w.ops.RecordOp(ctx, "alerts", "batch_quarantined", map[string]any{
				"batch_id":        fb.ID,
				"attempts":        fb.Attempt + 1,
				"first_failed_at": fb.FirstFailedAt,
			})
		}
		return
	}

	if merr := w.store.MarkAttempt(ctx, fb.ID, time.Now()); merr != nil {
		slog.Error("Attempt bump failed", "batch_id", fb.ID, "error", merr)
	}
	slog.Warn("Batch replay failed", "batch_id", fb.ID, "attempt", fb.Attempt+1, "error", err)
}
