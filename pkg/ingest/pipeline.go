package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// Pipeline runs the normalize+enrich workers between the listener frame
// channel and the ingest queue. One worker pool serves all protocols; frames
// from a single TCP connection arrive on the channel in read order, but the
// workers take frames from it concurrently, so two frames of one connection
// can reach the queue in the opposite order. No per-connection ordering is
// kept past the channel.
type Pipeline struct {
	frames     <-chan models.RawFrame
	queue      *Queue
	normalizer *Normalizer
	enricher   *Enricher
	metrics    *metrics.Metrics
	workers    int

	wg sync.WaitGroup
}

// NewPipeline creates the worker pool.
func NewPipeline(frames <-chan models.RawFrame, q *Queue, enricher *Enricher,
	cfg config.IngestConfig, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		frames:     frames,
		queue:      q,
		normalizer: NewNormalizer(),
		enricher:   enricher,
		metrics:    m,
		workers:    cfg.NormalizerWorkers,
	}
}

// Run starts the workers and blocks until the frame channel closes or ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	slog.Info("Normalizer pipeline started", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
	p.wg.Wait()
	slog.Info("Normalizer pipeline stopped")
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-p.frames:
			if !ok {
				return
			}
			p.handle(ctx, frame)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, frame models.RawFrame) {
	p.metrics.FramesReceived.WithLabelValues(frame.Proto).Inc()

	ev, err := p.normalizer.Normalize(frame)
	if err != nil {
		reason := "undecodable"
		var ne *NormalizeError
		if errors.As(err, &ne) {
			reason = ne.Reason
		}
		p.metrics.FrameErrors.WithLabelValues(frame.Proto, reason).Inc()
		return
	}

	p.enricher.Enrich(ctx, ev)
	p.queue.Enqueue(ev)
}
