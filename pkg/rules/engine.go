// Package rules implements the streaming evaluation engines over the
// post-commit event flow: threshold alerting, sequence correlation and
// events-per-minute anomaly detection.
package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

// Publisher delivers engine output to live stream subscribers. Implemented
// by the stream hub.
type Publisher interface {
	Publish(channel, event string, data any)
}

// eventBuffer bounds the post-commit handoff; the writer must never block on
// rule evaluation.
const eventBuffer = 256

// tickInterval drives time-based transitions (cooldown expiry, anomaly
// minute rolls, correlation window expiry) independent of event arrival.
const tickInterval = 10 * time.Second

// Engine fans each committed batch to the three sub-engines. All mutable
// state is owned by the single evaluator goroutine; API-triggered rule edits
// arrive as messages on the control channel.
type Engine struct {
	alerts       map[int64]*alertState
	correlations map[int64]*correlationState
	anomaly      *anomalyTracker

	ruleSvc *services.AlertRuleService
	corrSvc *services.CorrelationService
	ops     *services.OperationalEventService
	pub     Publisher
	metrics *metrics.Metrics

	batches chan []*models.LogEvent
	control chan func()

	dropMu  sync.Mutex
	dropped int64

	done chan struct{}
}

// NewEngine creates the engine; Load must run before Run.
func NewEngine(ruleSvc *services.AlertRuleService, corrSvc *services.CorrelationService,
	ops *services.OperationalEventService, pub Publisher, m *metrics.Metrics) *Engine {
	return &Engine{
		alerts:       make(map[int64]*alertState),
		correlations: make(map[int64]*correlationState),
		anomaly:      newAnomalyTracker(),
		ruleSvc:      ruleSvc,
		corrSvc:      corrSvc,
		ops:          ops,
		pub:          pub,
		metrics:      m,
		batches:      make(chan []*models.LogEvent, eventBuffer),
		control:      make(chan func(), 16),
		done:         make(chan struct{}),
	}
}

// Load reads enabled rules and patterns from the store.
func (e *Engine) Load(ctx context.Context) error {
	ruleList, err := e.ruleSvc.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for _, r := range ruleList {
		e.alerts[r.ID] = newAlertState(r)
	}

	patterns, err := e.corrSvc.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for _, p := range patterns {
		e.correlations[p.ID] = newCorrelationState(p)
	}

	slog.Info("Rule engine loaded", "alert_rules", len(ruleList), "patterns", len(patterns))
	return nil
}

// OnCommit receives a committed batch from the batch writer. Non-blocking:
// when the evaluator is behind, the batch is dropped and counted (alert
// windows are statistical, not ledgers).
func (e *Engine) OnCommit(events []*models.LogEvent) {
	select {
	case e.batches <- events:
	default:
		e.dropMu.Lock()
		e.dropped += int64(len(events))
		e.dropMu.Unlock()
	}
}

// Run evaluates until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	slog.Info("Rule engine started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("Rule engine stopped")
			return
		case batch := <-e.batches:
			now := time.Now().UTC()
			for _, ev := range batch {
				e.evaluateEvent(ctx, ev, now)
			}
		case fn := <-e.control:
			fn()
		case now := <-ticker.C:
			e.tick(ctx, now.UTC())
		}
	}
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) evaluateEvent(ctx context.Context, ev *models.LogEvent, now time.Time) {
	for _, st := range e.alerts {
		st.observe(ctx, e, ev, now)
	}
	for _, cs := range e.correlations {
		cs.observe(ctx, e, ev, now)
	}
	e.anomaly.observe(ctx, e, ev, now)
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	for _, st := range e.alerts {
		st.tick(ctx, e, now)
	}
	for _, cs := range e.correlations {
		cs.expire(now)
	}
	e.anomaly.tick(ctx, e, now)
}

// emit broadcasts and persists one engine output record.
func (e *Engine) emit(ctx context.Context, channel, typ string, payload any) {
	if e.pub != nil {
		e.pub.Publish(channel, typ, payload)
	}
	if e.ops != nil {
		e.ops.Record(ctx, channel, typ, payload)
	}
}

// ReloadRule replaces (or adds) a rule's runtime state. Per the editing
// contract, the rule returns to Armed and its window counters reset.
func (e *Engine) ReloadRule(rule *models.AlertRule) {
	e.control <- func() {
		if !rule.Enabled {
			delete(e.alerts, rule.ID)
			return
		}
		e.alerts[rule.ID] = newAlertState(rule)
		slog.Info("Alert rule reloaded", "rule_id", rule.ID, "name", rule.Name)
	}
}

// RemoveRule drops a rule's runtime state.
func (e *Engine) RemoveRule(id int64) {
	e.control <- func() { delete(e.alerts, id) }
}

// ReloadPattern replaces a correlation pattern's runtime state, dropping its
// open sequences.
func (e *Engine) ReloadPattern(p *models.CorrelationPattern) {
	e.control <- func() {
		if !p.Enabled {
			delete(e.correlations, p.ID)
			return
		}
		e.correlations[p.ID] = newCorrelationState(p)
	}
}

// RemovePattern drops a pattern's runtime state.
func (e *Engine) RemovePattern(id int64) {
	e.control <- func() { delete(e.correlations, id) }
}

// RuleStates returns a snapshot of alert machine positions for the API.
// Served through the control channel so it reads consistent state.
func (e *Engine) RuleStates() map[int64]models.RuleState {
	out := make(map[int64]models.RuleState)
	ack := make(chan struct{})
	select {
	case e.control <- func() {
		for id, st := range e.alerts {
			out[id] = st.state
		}
		close(ack)
	}:
		<-ack
	case <-time.After(time.Second):
	}
	return out
}

func (e *Engine) metricsEvict() {
	if e.metrics != nil {
		e.metrics.CorrelationEvicts.Inc()
	}
}

// DroppedBatches returns events skipped by the non-blocking handoff.
func (e *Engine) DroppedBatches() int64 {
	e.dropMu.Lock()
	defer e.dropMu.Unlock()
	return e.dropped
}
