package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
	testdb "github.com/loghive/loghive/test/database"
)

// capturePub records published events for assertions.
type capturePub struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Channel string
	Type    string
	Data    any
}

func (p *capturePub) Publish(channel, event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{Channel: channel, Type: event, Data: data})
}

func (p *capturePub) ofType(typ string) []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []capturedEvent
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *capturePub, *services.AlertRuleService) {
	t.Helper()
	db := testdb.NewTestClient(t)
	pub := &capturePub{}
	ruleSvc := services.NewAlertRuleService(db)
	engine := NewEngine(ruleSvc, services.NewCorrelationService(db),
		services.NewOperationalEventService(db), pub, metrics.New())
	return engine, pub, ruleSvc
}

func errorRule(t *testing.T, svc *services.AlertRuleService, threshold int64, cooldown int) *models.AlertRule {
	t.Helper()
	rule, err := svc.Create(context.Background(), &models.AlertRule{
		Name:            "error burst",
		Query:           models.FilterSpec{Levels: []string{"error"}},
		WindowSeconds:   60,
		Threshold:       threshold,
		Comparator:      models.CmpGTE,
		Severity:        models.LevelCritical,
		CooldownSeconds: cooldown,
		Enabled:         true,
	})
	require.NoError(t, err)
	return rule
}

func TestAlertState_FiresOnceThenCoolsDown(t *testing.T) {
	engine, pub, ruleSvc := newTestEngine(t)
	rule := errorRule(t, ruleSvc, 5, 300)
	st := newAlertState(rule)
	ctx := context.Background()
	now := time.Now().UTC()

	// Five matching events within the window: exactly one firing.
	for i := 0; i < 5; i++ {
		st.observe(ctx, engine, &models.LogEvent{ID: int64(i + 1), Level: models.LevelError}, now.Add(time.Duration(i)*time.Second))
	}
	fired := pub.ofType("alert_fired")
	require.Len(t, fired, 1)
	assert.Equal(t, models.RuleCooldown, st.state)

	// Five more inside the cooldown: suppressed.
	for i := 0; i < 5; i++ {
		st.observe(ctx, engine, &models.LogEvent{ID: int64(10 + i), Level: models.LevelError}, now.Add(10*time.Second))
	}
	assert.Len(t, pub.ofType("alert_fired"), 1)

	// Firing history persisted with last_fired_at stamped.
	firings, err := ruleSvc.Firings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, rule.ID, firings[0].RuleID)
	assert.GreaterOrEqual(t, firings[0].Count, int64(5))
}

func TestAlertState_NonMatchingEventsIgnored(t *testing.T) {
	engine, pub, ruleSvc := newTestEngine(t)
	st := newAlertState(errorRule(t, ruleSvc, 1, 300))

	st.observe(context.Background(), engine, &models.LogEvent{Level: models.LevelInfo}, time.Now().UTC())
	assert.Empty(t, pub.ofType("alert_fired"))
	assert.Equal(t, models.RuleArmed, st.state)
}

func TestAlertState_RearmsAfterCooldownWhenQuiet(t *testing.T) {
	engine, pub, ruleSvc := newTestEngine(t)
	st := newAlertState(errorRule(t, ruleSvc, 1, 30))
	ctx := context.Background()
	now := time.Now().UTC()

	st.observe(ctx, engine, &models.LogEvent{ID: 1, Level: models.LevelError}, now)
	require.Len(t, pub.ofType("alert_fired"), 1)
	require.Equal(t, models.RuleCooldown, st.state)

	// After cooldown and window both pass with no traffic, the tick re-arms.
	later := now.Add(2 * time.Minute)
	st.tick(ctx, engine, later)
	assert.Equal(t, models.RuleArmed, st.state)
	assert.Len(t, pub.ofType("alert_fired"), 1)
}

func TestAlertState_RefiresWhenStillOverAfterCooldown(t *testing.T) {
	engine, pub, ruleSvc := newTestEngine(t)
	st := newAlertState(errorRule(t, ruleSvc, 1, 10))
	ctx := context.Background()
	now := time.Now().UTC()

	st.observe(ctx, engine, &models.LogEvent{ID: 1, Level: models.LevelError}, now)
	require.Len(t, pub.ofType("alert_fired"), 1)

	// Sustained traffic keeps the window over threshold past the cooldown.
	st.observe(ctx, engine, &models.LogEvent{ID: 2, Level: models.LevelError}, now.Add(11*time.Second))
	assert.Len(t, pub.ofType("alert_fired"), 2)
}

func TestEngine_OnCommitDropsWhenSaturated(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	batch := []*models.LogEvent{{Level: models.LevelInfo}}
	for i := 0; i < eventBuffer+10; i++ {
		engine.OnCommit(batch)
	}
	assert.Positive(t, engine.DroppedBatches())
}

func TestComparator_Semantics(t *testing.T) {
	assert.True(t, models.CmpGTE.Compare(5, 5))
	assert.False(t, models.CmpGT.Compare(5, 5))
	assert.True(t, models.CmpEQ.Compare(5, 5))
	assert.True(t, models.CmpLT.Compare(4, 5))
	assert.False(t, models.CmpLTE.Compare(6, 5))
}
