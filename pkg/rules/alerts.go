package rules

import (
	"context"
	"time"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/search"
)

// bucketWidth is the tumbling counter granularity. Window queries sum the
// buckets covering the trailing window_seconds.
const bucketWidth = 10 * time.Second

// matchedIDCap bounds the event ids carried into an AlertFired payload.
const matchedIDCap = 100

// alertState is one rule's streaming window plus its state machine position.
// Owned exclusively by the engine goroutine.
type alertState struct {
	rule    *models.AlertRule
	state   models.RuleState
	buckets map[int64]int64 // bucket start (unix sec, aligned) → count
	matched []int64         // recent matching event ids, capped

	cooldownUntil time.Time
}

func newAlertState(rule *models.AlertRule) *alertState {
	return &alertState{
		rule:    rule,
		state:   models.RuleArmed,
		buckets: make(map[int64]int64),
	}
}

func bucketStart(t time.Time) int64 {
	sec := int64(bucketWidth / time.Second)
	return t.Unix() / sec * sec
}

// observe counts a matching event and evaluates transitions.
func (s *alertState) observe(ctx context.Context, e *Engine, ev *models.LogEvent, now time.Time) {
	if !search.Match(s.rule.Query, ev) {
		return
	}
	s.buckets[bucketStart(now)]++
	if len(s.matched) < matchedIDCap {
		s.matched = append(s.matched, ev.ID)
	}
	s.evaluate(ctx, e, now)
}

// tick drives cooldown expiry and bucket GC when no events arrive.
func (s *alertState) tick(ctx context.Context, e *Engine, now time.Time) {
	s.gc(now)
	if s.state == models.RuleCooldown {
		s.evaluate(ctx, e, now)
	}
}

// windowCount sums buckets covering the trailing window.
func (s *alertState) windowCount(now time.Time) int64 {
	cutoff := bucketStart(now.Add(-time.Duration(s.rule.WindowSeconds) * time.Second))
	var total int64
	for start, n := range s.buckets {
		if start >= cutoff {
			total += n
		}
	}
	return total
}

// gc drops buckets past the window and trims matched ids with them.
func (s *alertState) gc(now time.Time) {
	cutoff := bucketStart(now.Add(-time.Duration(s.rule.WindowSeconds) * time.Second))
	stale := false
	for start := range s.buckets {
		if start < cutoff {
			delete(s.buckets, start)
			stale = true
		}
	}
	if stale && s.windowCount(now) == 0 {
		s.matched = s.matched[:0]
	}
}

// evaluate runs the Armed → Firing → Cooldown → Armed machine.
func (s *alertState) evaluate(ctx context.Context, e *Engine, now time.Time) {
	s.gc(now)
	count := s.windowCount(now)
	over := s.rule.Comparator.Compare(count, s.rule.Threshold)

	switch s.state {
	case models.RuleArmed:
		if over {
			s.fire(ctx, e, count, now)
		}
	case models.RuleCooldown:
		if now.Before(s.cooldownUntil) {
			return
		}
		// Cooldown elapsed: re-fire if still over threshold, else re-arm.
		if over {
			s.fire(ctx, e, count, now)
		} else {
			s.state = models.RuleArmed
		}
	}
}

// fire emits AlertFired and enters cooldown. The Firing state is transient:
// the machine moves straight to Cooldown, suppressing re-fires for
// cooldown_seconds.
func (s *alertState) fire(ctx context.Context, e *Engine, count int64, now time.Time) {
	windowStart := now.Add(-time.Duration(s.rule.WindowSeconds) * time.Second)

	firing := &models.AlertFiring{
		RuleID:      s.rule.ID,
		MatchedIDs:  append([]int64(nil), s.matched...),
		Count:       count,
		WindowStart: windowStart,
		WindowEnd:   now,
		FiredAt:     now,
	}
	if err := e.ruleSvc.RecordFiring(ctx, firing); err != nil {
		// Persisting is best-effort; the live notification still goes out.
		firing.ID = 0
	}

	e.emit(ctx, "alerts", "alert_fired", map[string]any{
		"rule_id":      s.rule.ID,
		"rule_name":    s.rule.Name,
		"severity":     s.rule.Severity,
		"count":        count,
		"threshold":    s.rule.Threshold,
		"comparator":   s.rule.Comparator,
		"matched_ids":  firing.MatchedIDs,
		"window_start": windowStart,
		"window_end":   now,
	})

	s.state = models.RuleCooldown
	s.cooldownUntil = now.Add(time.Duration(s.rule.CooldownSeconds) * time.Second)
	s.matched = s.matched[:0]
}
