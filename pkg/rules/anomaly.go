package rules

import (
	"context"
	"math"
	"time"

	"github.com/loghive/loghive/pkg/models"
)

const (
	// ewmaAlpha is the smoothing factor for the per-minute rate model.
	ewmaAlpha = 0.1

	// anomalyK is the z-score threshold.
	anomalyK = 3.0

	// consecutiveRequired flags only after this many minutes over threshold.
	consecutiveRequired = 2

	// anomalyCooldown suppresses re-flagging the same (source, level).
	anomalyCooldown = 10 * time.Minute

	// warmupMinutes withholds flagging until the model has seen enough
	// buckets to mean anything.
	warmupMinutes = 5

	// maxTrackedKeys bounds the model table.
	maxTrackedKeys = 50000
)

type anomalyKey struct {
	source string
	level  models.Level
}

// anomalyModel is the exponentially-weighted mean/variance of one key's
// events-per-minute, plus flagging state.
type anomalyModel struct {
	mean  float64
	vari  float64
	count int64 // minutes folded into the model

	currentMinute int64
	currentCount  int64

	consecutive   int
	cooldownUntil time.Time
	lastSeen      time.Time
}

// anomalyTracker owns the per-(source, level) models. Single-goroutine like
// the rest of the engine state.
type anomalyTracker struct {
	models map[anomalyKey]*anomalyModel
}

func newAnomalyTracker() *anomalyTracker {
	return &anomalyTracker{models: make(map[anomalyKey]*anomalyModel)}
}

// observe counts the event into its key's current minute bucket.
func (t *anomalyTracker) observe(ctx context.Context, e *Engine, ev *models.LogEvent, now time.Time) {
	key := anomalyKey{source: ev.Source, level: ev.Level}
	m, ok := t.models[key]
	if !ok {
		if len(t.models) >= maxTrackedKeys {
			return
		}
		m = &anomalyModel{currentMinute: now.Unix() / 60}
		t.models[key] = m
	}
	m.lastSeen = now

	minute := now.Unix() / 60
	if minute != m.currentMinute {
		t.roll(ctx, e, key, m, minute, now)
	}
	m.currentCount++
}

// tick rolls minutes forward for quiet keys (a silent minute is a zero
// bucket, which matters for drop detection) and expires idle models.
func (t *anomalyTracker) tick(ctx context.Context, e *Engine, now time.Time) {
	minute := now.Unix() / 60
	for key, m := range t.models {
		if minute != m.currentMinute {
			t.roll(ctx, e, key, m, minute, now)
		}
		if now.Sub(m.lastSeen) > 24*time.Hour {
			delete(t.models, key)
		}
	}
}

// roll folds the closed minute bucket into the model, evaluating the z-score
// before the update so the spike itself doesn't mask the comparison.
func (t *anomalyTracker) roll(ctx context.Context, e *Engine, key anomalyKey, m *anomalyModel, nowMinute int64, now time.Time) {
	// Bound the catch-up after long idle stretches; beyond two hours the
	// zero buckets carry no additional signal.
	if nowMinute-m.currentMinute > 120 {
		m.currentMinute = nowMinute - 120
	}

	// Account intervening silent minutes as zero buckets.
	for m.currentMinute < nowMinute {
		closed := float64(m.currentCount)
		m.currentCount = 0
		m.currentMinute++

		if m.count >= warmupMinutes {
			sd := math.Sqrt(m.vari)
			if sd > 0 && closed-m.mean > anomalyK*sd {
				m.consecutive++
				if m.consecutive >= consecutiveRequired && now.After(m.cooldownUntil) {
					e.emit(ctx, "alerts", "anomaly_detected", map[string]any{
						"source":    key.source,
						"level":     key.level,
						"rate":      closed,
						"mean":      m.mean,
						"stddev":    sd,
						"z":         (closed - m.mean) / sd,
						"flagged_at": now,
					})
					m.cooldownUntil = now.Add(anomalyCooldown)
					m.consecutive = 0
				}
			} else {
				m.consecutive = 0
			}
		}

		// EWMA update (West's incremental form for the EW variance).
		delta := closed - m.mean
		m.mean += ewmaAlpha * delta
		m.vari = (1 - ewmaAlpha) * (m.vari + ewmaAlpha*delta*delta)
		m.count++
	}
	m.currentMinute = nowMinute
}
