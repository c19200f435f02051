package rules

import (
	"context"
	"time"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/search"
)

// maxOpenSequences bounds open instances per pattern; the oldest is evicted
// when full.
const maxOpenSequences = 10000

// openSequence is one in-flight pattern instance stored in the slab.
type openSequence struct {
	groupKey   string
	stage      int
	startedAt  time.Time
	stageSince time.Time
	matchedIDs []int64

	// free-list linkage; -1 terminates.
	next int
	live bool
}

// correlationState tracks a pattern's open sequences in a slab indexed by
// group key, avoiding per-sequence allocations on the hot path.
type correlationState struct {
	pattern *models.CorrelationPattern

	slab     []openSequence
	freeHead int
	byKey    map[string]int // group key → slab index
	order    []int          // admission order of live indexes, for eviction
}

func newCorrelationState(p *models.CorrelationPattern) *correlationState {
	return &correlationState{
		pattern:  p,
		freeHead: -1,
		byKey:    make(map[string]int),
	}
}

// groupValue extracts the grouping field from an event.
func groupValue(field string, ev *models.LogEvent) string {
	switch field {
	case "source":
		return ev.Source
	case "host":
		return ev.Host
	case "peer_ip":
		return ev.PeerIP
	case "category":
		return ev.Category
	case "level":
		return string(ev.Level)
	}
	return ""
}

// observe advances or opens sequences for the event's group key.
func (c *correlationState) observe(ctx context.Context, e *Engine, ev *models.LogEvent, now time.Time) {
	key := groupValue(c.pattern.GroupBy, ev)
	if key == "" {
		return
	}

	if idx, ok := c.byKey[key]; ok {
		c.advance(ctx, e, idx, ev, now)
		return
	}

	// No open sequence for this key: a first-stage match opens one.
	if !search.Match(c.pattern.Sequence[0].Query, ev) {
		return
	}
	idx := c.alloc(e)
	c.slab[idx] = openSequence{
		groupKey:   key,
		stage:      1,
		startedAt:  now,
		stageSince: now,
		matchedIDs: append(c.slab[idx].matchedIDs[:0], ev.ID),
		next:       -1,
		live:       true,
	}
	c.byKey[key] = idx
	c.order = append(c.order, idx)

	if len(c.pattern.Sequence) == 1 {
		c.complete(ctx, e, idx, now)
	}
}

// advance applies the event to an open sequence: match moves the stage
// forward; a lapsed window drops the sequence first.
func (c *correlationState) advance(ctx context.Context, e *Engine, idx int, ev *models.LogEvent, now time.Time) {
	seq := &c.slab[idx]
	window := time.Duration(c.pattern.Sequence[seq.stage-1].WithinSeconds) * time.Second
	if now.Sub(seq.stageSince) > window {
		c.drop(idx)
		// The event may still open a fresh sequence.
		c.observe(ctx, e, ev, now)
		return
	}

	if !search.Match(c.pattern.Sequence[seq.stage].Query, ev) {
		return
	}
	seq.matchedIDs = append(seq.matchedIDs, ev.ID)
	seq.stage++
	seq.stageSince = now

	if seq.stage == len(c.pattern.Sequence) {
		c.complete(ctx, e, idx, now)
	}
}

// complete emits the matched sequence and frees its slot.
func (c *correlationState) complete(ctx context.Context, e *Engine, idx int, now time.Time) {
	seq := &c.slab[idx]
	e.emit(ctx, "alerts", "correlation_matched", map[string]any{
		"pattern_id":   c.pattern.ID,
		"pattern_name": c.pattern.Name,
		"group_key":    seq.groupKey,
		"matched_ids":  append([]int64(nil), seq.matchedIDs...),
		"started_at":   seq.startedAt,
		"completed_at": now,
	})
	c.drop(idx)
}

// expire drops sequences whose current stage window lapsed. Called from the
// engine tick so stuck sequences clear without traffic.
func (c *correlationState) expire(now time.Time) {
	for key, idx := range c.byKey {
		seq := &c.slab[idx]
		window := time.Duration(c.pattern.Sequence[seq.stage-1].WithinSeconds) * time.Second
		if now.Sub(seq.stageSince) > window {
			delete(c.byKey, key)
			c.free(idx)
		}
	}
}

// alloc returns a slab slot, evicting the oldest live sequence at capacity.
func (c *correlationState) alloc(e *Engine) int {
	if c.freeHead >= 0 {
		idx := c.freeHead
		c.freeHead = c.slab[idx].next
		return idx
	}
	if len(c.slab) < maxOpenSequences {
		c.slab = append(c.slab, openSequence{next: -1})
		return len(c.slab) - 1
	}

	// Capacity: evict the oldest live sequence.
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if c.slab[oldest].live {
			delete(c.byKey, c.slab[oldest].groupKey)
			e.metricsEvict()
			c.slab[oldest].live = false
			return oldest
		}
	}
	// Order list exhausted (all stale): reuse slot 0.
	return 0
}

// drop removes a sequence from the index and free-lists its slot.
func (c *correlationState) drop(idx int) {
	delete(c.byKey, c.slab[idx].groupKey)
	c.free(idx)
}

func (c *correlationState) free(idx int) {
	c.slab[idx].live = false
	c.slab[idx].next = c.freeHead
	c.freeHead = idx
}
