package models

import "time"

// RuleState is the alert rule state machine position.
type RuleState string

const (
	RuleArmed    RuleState = "armed"
	RuleFiring   RuleState = "firing"
	RuleCooldown RuleState = "cooldown"
)

// Comparator is the threshold comparison operator of an alert rule.
type Comparator string

const (
	CmpGT  Comparator = ">"
	CmpGTE Comparator = ">="
	CmpEQ  Comparator = "="
	CmpLTE Comparator = "<="
	CmpLT  Comparator = "<"
)

// ValidComparator reports whether c is a known operator.
func ValidComparator(c Comparator) bool {
	switch c {
	case CmpGT, CmpGTE, CmpEQ, CmpLTE, CmpLT:
		return true
	}
	return false
}

// Compare applies the operator to (count, threshold).
func (c Comparator) Compare(count, threshold int64) bool {
	switch c {
	case CmpGT:
		return count > threshold
	case CmpGTE:
		return count >= threshold
	case CmpEQ:
		return count == threshold
	case CmpLTE:
		return count <= threshold
	case CmpLT:
		return count < threshold
	}
	return false
}

// AlertRule is a threshold rule evaluated over a sliding window of matching
// events.
type AlertRule struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Query           FilterSpec `json:"query"`
	WindowSeconds   int        `json:"window_seconds"`
	Threshold       int64      `json:"threshold"`
	Comparator      Comparator `json:"comparator"`
	Severity        Level      `json:"severity"`
	CooldownSeconds int        `json:"cooldown_seconds"`
	Enabled         bool       `json:"enabled"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AlertFiring is one append-only row of a rule's firing history.
type AlertFiring struct {
	ID          int64     `json:"id"`
	RuleID      int64     `json:"rule_id"`
	MatchedIDs  []int64   `json:"matched_ids,omitempty"`
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	FiredAt     time.Time `json:"fired_at"`
}

// CorrelationStage is one step of a correlation pattern: a filter plus the
// window within which the next stage must match.
type CorrelationStage struct {
	Query         FilterSpec `json:"query"`
	WithinSeconds int        `json:"within_seconds"`
}

// CorrelationPattern describes an ordered event sequence grouped by a field.
// Open instances live only in memory and drop on restart.
type CorrelationPattern struct {
	ID       int64              `json:"id"`
	Name     string             `json:"name"`
	Sequence []CorrelationStage `json:"sequence"`
	GroupBy  string             `json:"group_by"` // "source", "host", "peer_ip", "category"
	Enabled  bool               `json:"enabled"`
}

// RetentionKind selects the retention policy dimension.
type RetentionKind string

const (
	RetainByAge   RetentionKind = "by_age"   // parameter = days
	RetainByCount RetentionKind = "by_count" // parameter = max rows
	RetainBySize  RetentionKind = "by_size"  // parameter = max bytes (approximate)
)

// RetentionPolicy marks events for eviction. Multiple policies may apply;
// the deletion set is the union.
type RetentionPolicy struct {
	Kind         RetentionKind `json:"kind"`
	Parameter    int64         `json:"parameter"`
	CategoryGlob string        `json:"category_glob,omitempty"` // empty matches all
}

// OperationalEvent is a structured record emitted by the engines (alert
// firings, anomalies, quarantines, backup failures) and consumed by the
// notification layer.
type OperationalEvent struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"` // stream channel it was broadcast on
	Type      string    `json:"type"`    // e.g. "alert_fired", "backup_failed"
	Payload   string    `json:"payload"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}
