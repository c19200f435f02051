package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// OperationalEventService persists engine-emitted records (alert firings,
// anomalies, quarantines, backup failures) for the notification layer.
type OperationalEventService struct {
	db *database.Client
}

// NewOperationalEventService creates the service.
func NewOperationalEventService(db *database.Client) *OperationalEventService {
	return &OperationalEventService{db: db}
}

// Record persists one operational event. Best-effort: a failed write is
// logged and dropped, never propagated into the emitting engine.
func (s *OperationalEventService) Record(ctx context.Context, channel, typ string, payload any) {
	blob, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Operational event marshal failed", "type", typ, "error", err)
		return
	}
	_, err = s.db.Writer().ExecContext(ctx, `
		INSERT INTO operational_events (channel, type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		channel, typ, string(blob), time.Now().UTC().UnixMilli())
	if err != nil {
		slog.Error("Operational event write failed", "type", typ, "error", err)
	}
}

// Recent returns the newest operational events.
func (s *OperationalEventService) Recent(ctx context.Context, limit int) ([]*models.OperationalEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Reader().QueryContext(ctx, `
		SELECT id, channel, type, payload, created_at
		FROM operational_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list operational events: %w", err)
	}
	defer rows.Close()

	var out []*models.OperationalEvent
	for rows.Next() {
		var e models.OperationalEvent
		var at int64
		if err := rows.Scan(&e.ID, &e.Channel, &e.Type, &e.Payload, &at); err != nil {
			return nil, fmt.Errorf("scan operational event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(at).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteOlderThan trims the side table; called by retention.
func (s *OperationalEventService) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r, err := s.db.Writer().ExecContext(ctx,
		"DELETE FROM operational_events WHERE created_at < ?", cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("trim operational events: %w", err)
	}
	return r.RowsAffected()
}
