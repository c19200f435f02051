package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// AuditService appends to the audit trail. Every mutating API call records
// (actor, action, resource, ip, at). Failures are logged, never propagated:
// an audit write must not fail the action it describes.
type AuditService struct {
	db *database.Client
}

// NewAuditService creates the service.
func NewAuditService(db *database.Client) *AuditService {
	return &AuditService{db: db}
}

// Record appends one audit row.
func (s *AuditService) Record(ctx context.Context, actor, action, resource, ip string) {
	_, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, resource, ip, at)
		VALUES (?, ?, ?, ?, ?)`,
		actor, action, resource, nullString(ip), time.Now().UTC().UnixMilli())
	if err != nil {
		slog.Error("Audit write failed", "action", action, "resource", resource, "error", err)
	}
}

// Recent returns the newest audit rows.
func (s *AuditService) Recent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Reader().QueryContext(ctx, `
		SELECT id, actor, action, resource, COALESCE(ip, ''), at
		FROM audit_log ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		var at int64
		if err := rows.Scan(&r.ID, &r.Actor, &r.Action, &r.Resource, &r.IP, &at); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.At = time.UnixMilli(at).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}
