package services

import (
	"context"
	"fmt"
	"time"

	"github.com/loghive/loghive/pkg/database"
)

// FailedBatch is one persisted batch awaiting replay.
type FailedBatch struct {
	ID            int64
	Payload       []byte
	FirstFailedAt time.Time
	LastAttemptAt time.Time
	Attempt       int
	Quarantined   bool
}

// FailedBatchStore persists batches whose write transaction failed. It is the
// durable half of the retry queue and survives restarts.
type FailedBatchStore struct {
	db *database.Client
}

// NewFailedBatchStore creates the store.
func NewFailedBatchStore(db *database.Client) *FailedBatchStore {
	return &FailedBatchStore{db: db}
}

// Enqueue records a freshly failed batch with attempt=1.
func (s *FailedBatchStore) Enqueue(ctx context.Context, payload []byte) error {
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.Writer().ExecContext(ctx,
		`INSERT INTO failed_batches (payload_blob, first_failed_at, last_attempt_at, attempt)
		 VALUES (?, ?, ?, 1)`, payload, now, now)
	if err != nil {
		return fmt.Errorf("enqueue failed batch: %w", err)
	}
	return nil
}

// Due returns up to limit non-quarantined batches whose backoff window has
// elapsed: last_attempt_at + 30s·2^attempt, capped at 1h.
func (s *FailedBatchStore) Due(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*FailedBatch, error) {
	// The backoff expression is evaluated in SQL so the index on
	// (quarantined, attempt, last_attempt_at) narrows the scan.
	rows, err := s.db.Reader().QueryContext(ctx, `
		SELECT id, payload_blob, first_failed_at, last_attempt_at, attempt
		FROM failed_batches
		WHERE quarantined = 0
		  AND attempt < ?
		  AND last_attempt_at + MIN(30000 * (1 << attempt), 3600000) <= ?
		ORDER BY last_attempt_at ASC
		LIMIT ?`, maxAttempts, now.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due batches: %w", err)
	}
	defer rows.Close()

	var out []*FailedBatch
	for rows.Next() {
		var fb FailedBatch
		var first, last int64
		if err := rows.Scan(&fb.ID, &fb.Payload, &first, &last, &fb.Attempt); err != nil {
			return nil, fmt.Errorf("scan failed batch: %w", err)
		}
		fb.FirstFailedAt = time.UnixMilli(first).UTC()
		fb.LastAttemptAt = time.UnixMilli(last).UTC()
		out = append(out, &fb)
	}
	return out, rows.Err()
}

// Delete removes a batch after successful replay.
func (s *FailedBatchStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.Writer().ExecContext(ctx, "DELETE FROM failed_batches WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete failed batch: %w", err)
	}
	return nil
}

// MarkAttempt bumps the attempt counter after an unsuccessful replay.
func (s *FailedBatchStore) MarkAttempt(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.Writer().ExecContext(ctx,
		"UPDATE failed_batches SET attempt = attempt + 1, last_attempt_at = ? WHERE id = ?",
		now.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	return nil
}

// Quarantine marks a batch terminal after exhausting attempts.
func (s *FailedBatchStore) Quarantine(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.Writer().ExecContext(ctx,
		"UPDATE failed_batches SET quarantined = 1, last_attempt_at = ? WHERE id = ?",
		now.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("quarantine batch: %w", err)
	}
	return nil
}

// PendingCount returns the number of non-quarantined batches.
func (s *FailedBatchStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.Reader().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM failed_batches WHERE quarantined = 0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending batches: %w", err)
	}
	return n, nil
}
