package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// BatchResult reports the outcome of one batch insert.
type BatchResult struct {
	Inserted int
	Deduped  int
}

// EventStore persists and retrieves log events. Writes go through the
// client's single writer connection; reads use the reader pool.
type EventStore struct {
	db *database.Client
}

// NewEventStore creates an event store over the database client.
func NewEventStore(db *database.Client) *EventStore {
	return &EventStore{db: db}
}

const insertEventSQL = `
	INSERT OR IGNORE INTO events
		(ts, ingest_time, level, source, category, message, host, peer_ip,
		 geo, user_agent, tags, metadata, dedup_key, minute_bucket)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertBatch writes all events in a single transaction. Events discarded by
// the (dedup_key, minute) constraint are counted, not errors. On success the
// events' IDs are filled in from the assigned rowids.
func (s *EventStore) InsertBatch(ctx context.Context, events []*models.LogEvent) (BatchResult, error) {
	var res BatchResult
	if len(events) == 0 {
		return res, nil
	}

	tx, err := s.db.Writer().BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin batch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return res, fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		geo := nullJSON(ev.Geo)
		ua := nullJSON(ev.UserAgent)
		tags := nullJSON(ev.Tags)

		var dedup any
		var bucket any
		if ev.DedupKey != "" {
			dedup = ev.DedupKey
			bucket = ev.MinuteBucket()
		}

		r, err := stmt.ExecContext(ctx,
			ev.Timestamp.UTC().UnixMilli(), ev.IngestTime.UTC().UnixMilli(),
			string(ev.Level), ev.Source, ev.Category, ev.Message,
			nullString(ev.Host), nullString(ev.PeerIP),
			geo, ua, tags, nullString(string(ev.Metadata)), dedup, bucket,
		)
		if err != nil {
			return BatchResult{}, fmt.Errorf("insert event: %w", err)
		}
		affected, _ := r.RowsAffected()
		if affected == 0 {
			res.Deduped++
			continue
		}
		id, _ := r.LastInsertId()
		ev.ID = id
		res.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return res, nil
}

// scanEvent reads one events row in select column order.
func scanEvent(rows *sql.Rows) (*models.LogEvent, error) {
	var (
		ev         models.LogEvent
		ts, ingest int64
		level      string
		host, peer sql.NullString
		geo, ua    sql.NullString
		tags, meta sql.NullString
		dedup      sql.NullString
	)
	if err := rows.Scan(&ev.ID, &ts, &ingest, &level, &ev.Source, &ev.Category,
		&ev.Message, &host, &peer, &geo, &ua, &tags, &meta, &dedup); err != nil {
		return nil, err
	}
	ev.Timestamp = time.UnixMilli(ts).UTC()
	ev.IngestTime = time.UnixMilli(ingest).UTC()
	ev.Level = models.Level(level)
	ev.Host = host.String
	ev.PeerIP = peer.String
	ev.DedupKey = dedup.String
	if geo.Valid {
		var g models.GeoInfo
		if json.Unmarshal([]byte(geo.String), &g) == nil {
			ev.Geo = &g
		}
	}
	if ua.Valid {
		var u models.UserAgentInfo
		if json.Unmarshal([]byte(ua.String), &u) == nil {
			ev.UserAgent = &u
		}
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &ev.Tags)
	}
	if meta.Valid && meta.String != "" {
		ev.Metadata = json.RawMessage(meta.String)
	}
	return &ev, nil
}

// eventColumns is the select list matching scanEvent.
const eventColumns = `id, ts, ingest_time, level, source, category, message,
	host, peer_ip, geo, user_agent, tags, metadata, dedup_key`

// GetByID fetches one event.
func (s *EventStore) GetByID(ctx context.Context, id int64) (*models.LogEvent, error) {
	rows, err := s.db.Reader().QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanEvent(rows)
}

// Count returns the number of events whose category matches glob
// ("" matches all).
func (s *EventStore) Count(ctx context.Context, glob string) (int64, error) {
	q := "SELECT COUNT(*) FROM events"
	args := []any{}
	if glob != "" {
		q += " WHERE category GLOB ?"
		args = append(args, glob)
	}
	var n int64
	if err := s.db.Reader().QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// ApproxSize returns the approximate stored bytes of matching events.
func (s *EventStore) ApproxSize(ctx context.Context, glob string) (int64, error) {
	q := `SELECT COALESCE(SUM(LENGTH(message) + LENGTH(COALESCE(metadata,'')) + 128), 0) FROM events`
	args := []any{}
	if glob != "" {
		q += " WHERE category GLOB ?"
		args = append(args, glob)
	}
	var n int64
	if err := s.db.Reader().QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("size events: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes up to limit events older than cutoff whose category
// matches glob, in one bounded transaction. Returns rows deleted.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, glob string, limit int) (int64, error) {
	q := `DELETE FROM events WHERE id IN (
		SELECT id FROM events WHERE ts < ?`
	args := []any{cutoff.UTC().UnixMilli()}
	if glob != "" {
		q += " AND category GLOB ?"
		args = append(args, glob)
	}
	q += " ORDER BY ts ASC LIMIT ?)"
	args = append(args, limit)

	r, err := s.db.Writer().ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete aged events: %w", err)
	}
	return r.RowsAffected()
}

// DeleteOldest removes the limit oldest matching events regardless of age.
// Used by by_count and by_size policies.
func (s *EventStore) DeleteOldest(ctx context.Context, glob string, limit int) (int64, error) {
	q := `DELETE FROM events WHERE id IN (SELECT id FROM events`
	args := []any{}
	if glob != "" {
		q += " WHERE category GLOB ?"
		args = append(args, glob)
	}
	q += " ORDER BY ts ASC LIMIT ?)"
	args = append(args, limit)

	r, err := s.db.Writer().ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete oldest events: %w", err)
	}
	return r.RowsAffected()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullJSON marshals v, returning NULL for nil pointers and empty slices.
func nullJSON(v any) any {
	switch t := v.(type) {
	case *models.GeoInfo:
		if t == nil {
			return nil
		}
	case *models.UserAgentInfo:
		if t == nil {
			return nil
		}
	case []string:
		if len(t) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}
