package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// maxPageSize caps rows per page.
const maxPageSize = 1000

// defaultPageSize applies when the filter leaves limit unset.
const defaultPageSize = 100

// pageDeadline bounds one search page.
const pageDeadline = 10 * time.Second

// Engine executes filter specs against the store's read pool.
type Engine struct {
	db *database.Client
}

// NewEngine creates the search engine.
func NewEngine(db *database.Client) *Engine {
	return &Engine{db: db}
}

const selectColumns = `id, ts, ingest_time, level, source, category, message,
	host, peer_ip, geo, user_agent, tags, metadata, dedup_key`

// Search returns one page ordered by (timestamp DESC, id DESC) with an opaque
// cursor for the next page.
func (e *Engine) Search(ctx context.Context, spec models.FilterSpec) (*models.SearchResult, error) {
	p, err := buildPlan(spec)
	if err != nil {
		return nil, err
	}

	limit := spec.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	where := p.where
	args := p.args
	if spec.Cursor != "" {
		tok, err := decodeCursor(spec.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, "(ts < ? OR (ts = ? AND id < ?))")
		args = append(args, tok.TS, tok.TS, tok.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, pageDeadline)
	defer cancel()

	result := &models.SearchResult{Warning: p.warning}

	// With an in-process verify step (regex) rows stream until the page
	// fills or the candidate cap is hit; otherwise a plain LIMIT applies.
	queryLimit := limit + 1
	if p.verify != nil {
		queryLimit = p.scanCapOr(limit + 1)
	}

	rows, err := e.db.Reader().QueryContext(ctx, buildSelect(where, queryLimit), args...)
	if err != nil {
		return nil, mapQueryErr(err)
	}
	defer rows.Close()

	scanned := 0
	for rows.Next() {
		ev, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		scanned++
		if p.verify != nil && !p.verify(ev.Message) {
			if p.scanCap > 0 && scanned >= p.scanCap {
				break
			}
			continue
		}
		if len(result.Rows) == limit {
			// One row beyond the page: another page exists.
			last := result.Rows[limit-1]
			result.Cursor = encodeCursor(last.Timestamp.UnixMilli(), last.ID)
			return result, nil
		}
		result.Rows = append(result.Rows, ev)
		if p.scanCap > 0 && scanned >= p.scanCap {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapQueryErr(err)
	}

	// Regex paths may exhaust the query limit with a full page but unknown
	// remainder; emit a cursor so the client can continue.
	if p.verify != nil && len(result.Rows) == limit && scanned >= queryLimit-1 {
		last := result.Rows[limit-1]
		result.Cursor = encodeCursor(last.Timestamp.UnixMilli(), last.ID)
	}
	return result, nil
}

func (p *plan) scanCapOr(fallback int) int {
	if p.scanCap > 0 {
		return p.scanCap
	}
	// Verified pages over an FTS prefilter: fetch generously so sparse
	// matches still fill a page in one round trip.
	return fallback * 10
}

func buildSelect(where []string, limit int) string {
	q := "SELECT " + selectColumns + " FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return fmt.Sprintf("%s ORDER BY ts DESC, id DESC LIMIT %d", q, limit)
}

// Facets returns the top value buckets for the requested fields under the
// same filter (ignoring pagination).
func (e *Engine) Facets(ctx context.Context, spec models.FilterSpec, fields []string) (map[string][]models.FacetBucket, error) {
	p, err := buildPlan(spec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pageDeadline)
	defer cancel()

	out := make(map[string][]models.FacetBucket, len(fields))
	for _, field := range fields {
		switch field {
		case "level", "source", "category":
		default:
			return nil, fmt.Errorf("%w: facet field %q", ErrBadLevel, field)
		}

		q := fmt.Sprintf("SELECT %s, COUNT(*) FROM events", field)
		if len(p.where) > 0 {
			q += " WHERE " + strings.Join(p.where, " AND ")
		}
		q += fmt.Sprintf(" GROUP BY %s ORDER BY COUNT(*) DESC LIMIT 100", field)

		rows, err := e.db.Reader().QueryContext(ctx, q, p.args...)
		if err != nil {
			return nil, mapQueryErr(err)
		}
		var buckets []models.FacetBucket
		for rows.Next() {
			var b models.FacetBucket
			if err := rows.Scan(&b.Value, &b.Count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan facet: %w", err)
			}
			buckets = append(buckets, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapQueryErr(err)
		}
		out[field] = buckets
	}
	return out, nil
}

// Match reports whether a single event satisfies the filter. Used by the
// rule engine against in-flight events (no store round trip).
func Match(spec models.FilterSpec, ev *models.LogEvent) bool {
	if len(spec.Levels) > 0 && !containsFold(spec.Levels, string(ev.Level)) {
		return false
	}
	if len(spec.Sources) > 0 && !contains(spec.Sources, ev.Source) {
		return false
	}
	if len(spec.Categories) > 0 && !contains(spec.Categories, ev.Category) {
		return false
	}
	if spec.TimeFrom != nil && ev.Timestamp.Before(*spec.TimeFrom) {
		return false
	}
	if spec.TimeTo != nil && ev.Timestamp.After(*spec.TimeTo) {
		return false
	}
	if spec.Text != "" {
		if spec.TextMatch == models.MatchRegex {
			pattern := spec.Text
			if !spec.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexpCompileCached(pattern)
			if err != nil || !re.MatchString(ev.Message) {
				return false
			}
		} else if spec.CaseSensitive {
			if !strings.Contains(ev.Message, spec.Text) {
				return false
			}
		} else if !strings.Contains(strings.ToLower(ev.Message), strings.ToLower(spec.Text)) {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func mapQueryErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("query events: %w", err)
}

// scanRow mirrors services.EventStore's column order.
func scanRow(rows *sql.Rows) (*models.LogEvent, error) {
	var (
		ev         models.LogEvent
		ts, ingest int64
		level      string
		host, peer sql.NullString
		geo, uaS   sql.NullString
		tags, meta sql.NullString
		dedup      sql.NullString
	)
	if err := rows.Scan(&ev.ID, &ts, &ingest, &level, &ev.Source, &ev.Category,
		&ev.Message, &host, &peer, &geo, &uaS, &tags, &meta, &dedup); err != nil {
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
	if uaS.Valid {
		var u models.UserAgentInfo
		if json.Unmarshal([]byte(uaS.String), &u) == nil {
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
