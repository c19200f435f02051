package search

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/loghive/loghive/pkg/models"
)

// exportDeadline bounds a CSV export; on expiry the rows flushed so far
// remain valid CSV and ErrTimeout is returned.
const exportDeadline = 60 * time.Second

var exportHeader = []string{"timestamp", "level", "source", "category", "message"}

// Export streams matching events as CSV in (timestamp DESC, id DESC) order
// using a single cursor-based statement.
func (e *Engine) Export(ctx context.Context, spec models.FilterSpec, w io.Writer) error {
	p, err := buildPlan(spec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, exportDeadline)
	defer cancel()

	q := "SELECT ts, level, source, category, message FROM events"
	if len(p.where) > 0 {
		q += " WHERE " + strings.Join(p.where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC"

	rows, err := e.db.Reader().QueryContext(ctx, q, p.args...)
	if err != nil {
		return mapQueryErr(err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}

	for rows.Next() {
		var (
			ts                               int64
			level, source, category, message string
		)
		if err := rows.Scan(&ts, &level, &source, &category, &message); err != nil {
			cw.Flush()
			return mapQueryErr(err)
		}
		if p.verify != nil && !p.verify(message) {
			continue
		}
		record := []string{
			time.UnixMilli(ts).UTC().Format(time.RFC3339Nano),
			level, source, category, message,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()

	if err := rows.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return mapQueryErr(err)
	}
	return cw.Error()
}
