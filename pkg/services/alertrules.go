package services

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

// AlertRuleService manages alert rule definitions and the append-only firing
// history.
type AlertRuleService struct {
	db *database.Client
}

// NewAlertRuleService creates the service.
func NewAlertRuleService(db *database.Client) *AlertRuleService {
	return &AlertRuleService{db: db}
}

func validateRule(r *models.AlertRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if r.WindowSeconds < 10 {
		return &ValidationError{Field: "window_seconds", Message: "must be at least 10"}
	}
	if !models.ValidComparator(r.Comparator) {
		return &ValidationError{Field: "comparator", Message: "must be one of > >= = <= <"}
	}
	if r.Severity != "" && !r.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: "unknown level"}
	}
	if r.CooldownSeconds < 0 {
		return &ValidationError{Field: "cooldown_seconds", Message: "must not be negative"}
	}
	return nil
}

// Create stores a new rule.
func (s *AlertRuleService) Create(ctx context.Context, r *models.AlertRule) (*models.AlertRule, error) {
	if err := validateRule(r); err != nil {
		return nil, err
	}
	if r.Severity == "" {
		r.Severity = models.LevelWarn
	}
	query, err := json.Marshal(r.Query)
	if err != nil {
		return nil, fmt.Errorf("marshal rule query: %w", err)
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	res, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO alert_rules
			(name, query, window_seconds, threshold, comparator, severity,
			 cooldown_seconds, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, string(query), r.WindowSeconds, r.Threshold, string(r.Comparator),
		string(r.Severity), r.CooldownSeconds, r.Enabled,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert alert rule: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return r, nil
}

// Update replaces a rule definition. The rule engine resets the rule's window
// state when notified of the edit.
func (s *AlertRuleService) Update(ctx context.Context, r *models.AlertRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	query, err := json.Marshal(r.Query)
	if err != nil {
		return fmt.Errorf("marshal rule query: %w", err)
	}
	res, err := s.db.Writer().ExecContext(ctx, `
		UPDATE alert_rules
		SET name = ?, query = ?, window_seconds = ?, threshold = ?, comparator = ?,
		    severity = ?, cooldown_seconds = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, string(query), r.WindowSeconds, r.Threshold, string(r.Comparator),
		string(r.Severity), r.CooldownSeconds, r.Enabled,
		time.Now().UTC().UnixMilli(), r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a rule and its firing history (cascade).
func (s *AlertRuleService) Delete(ctx context.Context, id int64) error {
	res, err := s.db.Writer().ExecContext(ctx, "DELETE FROM alert_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches one rule.
func (s *AlertRuleService) Get(ctx context.Context, id int64) (*models.AlertRule, error) {
	row := s.db.Reader().QueryRowContext(ctx, alertRuleSelect+" WHERE id = ?", id)
	return scanAlertRule(row)
}

// List returns all rules.
func (s *AlertRuleService) List(ctx context.Context) ([]*models.AlertRule, error) {
	rows, err := s.db.Reader().QueryContext(ctx, alertRuleSelect+" ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var out []*models.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEnabled returns enabled rules, used by the rule engine on (re)load.
func (s *AlertRuleService) ListEnabled(ctx context.Context) ([]*models.AlertRule, error) {
	rows, err := s.db.Reader().QueryContext(ctx, alertRuleSelect+" WHERE enabled = 1")
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	var out []*models.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordFiring appends to the firing history and stamps last_fired_at.
func (s *AlertRuleService) RecordFiring(ctx context.Context, f *models.AlertFiring) error {
	matched, err := json.Marshal(f.MatchedIDs)
	if err != nil {
		return fmt.Errorf("marshal matched ids: %w", err)
	}
	_, err = s.db.Writer().ExecContext(ctx, `
		INSERT INTO alert_firings (rule_id, matched_ids, count, window_start, window_end, fired_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.RuleID, string(matched), f.Count,
		f.WindowStart.UTC().UnixMilli(), f.WindowEnd.UTC().UnixMilli(),
		f.FiredAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert firing: %w", err)
	}
	_, err = s.db.Writer().ExecContext(ctx,
		"UPDATE alert_rules SET last_fired_at = ? WHERE id = ?",
		f.FiredAt.UTC().UnixMilli(), f.RuleID)
	if err != nil {
		return fmt.Errorf("stamp last_fired_at: %w", err)
	}
	return nil
}

// Firings returns the most recent firing rows, newest first.
func (s *AlertRuleService) Firings(ctx context.Context, limit int) ([]*models.AlertFiring, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Reader().QueryContext(ctx, `
		SELECT id, rule_id, matched_ids, count, window_start, window_end, fired_at
		FROM alert_firings ORDER BY fired_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list firings: %w", err)
	}
	defer rows.Close()

	var out []*models.AlertFiring
	for rows.Next() {
		var (
			f          models.AlertFiring
			matched    sql.NullString
			ws, we, fa int64
		)
		if err := rows.Scan(&f.ID, &f.RuleID, &matched, &f.Count, &ws, &we, &fa); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		if matched.Valid {
			_ = json.Unmarshal([]byte(matched.String), &f.MatchedIDs)
		}
		f.WindowStart = time.UnixMilli(ws).UTC()
		f.WindowEnd = time.UnixMilli(we).UTC()
		f.FiredAt = time.UnixMilli(fa).UTC()
		out = append(out, &f)
	}
	return out, rows.Err()
}

const alertRuleSelect = `
	SELECT id, name, query, window_seconds, threshold, comparator, severity,
	       cooldown_seconds, enabled, last_fired_at, created_at, updated_at
	FROM alert_rules`

func scanAlertRule(row rowScanner) (*models.AlertRule, error) {
	var (
		r                  models.AlertRule
		query, cmp, sev    string
		lastFired          sql.NullInt64
		created, updated   int64
	)
	err := row.Scan(&r.ID, &r.Name, &query, &r.WindowSeconds, &r.Threshold,
		&cmp, &sev, &r.CooldownSeconds, &r.Enabled, &lastFired, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert rule: %w", err)
	}
	if err := json.Unmarshal([]byte(query), &r.Query); err != nil {
		return nil, fmt.Errorf("decode rule query: %w", err)
	}
	r.Comparator = models.Comparator(cmp)
	r.Severity = models.Level(sev)
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	if lastFired.Valid {
		t := time.UnixMilli(lastFired.Int64).UTC()
		r.LastFiredAt = &t
	}
	return &r, nil
}
