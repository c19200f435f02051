package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// CorrelationService stores correlation pattern definitions. Open sequence
// instances are engine memory only; the definitions persist here.
type CorrelationService struct {
	db *database.Client
}

// NewCorrelationService creates the service.
func NewCorrelationService(db *database.Client) *CorrelationService {
	return &CorrelationService{db: db}
}

// Create stores a pattern.
func (s *CorrelationService) Create(ctx context.Context, p *models.CorrelationPattern) (*models.CorrelationPattern, error) {
	if p.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if len(p.Sequence) < 2 {
		return nil, &ValidationError{Field: "sequence", Message: "needs at least two stages"}
	}
	if p.GroupBy == "" {
		return nil, &ValidationError{Field: "group_by", Message: "must not be empty"}
	}
	seq, err := json.Marshal(p.Sequence)
	if err != nil {
		return nil, fmt.Errorf("marshal sequence: %w", err)
	}
	r, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO correlation_patterns (name, sequence, group_by, enabled)
		VALUES (?, ?, ?, ?)`, p.Name, string(seq), p.GroupBy, p.Enabled)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert pattern: %w", err)
	}
	p.ID, _ = r.LastInsertId()
	return p, nil
}

// Delete removes a pattern.
func (s *CorrelationService) Delete(ctx context.Context, id int64) error {
	r, err := s.db.Writer().ExecContext(ctx, "DELETE FROM correlation_patterns WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete pattern: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all patterns.
func (s *CorrelationService) List(ctx context.Context) ([]*models.CorrelationPattern, error) {
	rows, err := s.db.Reader().QueryContext(ctx,
		"SELECT id, name, sequence, group_by, enabled FROM correlation_patterns ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*models.CorrelationPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListEnabled returns enabled patterns for the rule engine.
func (s *CorrelationService) ListEnabled(ctx context.Context) ([]*models.CorrelationPattern, error) {
	rows, err := s.db.Reader().QueryContext(ctx,
		"SELECT id, name, sequence, group_by, enabled FROM correlation_patterns WHERE enabled = 1")
	if err != nil {
		return nil, fmt.Errorf("list enabled patterns: %w", err)
	}
	defer rows.Close()

	var out []*models.CorrelationPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPattern(rows *sql.Rows) (*models.CorrelationPattern, error) {
	var p models.CorrelationPattern
	var seq string
	err := rows.Scan(&p.ID, &p.Name, &seq, &p.GroupBy, &p.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pattern: %w", err)
	}
	if err := json.Unmarshal([]byte(seq), &p.Sequence); err != nil {
		return nil, fmt.Errorf("decode sequence: %w", err)
	}
	return &p, nil
}
