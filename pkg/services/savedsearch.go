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

// SavedSearchService manages the saved-search registry. Names are unique per
// owner; private searches are visible only to their owner.
type SavedSearchService struct {
	db *database.Client
}

// NewSavedSearchService creates the service.
func NewSavedSearchService(db *database.Client) *SavedSearchService {
	return &SavedSearchService{db: db}
}

// Create stores a new saved search.
func (s *SavedSearchService) Create(ctx context.Context, ss *models.SavedSearch) (*models.SavedSearch, error) {
	if strings.TrimSpace(ss.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if ss.Visibility == "" {
		ss.Visibility = models.VisibilityPrivate
	}
	filter, err := json.Marshal(ss.Filter)
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}

	ss.CreatedAt = time.Now().UTC()
	r, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO saved_searches (owner, name, description, filter_spec, visibility, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ss.Owner, ss.Name, ss.Description, string(filter), string(ss.Visibility),
		ss.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert saved search: %w", err)
	}
	ss.ID, _ = r.LastInsertId()
	return ss, nil
}

// Get fetches a saved search visible to requester.
func (s *SavedSearchService) Get(ctx context.Context, id int64, requester string) (*models.SavedSearch, error) {
	row := s.db.Reader().QueryRowContext(ctx, `
		SELECT id, owner, name, description, filter_spec, visibility, created_at, last_used_at, use_count
		FROM saved_searches WHERE id = ?`, id)
	ss, err := scanSavedSearch(row)
	if err != nil {
		return nil, err
	}
	if ss.Visibility == models.VisibilityPrivate && ss.Owner != requester {
		return nil, ErrNotFound
	}
	return ss, nil
}

// List returns the requester's own searches plus all public ones.
func (s *SavedSearchService) List(ctx context.Context, requester string) ([]*models.SavedSearch, error) {
	rows, err := s.db.Reader().QueryContext(ctx, `
		SELECT id, owner, name, description, filter_spec, visibility, created_at, last_used_at, use_count
		FROM saved_searches
		WHERE owner = ? OR visibility = 'public'
		ORDER BY name ASC`, requester)
	if err != nil {
		return nil, fmt.Errorf("list saved searches: %w", err)
	}
	defer rows.Close()

	var out []*models.SavedSearch
	for rows.Next() {
		ss, err := scanSavedSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// Update modifies a search owned by requester (admins pass isAdmin=true).
func (s *SavedSearchService) Update(ctx context.Context, ss *models.SavedSearch, requester string, isAdmin bool) error {
	existing, err := s.Get(ctx, ss.ID, requester)
	if err != nil {
		return err
	}
	if existing.Owner != requester && !isAdmin {
		return ErrNotFound
	}
	filter, err := json.Marshal(ss.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	_, err = s.db.Writer().ExecContext(ctx, `
		UPDATE saved_searches SET name = ?, description = ?, filter_spec = ?, visibility = ?
		WHERE id = ?`,
		ss.Name, ss.Description, string(filter), string(ss.Visibility), ss.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update saved search: %w", err)
	}
	return nil
}

// Delete removes a search; only the owner or an admin may delete.
func (s *SavedSearchService) Delete(ctx context.Context, id int64, requester string, isAdmin bool) error {
	existing, err := s.Get(ctx, id, requester)
	if err != nil {
		return err
	}
	if existing.Owner != requester && !isAdmin {
		return ErrNotFound
	}
	_, err = s.db.Writer().ExecContext(ctx, "DELETE FROM saved_searches WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete saved search: %w", err)
	}
	return nil
}

// MarkUsed bumps use_count and last_used_at when a saved search is executed.
func (s *SavedSearchService) MarkUsed(ctx context.Context, id int64) error {
	_, err := s.db.Writer().ExecContext(ctx, `
		UPDATE saved_searches SET use_count = use_count + 1, last_used_at = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark saved search used: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSavedSearch(row rowScanner) (*models.SavedSearch, error) {
	var (
		ss       models.SavedSearch
		filter   string
		vis      string
		created  int64
		lastUsed sql.NullInt64
	)
	err := row.Scan(&ss.ID, &ss.Owner, &ss.Name, &ss.Description, &filter, &vis,
		&created, &lastUsed, &ss.UseCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saved search: %w", err)
	}
	if err := json.Unmarshal([]byte(filter), &ss.Filter); err != nil {
		return nil, fmt.Errorf("decode filter spec: %w", err)
	}
	ss.Visibility = models.Visibility(vis)
	ss.CreatedAt = time.UnixMilli(created).UTC()
	if lastUsed.Valid {
		t := time.UnixMilli(lastUsed.Int64).UTC()
		ss.LastUsedAt = &t
	}
	return &ss, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
