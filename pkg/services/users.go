package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// UserService manages accounts, login sessions and API keys.
type UserService struct {
	db *database.Client
}

// NewUserService creates the service.
func NewUserService(db *database.Client) *UserService {
	return &UserService{db: db}
}

// Create inserts a user with a pre-hashed password.
func (s *UserService) Create(ctx context.Context, username, passwordHash string, role models.Role) (*models.User, error) {
	now := time.Now().UTC()
	r, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, created_at)
		VALUES (?, ?, ?, ?)`,
		username, passwordHash, string(role), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, _ := r.LastInsertId()
	return &models.User{ID: id, Username: username, PasswordHash: passwordHash, Role: role, CreatedAt: now}, nil
}

// GetByUsername fetches a user for credential checks.
func (s *UserService) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.scanUser(s.db.Reader().QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username))
}

// GetByID fetches a user by primary key.
func (s *UserService) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.Reader().QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?`, id))
}

func (s *UserService) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var role string
	var created int64
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = models.Role(role)
	u.CreatedAt = time.UnixMilli(created).UTC()
	return &u, nil
}

// CreateSession stores a login session row.
func (s *UserService) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO sessions (token, user_id, ip, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.Token, sess.UserID, nullString(sess.IP),
		sess.CreatedAt.UTC().UnixMilli(), sess.ExpiresAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a live (unexpired) session.
func (s *UserService) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	var ip sql.NullString
	var created, expires int64
	err := s.db.Reader().QueryRowContext(ctx, `
		SELECT token, user_id, ip, created_at, expires_at
		FROM sessions WHERE token = ? AND expires_at > ?`,
		token, time.Now().UTC().UnixMilli()).
		Scan(&sess.Token, &sess.UserID, &ip, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.IP = ip.String
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.ExpiresAt = time.UnixMilli(expires).UTC()
	return &sess, nil
}

// DeleteSession revokes a session (logout).
func (s *UserService) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.Writer().ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions deletes expired rows; called by retention.
func (s *UserService) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	r, err := s.db.Writer().ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at <= ?", time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return r.RowsAffected()
}

// CreateAPIKey stores a pre-generated key under a display name.
func (s *UserService) CreateAPIKey(ctx context.Context, key, name string) (*models.APIKey, error) {
	now := time.Now().UTC()
	r, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO api_keys (key, name, created_at) VALUES (?, ?, ?)`,
		key, name, now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	id, _ := r.LastInsertId()
	return &models.APIKey{ID: id, Key: key, Name: name, CreatedAt: now}, nil
}

// ListAPIKeys returns all keys (metadata only; the secret never leaves the
// create response).
func (s *UserService) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.db.Reader().QueryContext(ctx, `
		SELECT id, name, created_at, last_used_at FROM api_keys ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		var created int64
		var lastUsed sql.NullInt64
		if err := rows.Scan(&k.ID, &k.Name, &created, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.CreatedAt = time.UnixMilli(created).UTC()
		if lastUsed.Valid {
			t := time.UnixMilli(lastUsed.Int64).UTC()
			k.LastUsedAt = &t
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

// DeleteAPIKey revokes a key.
func (s *UserService) DeleteAPIKey(ctx context.Context, id int64) error {
	r, err := s.db.Writer().ExecContext(ctx, "DELETE FROM api_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LookupAPIKey validates an API key and stamps last_used_at.
func (s *UserService) LookupAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	var k models.APIKey
	var created int64
	var lastUsed sql.NullInt64
	err := s.db.Reader().QueryRowContext(ctx, `
		SELECT id, key, name, created_at, last_used_at FROM api_keys WHERE key = ?`, key).
		Scan(&k.ID, &k.Key, &k.Name, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	k.CreatedAt = time.UnixMilli(created).UTC()
	if lastUsed.Valid {
		t := time.UnixMilli(lastUsed.Int64).UTC()
		k.LastUsedAt = &t
	}
	_, _ = s.db.Writer().ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?",
		time.Now().UTC().UnixMilli(), k.ID)
	return &k, nil
}
