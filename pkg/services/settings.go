package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loghive/loghive/pkg/database"
)

// Well-known settings keys.
const (
	SettingTimezone          = "timezone"
	SettingDateFormat        = "date_format"
	SettingTheme             = "default_theme"
	SettingRetentionDays     = "retention_days"
	SettingOrderByIngestTime = "search.order_by_ingest_time"
)

// Setting is one typed key/value row.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Type      string    `json:"type"` // "string", "int", "bool"
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// SettingsService reads and mutates runtime-tunable settings behind an
// in-process cache. Mutations invalidate the cache and notify subscribers so
// the stream hub can broadcast settings_changed.
type SettingsService struct {
	db *database.Client

	mu    sync.RWMutex
	cache map[string]Setting

	onChange func(Setting)
}

// NewSettingsService creates the service and warms the cache.
func NewSettingsService(db *database.Client) *SettingsService {
	s := &SettingsService{db: db, cache: make(map[string]Setting)}
	if err := s.reload(context.Background()); err != nil {
		slog.Warn("Settings cache warm-up failed", "error", err)
	}
	return s
}

// OnChange registers a single callback invoked after every successful Set.
func (s *SettingsService) OnChange(fn func(Setting)) {
	s.onChange = fn
}

func (s *SettingsService) reload(ctx context.Context) error {
	rows, err := s.db.Reader().QueryContext(ctx,
		"SELECT key, value, type, updated_at, updated_by FROM settings")
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	fresh := make(map[string]Setting)
	for rows.Next() {
		var st Setting
		var at int64
		if err := rows.Scan(&st.Key, &st.Value, &st.Type, &at, &st.UpdatedBy); err != nil {
			return fmt.Errorf("scan setting: %w", err)
		}
		st.UpdatedAt = time.UnixMilli(at).UTC()
		fresh[st.Key] = st
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()
	return nil
}

// Get returns the cached setting for key.
func (s *SettingsService) Get(key string) (Setting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.cache[key]
	return st, ok
}

// GetString returns the value for key or fallback.
func (s *SettingsService) GetString(key, fallback string) string {
	if st, ok := s.Get(key); ok {
		return st.Value
	}
	return fallback
}

// GetBool returns the boolean value for key or fallback.
func (s *SettingsService) GetBool(key string, fallback bool) bool {
	st, ok := s.Get(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(st.Value)
	if err != nil {
		return fallback
	}
	return b
}

// GetInt returns the integer value for key or fallback.
func (s *SettingsService) GetInt(key string, fallback int) int {
	st, ok := s.Get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(st.Value)
	if err != nil {
		return fallback
	}
	return n
}

// List returns all settings.
func (s *SettingsService) List() []Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Setting, 0, len(s.cache))
	for _, st := range s.cache {
		out = append(out, st)
	}
	return out
}

// Set upserts a setting, refreshes the cache and fires the change callback.
func (s *SettingsService) Set(ctx context.Context, key, value, typ, actor string) error {
	if typ == "" {
		typ = "string"
	}
	now := time.Now().UTC()
	_, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO settings (key, value, type, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value, type = excluded.type,
			updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		key, value, typ, now.UnixMilli(), actor)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}

	st := Setting{Key: key, Value: value, Type: typ, UpdatedAt: now, UpdatedBy: actor}
	s.mu.Lock()
	s.cache[key] = st
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(st)
	}
	return nil
}

// SetDefault writes key only when absent (first-run seeding).
func (s *SettingsService) SetDefault(ctx context.Context, key, value, typ string) error {
	if _, ok := s.Get(key); ok {
		return nil
	}
	return s.Set(ctx, key, value, typ, "system")
}
