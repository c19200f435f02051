// Package retention enforces data lifetime: scheduled eviction by policy,
// backup snapshots with rotation, and store compaction after large deletes.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

// backupNameFormat matches enterprise_logs_YYYY-MM-DD_HH-mm-ss.db.
const backupNameFormat = "2006-01-02_15-04-05"

const backupPrefix = "enterprise_logs_"

// OpRecorder mirrors the engines' operational-event sink.
type OpRecorder interface {
	RecordOp(ctx context.Context, channel, typ string, payload any)
}

// Service runs the retention cycle on a cron schedule.
type Service struct {
	cfg       config.RetentionConfig
	db        *database.Client
	events    *services.EventStore
	opEvents  *services.OperationalEventService
	users     *services.UserService
	settings  *services.SettingsService
	ops       OpRecorder
	backupDir string

	policies []models.RetentionPolicy

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewService creates the retention service. Policies default to a single
// by_age policy from the configuration (overridable via SetPolicies).
func NewService(cfg config.RetentionConfig, dataDir string, db *database.Client,
	events *services.EventStore, opEvents *services.OperationalEventService,
	users *services.UserService, settings *services.SettingsService, ops OpRecorder) *Service {
	s := &Service{
		cfg:       cfg,
		db:        db,
		events:    events,
		opEvents:  opEvents,
		users:     users,
		settings:  settings,
		ops:       ops,
		backupDir: filepath.Join(dataDir, "backups"),
	}
	if cfg.RetentionDays > 0 {
		s.policies = []models.RetentionPolicy{
			{Kind: models.RetainByAge, Parameter: int64(cfg.RetentionDays)},
		}
	}
	return s
}

// SetPolicies replaces the policy set.
func (s *Service) SetPolicies(policies []models.RetentionPolicy) {
	s.policies = policies
}

// Start schedules the cycle. The schedule is a standard 5-field cron
// expression from configuration.
func (s *Service) Start() error {
	s.cron = cron.New()
	id, err := s.cron.AddFunc(s.cfg.BackupSchedule, func() {
		s.RunCycle(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.cfg.BackupSchedule, err)
	}
	s.entryID = id
	s.cron.Start()
	slog.Info("Retention service started", "schedule", s.cfg.BackupSchedule,
		"retention_days", s.cfg.RetentionDays, "backup_keep", s.cfg.BackupKeep)
	return nil
}

// Stop halts the scheduler, waiting for a running cycle.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Retention service stopped")
}

// RunCycle performs one eviction + backup + compaction pass. Each phase is
// independent: a failing eviction is retried next tick, a failing backup
// emits alert:backup_failed.
func (s *Service) RunCycle(ctx context.Context) {
	evicted := s.evict(ctx)
	s.housekeeping(ctx)
	s.backup(ctx)
	if evicted > s.cfg.CompactionThreshold {
		s.compact(ctx, evicted)
	}
}

// evict applies every policy; the deletion set is the union. Deletes run in
// bounded batches to keep writer lock hold times short.
func (s *Service) evict(ctx context.Context) int64 {
	// The settings table may carry an updated default retention.
	days := s.cfg.RetentionDays
	if s.settings != nil {
		days = s.settings.GetInt(services.SettingRetentionDays, days)
	}

	var total int64
	for _, p := range s.policies {
		policy := p
		if policy.Kind == models.RetainByAge && policy.Parameter == int64(s.cfg.RetentionDays) && days != s.cfg.RetentionDays {
			policy.Parameter = int64(days)
		}
		n, err := s.evictPolicy(ctx, policy)
		if err != nil {
			slog.Error("Retention: eviction failed, will retry next cycle",
				"kind", policy.Kind, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		slog.Info("Retention: evicted events", "count", total)
	}
	return total
}

func (s *Service) evictPolicy(ctx context.Context, p models.RetentionPolicy) (int64, error) {
	var total int64
	switch p.Kind {
	case models.RetainByAge:
		cutoff := time.Now().UTC().AddDate(0, 0, -int(p.Parameter))
		for {
			n, err := s.events.DeleteOlderThan(ctx, cutoff, p.CategoryGlob, s.cfg.EvictionBatch)
			if err != nil {
				return total, err
			}
			total += n
			if n < int64(s.cfg.EvictionBatch) {
				return total, nil
			}
		}

	case models.RetainByCount:
		for {
			count, err := s.events.Count(ctx, p.CategoryGlob)
			if err != nil {
				return total, err
			}
			excess := count - p.Parameter
			if excess <= 0 {
				return total, nil
			}
			batch := s.cfg.EvictionBatch
			if int64(batch) > excess {
				batch = int(excess)
			}
			n, err := s.events.DeleteOldest(ctx, p.CategoryGlob, batch)
			if err != nil {
				return total, err
			}
			total += n
			if n == 0 {
				return total, nil
			}
		}

	case models.RetainBySize:
		for {
			size, err := s.events.ApproxSize(ctx, p.CategoryGlob)
			if err != nil {
				return total, err
			}
			if size <= p.Parameter {
				return total, nil
			}
			n, err := s.events.DeleteOldest(ctx, p.CategoryGlob, s.cfg.EvictionBatch)
			if err != nil {
				return total, err
			}
			total += n
			if n == 0 {
				return total, nil
			}
		}
	}
	return total, nil
}

// housekeeping trims the side tables that grow with traffic.
func (s *Service) housekeeping(ctx context.Context) {
	if n, err := s.users.PurgeExpiredSessions(ctx); err == nil && n > 0 {
		slog.Info("Retention: purged expired sessions", "count", n)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -90)
	if n, err := s.opEvents.DeleteOlderThan(ctx, cutoff); err == nil && n > 0 {
		slog.Info("Retention: trimmed operational events", "count", n)
	}
}

// backup snapshots the store, verifies the copy, and prunes old backups to
// the configured keep count.
func (s *Service) backup(ctx context.Context) {
	name := backupPrefix + time.Now().UTC().Format(backupNameFormat) + ".db"
	dest := filepath.Join(s.backupDir, name)

	if err := s.db.SnapshotTo(ctx, dest); err != nil {
		s.backupFailed(ctx, dest, err)
		return
	}
	if err := database.VerifySnapshot(ctx, dest); err != nil {
		_ = os.Remove(dest)
		s.backupFailed(ctx, dest, err)
		return
	}
	slog.Info("Retention: backup created", "path", dest)

	if err := s.pruneBackups(); err != nil {
		slog.Error("Retention: backup pruning failed", "error", err)
	}
}

func (s *Service) backupFailed(ctx context.Context, dest string, err error) {
	slog.Error("Retention: backup failed", "path", dest, "error", err)
	if s.ops != nil {
		s.ops.RecordOp(ctx, "alerts", "backup_failed", map[string]any{
			"path":  dest,
			"error": err.Error(),
		})
	}
}

// pruneBackups keeps the newest BackupKeep files (by encoded timestamp name).
func (s *Service) pruneBackups() error {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(backupPrefix) &&
			e.Name()[:len(backupPrefix)] == backupPrefix && path.Ext(e.Name()) == ".db" {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.cfg.BackupKeep {
		return nil
	}
	sort.Strings(names) // timestamp-encoded names sort chronologically
	for _, name := range names[:len(names)-s.cfg.BackupKeep] {
		if err := os.Remove(filepath.Join(s.backupDir, name)); err != nil {
			return err
		}
		slog.Info("Retention: pruned backup", "name", name)
	}
	return nil
}

func (s *Service) compact(ctx context.Context, evicted int64) {
	slog.Info("Retention: compacting store after large eviction", "evicted", evicted)
	if err := s.db.Compact(ctx); err != nil {
		slog.Error("Retention: compaction failed", "error", err)
	}
}
