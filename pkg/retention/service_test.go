package retention

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

func newTestService(t *testing.T) (*Service, *services.EventStore, string) {
	t.Helper()
	dataDir := t.TempDir()

	client, err := database.NewClient(context.Background(), database.Config{
		Path:         filepath.Join(dataDir, "databases", "enterprise_logs.db"),
		ReadPoolSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	events := services.NewEventStore(client)
	cfg := config.DefaultRetentionConfig()
	cfg.RetentionDays = 1
	cfg.BackupKeep = 3

	svc := NewService(cfg, dataDir, client, events,
		services.NewOperationalEventService(client),
		services.NewUserService(client),
		services.NewSettingsService(client), nil)
	return svc, events, dataDir
}

func seed(t *testing.T, events *services.EventStore, age time.Duration, category string) {
	t.Helper()
	at := time.Now().UTC().Add(-age)
	_, err := events.InsertBatch(context.Background(), []*models.LogEvent{{
		Timestamp:  at,
		IngestTime: at,
		Level:      models.LevelInfo,
		Source:     "test",
		Category:   category,
		Message:    "m",
	}})
	require.NoError(t, err)
}

func TestRunCycle_EvictsAgedEventsAndKeepsRecent(t *testing.T) {
	svc, events, _ := newTestService(t)
	ctx := context.Background()

	seed(t, events, 48*time.Hour, "app") // two days old: evicted
	seed(t, events, time.Hour, "app")    // one hour old: retained

	svc.RunCycle(ctx)

	count, err := events.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRunCycle_CreatesVerifiedBackup(t *testing.T) {
	svc, events, dataDir := newTestService(t)
	seed(t, events, time.Hour, "app")

	svc.RunCycle(context.Background())

	entries, err := os.ReadDir(filepath.Join(dataDir, "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.True(t, strings.HasPrefix(name, "enterprise_logs_"))
	assert.True(t, strings.HasSuffix(name, ".db"))

	require.NoError(t, database.VerifySnapshot(context.Background(),
		filepath.Join(dataDir, "backups", name)))
}

func TestPruneBackups_KeepsNewest(t *testing.T) {
	svc, _, dataDir := newTestService(t)
	backupDir := filepath.Join(dataDir, "backups")
	require.NoError(t, os.MkdirAll(backupDir, 0o755))

	stamps := []string{
		"2026-01-01_02-00-00", "2026-01-02_02-00-00", "2026-01-03_02-00-00",
		"2026-01-04_02-00-00", "2026-01-05_02-00-00",
	}
	for _, ts := range stamps {
		require.NoError(t, os.WriteFile(
			filepath.Join(backupDir, "enterprise_logs_"+ts+".db"), []byte("x"), 0o644))
	}
	// An unrelated file must survive pruning.
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "notes.txt"), []byte("x"), 0o644))

	require.NoError(t, svc.pruneBackups())

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	var kept []string
	for _, e := range entries {
		kept = append(kept, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"enterprise_logs_2026-01-03_02-00-00.db",
		"enterprise_logs_2026-01-04_02-00-00.db",
		"enterprise_logs_2026-01-05_02-00-00.db",
		"notes.txt",
	}, kept)
}

func TestEvictPolicy_ByCount(t *testing.T) {
	svc, events, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		seed(t, events, time.Duration(i)*time.Minute, "app")
	}

	n, err := svc.evictPolicy(ctx, models.RetentionPolicy{
		Kind: models.RetainByCount, Parameter: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	count, err := events.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestEvictPolicy_CategoryGlobScopes(t *testing.T) {
	svc, events, _ := newTestService(t)
	ctx := context.Background()
	seed(t, events, 48*time.Hour, "app-a")
	seed(t, events, 48*time.Hour, "db-b")

	n, err := svc.evictPolicy(ctx, models.RetentionPolicy{
		Kind: models.RetainByAge, Parameter: 1, CategoryGlob: "app-*",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := events.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.cfg.BackupSchedule = "not a cron"
	assert.Error(t, svc.Start())
}
