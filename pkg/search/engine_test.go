package search

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
	testdb "github.com/loghive/loghive/test/database"
)

func seedEvents(t *testing.T, store *services.EventStore, events []*models.LogEvent) {
	t.Helper()
	res, err := store.InsertBatch(context.Background(), events)
	require.NoError(t, err)
	require.Equal(t, len(events), res.Inserted)
}

func mkEvent(level models.Level, source, message string, at time.Time) *models.LogEvent {
	return &models.LogEvent{
		Timestamp:  at,
		IngestTime: at,
		Level:      level,
		Source:     source,
		Category:   "test",
		Message:    message,
	}
}

func TestSearch_OrderingAndPagination(t *testing.T) {
	db := testdb.NewTestClient(t)
	store := services.NewEventStore(db)
	engine := NewEngine(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var all []*models.LogEvent
	for i := 0; i < 25; i++ {
		all = append(all, mkEvent(models.LevelInfo, "api",
			fmt.Sprintf("event %02d", i), base.Add(time.Duration(i)*time.Second)))
	}
	seedEvents(t, store, all)

	// Paginate with page size 10: every event exactly once, newest first.
	var got []string
	spec := models.FilterSpec{Limit: 10}
	for {
		page, err := engine.Search(context.Background(), spec)
		require.NoError(t, err)
		for _, ev := range page.Rows {
			got = append(got, ev.Message)
		}
		if page.Cursor == "" {
			break
		}
		spec.Cursor = page.Cursor
	}

	require.Len(t, got, 25)
	assert.Equal(t, "event 24", got[0])
	assert.Equal(t, "event 00", got[24])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i-1], got[i], "descending order violated at %d", i)
	}
}

func TestSearch_LevelAndTimeFilters(t *testing.T) {
	db := testdb.NewTestClient(t)
	store := services.NewEventStore(db)
	engine := NewEngine(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, store, []*models.LogEvent{
		mkEvent(models.LevelError, "api", "boom", base),
		mkEvent(models.LevelInfo, "api", "fine", base.Add(time.Minute)),
		mkEvent(models.LevelError, "worker", "late boom", base.Add(2*time.Hour)),
	})

	to := base.Add(time.Hour)
	res, err := engine.Search(context.Background(), models.FilterSpec{
		Levels: []string{"error"},
		TimeTo: &to,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "boom", res.Rows[0].Message)
}

func TestSearch_SubstringViaFTS(t *testing.T) {
	db := testdb.NewTestClient(t)
	store := services.NewEventStore(db)
	engine := NewEngine(db)

	now := time.Now().UTC()
	seedEvents(t, store, []*models.LogEvent{
		mkEvent(models.LevelInfo, "api", "connection refused by upstream", now),
		mkEvent(models.LevelInfo, "api", "connection accepted", now),
		mkEvent(models.LevelInfo, "api", "totally unrelated", now),
	})

	res, err := engine.Search(context.Background(), models.FilterSpec{Text: "connection refused"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Contains(t, res.Rows[0].Message, "refused")
}

func TestSearch_RegexVerifies(t *testing.T) {
	db := testdb.NewTestClient(t)
	store := services.NewEventStore(db)
	engine := NewEngine(db)

	now := time.Now().UTC()
	seedEvents(t, store, []*models.LogEvent{
		mkEvent(models.LevelInfo, "api", "failed login for user-17", now),
		mkEvent(models.LevelInfo, "api", "failed login for admin", now),
	})

	res, err := engine.Search(context.Background(), models.FilterSpec{
		Text:      `failed login for user-\d+`,
		TextMatch: models.MatchRegex,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "failed login for user-17", res.Rows[0].Message)
}

func TestSearch_BadCursor(t *testing.T) {
	db := testdb.NewTestClient(t)
	engine := NewEngine(db)

	_, err := engine.Search(context.Background(), models.FilterSpec{Cursor: "@@@"})
	assert.ErrorIs(t, err, ErrBadCursor)
}

func TestFacets_TopBuckets(t *testing.T) {
	db := testdb.NewTestClient(t)
	store := services.NewEventStore(db)
	engine := NewEngine(db)

	now := time.Now().UTC()
	var events []*models.LogEvent
	for i := 0; i < 5; i++ {
		events = append(events, mkEvent(models.LevelError, "api", "x", now))
	}
	for i := 0; i < 2; i++ {
		events = append(events, mkEvent(models.LevelInfo, "worker", "x", now))
	}
	seedEvents(t, store, events)

	facets, err := engine.Facets(context.Background(), models.FilterSpec{}, []string{"level", "source"})
	require.NoError(t, err)

	require.Len(t, facets["level"], 2)
	assert.Equal(t, models.FacetBucket{Value: "error", Count: 5}, facets["level"][0])
	assert.Equal(t, models.FacetBucket{Value: "api", Count: 5}, facets["source"][0])
}

func TestExport_CSVStream(t *testing.T) {
	db := testdb.NewTestClient(t)
	store := services.NewEventStore(db)
	engine := NewEngine(db)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, store, []*models.LogEvent{
		mkEvent(models.LevelError, "api", "boom, with comma", now),
		mkEvent(models.LevelInfo, "api", "fine", now.Add(time.Second)),
	})

	var buf bytes.Buffer
	require.NoError(t, engine.Export(context.Background(), models.FilterSpec{}, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,level,source,category,message", lines[0])
	assert.Contains(t, lines[1], "fine")                // newest first
	assert.Contains(t, lines[2], `"boom, with comma"`) // CSV quoting
}

func TestInsertBatch_DedupWithinMinute(t *testing.T) {
	db := testdb.NewTestClient(t)
	store := services.NewEventStore(db)

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	first := mkEvent(models.LevelInfo, "api", "dup", now)
	first.DedupKey = "abc"
	second := mkEvent(models.LevelInfo, "api", "dup", now.Add(10*time.Second))
	second.DedupKey = "abc"
	nextMinute := mkEvent(models.LevelInfo, "api", "dup", now.Add(time.Minute))
	nextMinute.DedupKey = "abc"

	res, err := store.InsertBatch(context.Background(), []*models.LogEvent{first, second, nextMinute})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Deduped)
	assert.NotZero(t, first.ID)
	assert.Zero(t, second.ID)
	assert.NotZero(t, nextMinute.ID)
}
