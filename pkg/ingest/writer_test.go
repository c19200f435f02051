package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
	testdb "github.com/loghive/loghive/test/database"
)

type hookCapture struct {
	mu      sync.Mutex
	batches [][]*models.LogEvent
}

func (h *hookCapture) hook(events []*models.LogEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, events)
}

func (h *hookCapture) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, b := range h.batches {
		n += len(b)
	}
	return n
}

func testIngestCfg() config.IngestConfig {
	cfg := config.DefaultIngestConfig()
	cfg.MaxBatch = 10
	cfg.MaxWait = 20 * time.Millisecond
	cfg.DrainTimeout = time.Second
	return cfg
}

func pipelineEvent(level models.Level, msg string) *models.LogEvent {
	now := time.Now().UTC()
	return &models.LogEvent{Timestamp: now, IngestTime: now, Level: level,
		Source: "test", Category: "test", Message: msg}
}

func TestWriter_CommitsAndFansOut(t *testing.T) {
	db := testdb.NewTestClient(t)
	m := metrics.New()
	q := NewQueue(100, m)
	w := NewWriter(q, services.NewEventStore(db), services.NewFailedBatchStore(db), testIngestCfg(), m)

	capture := &hookCapture{}
	w.OnCommit(capture.hook)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(pipelineEvent(models.LevelInfo, "msg")))
	}

	require.Eventually(t, func() bool { return capture.total() == 5 }, 2*time.Second, 10*time.Millisecond)

	// Every committed event carries its assigned id.
	capture.mu.Lock()
	for _, batch := range capture.batches {
		for _, ev := range batch {
			assert.NotZero(t, ev.ID)
		}
	}
	capture.mu.Unlock()

	cancel()
	q.Close()
	<-done
}

func TestWriter_DedupedEventsExcludedFromFanout(t *testing.T) {
	db := testdb.NewTestClient(t)
	m := metrics.New()
	q := NewQueue(100, m)
	w := NewWriter(q, services.NewEventStore(db), services.NewFailedBatchStore(db), testIngestCfg(), m)

	capture := &hookCapture{}
	w.OnCommit(capture.hook)

	a := pipelineEvent(models.LevelInfo, "dup")
	a.DedupKey = "k"
	b := pipelineEvent(models.LevelInfo, "dup")
	b.DedupKey = "k"
	w.flush([]*models.LogEvent{a, b})

	assert.Equal(t, 1, capture.total())
}

func TestRetryWorker_ReplaysFailedBatch(t *testing.T) {
	db := testdb.NewTestClient(t)
	m := metrics.New()
	cfg := testIngestCfg()
	store := services.NewFailedBatchStore(db)
	w := NewWriter(NewQueue(10, m), services.NewEventStore(db), store, cfg, m)

	capture := &hookCapture{}
	w.OnCommit(capture.hook)

	blob, err := json.Marshal([]*models.LogEvent{pipelineEvent(models.LevelError, "replay me")})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), blob))

	worker := NewRetryWorker(store, w, cfg, m, nil)

	// The batch becomes due 60s (30s·2^1) after its first failure.
	due, err := store.Due(context.Background(), time.Now().Add(time.Minute), cfg.RetryMaxAttempts+1, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempt)

	worker.replay(context.Background(), due[0])
	assert.Equal(t, 1, capture.total())

	pending, err := store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRetryWorker_BackoffHidesFreshBatches(t *testing.T) {
	db := testdb.NewTestClient(t)
	store := services.NewFailedBatchStore(db)
	require.NoError(t, store.Enqueue(context.Background(), []byte("[]")))

	due, err := store.Due(context.Background(), time.Now(), 10, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "batch must wait out its first backoff window")
}

type opCapture struct {
	mu    sync.Mutex
	types []string
}

func (o *opCapture) RecordOp(_ context.Context, _, typ string, _ any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.types = append(o.types, typ)
}

func TestRetryWorker_QuarantinesAfterFinalAttempt(t *testing.T) {
	db := testdb.NewTestClient(t)
	m := metrics.New()
	cfg := testIngestCfg()
	store := services.NewFailedBatchStore(db)
	w := NewWriter(NewQueue(10, m), services.NewEventStore(db), store, cfg, m)
	ops := &opCapture{}
	worker := NewRetryWorker(store, w, cfg, m, ops)

	// Undecodable payload fails every replay.
	require.NoError(t, store.Enqueue(context.Background(), []byte("not json")))
	due, err := store.Due(context.Background(), time.Now().Add(time.Hour), cfg.RetryMaxAttempts+1, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	fb := due[0]
	fb.Attempt = cfg.RetryMaxAttempts - 1
	worker.replay(context.Background(), fb)

	ops.mu.Lock()
	assert.Contains(t, ops.types, "batch_quarantined")
	ops.mu.Unlock()

	pending, err := store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}
