package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

func newTestQueue(capacity int) *Queue {
	return NewQueue(capacity, metrics.New())
}

func ev(level models.Level, msg string) *models.LogEvent {
	return &models.LogEvent{Level: level, Message: msg}
}

func TestQueue_PreservesArrivalOrderAcrossLevels(t *testing.T) {
	q := newTestQueue(10)
	require.True(t, q.Enqueue(ev(models.LevelError, "first")))
	require.True(t, q.Enqueue(ev(models.LevelDebug, "second")))
	require.True(t, q.Enqueue(ev(models.LevelCritical, "third")))

	ctx := context.Background()
	for _, want := range []string{"first", "second", "third"} {
		got, ok := q.Dequeue(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got.Message)
	}
}

func TestQueue_OverflowDisplacesLowestLevel(t *testing.T) {
	q := newTestQueue(2)
	require.True(t, q.Enqueue(ev(models.LevelDebug, "victim")))
	require.True(t, q.Enqueue(ev(models.LevelWarn, "keeper")))

	// Queue full; an error outranks the queued debug event.
	require.True(t, q.Enqueue(ev(models.LevelError, "vip")))
	assert.Equal(t, 2, q.Len())

	got1, _ := q.Dequeue(context.Background())
	got2, _ := q.Dequeue(context.Background())
	messages := []string{got1.Message, got2.Message}
	assert.ElementsMatch(t, []string{"keeper", "vip"}, messages)
}

func TestQueue_OverflowDropsIncomingWhenNothingLower(t *testing.T) {
	q := newTestQueue(2)
	require.True(t, q.Enqueue(ev(models.LevelError, "a")))
	require.True(t, q.Enqueue(ev(models.LevelCritical, "b")))

	// Nothing queued ranks below warn; the incoming event is the victim.
	assert.False(t, q.Enqueue(ev(models.LevelWarn, "dropped")))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := newTestQueue(10)

	done := make(chan *models.LogEvent, 1)
	go func() {
		got, ok := q.Dequeue(context.Background())
		if ok {
			done <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Enqueue(ev(models.LevelInfo, "late")))

	select {
	case got := <-done:
		assert.Equal(t, "late", got.Message)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := newTestQueue(10)
	require.True(t, q.Enqueue(ev(models.LevelInfo, "queued")))
	q.Close()

	assert.False(t, q.Enqueue(ev(models.LevelInfo, "rejected")))

	got, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "queued", got.Message)

	_, ok = q.Dequeue(context.Background())
	assert.False(t, ok)
}

func TestQueue_DequeueHonorsContextCancel(t *testing.T) {
	q := newTestQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}
