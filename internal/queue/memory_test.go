package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJob struct {
	UserID string `json:"user_id"`
	N      int    `json:"n"`
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	config := DefaultConfig("test")
	config.BatchSize = 5
	q := NewMemoryQueue(config)
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, testJob{UserID: "u1", N: i}))
	}

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := q.DequeueWithTimeout(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, items, 3)

	for i, raw := range items {
		var job testJob
		require.NoError(t, json.Unmarshal(raw, &job))
		assert.Equal(t, i, job.N)
	}
}

func TestMemoryQueue_MaxItems(t *testing.T) {
	q := NewMemoryQueue(nil)
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, testJob{N: i}))
	}

	items, err := q.DequeueWithTimeout(ctx, 2, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	n, _ := q.Length(ctx)
	assert.Equal(t, 3, n)
}

func TestMemoryQueue_TimeoutReturnsEmpty(t *testing.T) {
	q := NewMemoryQueue(nil)
	defer q.Close()

	start := time.Now()
	items, err := q.DequeueWithTimeout(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_CloseUnblocksDequeue(t *testing.T) {
	q := NewMemoryQueue(nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.DequeueWithTimeout(context.Background(), 10, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrQueueClosed))
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a waiting consumer")
	}

	assert.ErrorIs(t, q.Enqueue(context.Background(), testJob{}), ErrQueueClosed)
	require.NoError(t, q.Close(), "Close must be idempotent")
}

func TestMemoryDeadLetterQueue(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	dlq.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()

	first, err := dlq.Add(ctx, json.RawMessage(`{"n":1}`), errors.New("platform down"), 5)
	require.NoError(t, err)
	second, err := dlq.Add(ctx, json.RawMessage(`{"n":2}`), errors.New("platform down"), 5)
	require.NoError(t, err)

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
	assert.Equal(t, "platform down", items[0].Error)
	assert.Equal(t, 5, items[0].Retries)

	got, err := dlq.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(got.Payload))

	require.NoError(t, dlq.Remove(ctx, first.ID))
	assert.ErrorIs(t, dlq.Remove(ctx, first.ID), ErrItemNotFound)

	_, err = dlq.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)

	limited, err := dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
