package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollen_ledger/internal/models"
	"pollen_ledger/internal/platform"
	"pollen_ledger/internal/queue"
)

// scriptedClient fails the first failures calls with err, then succeeds
type scriptedClient struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	pushed   map[string]string
}

func (c *scriptedClient) GetActiveSubscription(ctx context.Context, id string) (platform.Subscription, error) {
	return platform.Subscription{}, platform.ErrNotFound
}

func (c *scriptedClient) UpsertSubscription(ctx context.Context, id, product string) (platform.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return platform.Subscription{}, c.err
	}
	if c.pushed == nil {
		c.pushed = make(map[string]string)
	}
	c.pushed[id] = product
	return platform.Subscription{ID: "sub", ProductID: product}, nil
}

func (c *scriptedClient) snapshot() (int, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.pushed))
	for k, v := range c.pushed {
		out[k] = v
	}
	return c.calls, out
}

func testConfig() *queue.Config {
	cfg := queue.DefaultConfig("test-mirror")
	cfg.BatchSize = 10
	cfg.BatchTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func startWorker(t *testing.T, client platform.SubscriptionClient) (*Worker, *queue.MemoryDeadLetterQueue) {
	cfg := testConfig()
	q := queue.NewMemoryQueue(cfg)
	dlq := queue.NewMemoryDeadLetterQueue()
	w := NewWorker(q, dlq, client, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		w.Stop()
		cancel()
		q.Close()
	})
	return w, dlq
}

func job(user string, tier models.Tier) models.MirrorJob {
	return models.MirrorJob{UserID: user, Tier: tier, ProductID: "prod_" + string(tier), Trigger: models.TriggerSystem}
}

func TestWorker_PushesJob(t *testing.T) {
	client := &scriptedClient{}
	w, _ := startWorker(t, client)

	require.NoError(t, w.Enqueue(context.Background(), job("u1", models.TierFlower)))

	assert.Eventually(t, func() bool {
		_, pushed := client.snapshot()
		return pushed["u1"] == "prod_flower"
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_RetriesUnavailable(t *testing.T) {
	client := &scriptedClient{failures: 2, err: fmt.Errorf("%w: status 503", platform.ErrUnavailable)}
	w, dlq := startWorker(t, client)

	require.NoError(t, w.Enqueue(context.Background(), job("u1", models.TierNectar)))

	assert.Eventually(t, func() bool {
		_, pushed := client.snapshot()
		return pushed["u1"] == "prod_nectar"
	}, time.Second, 5*time.Millisecond)

	calls, _ := client.snapshot()
	assert.Equal(t, 3, calls)

	items, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWorker_DeadLettersAfterMaxRetries(t *testing.T) {
	client := &scriptedClient{failures: 100, err: platform.ErrUnavailable}
	w, dlq := startWorker(t, client)
	ctx := context.Background()

	require.NoError(t, w.Enqueue(ctx, job("u1", models.TierFlower)))

	var items []queue.DeadLetterItem
	require.Eventually(t, func() bool {
		items, _ = dlq.List(ctx, 0)
		return len(items) == 1
	}, time.Second, 5*time.Millisecond)

	calls, _ := client.snapshot()
	assert.Equal(t, 3, calls, "one attempt plus MaxRetries")
	assert.Equal(t, 3, items[0].Retries)
	assert.Contains(t, items[0].Error, "unavailable")
}

func TestWorker_RejectedGoesStraightToDLQ(t *testing.T) {
	client := &scriptedClient{failures: 100, err: fmt.Errorf("%w: status 422", platform.ErrRejected)}
	w, dlq := startWorker(t, client)
	ctx := context.Background()

	require.NoError(t, w.Enqueue(ctx, job("u1", models.TierFlower)))

	require.Eventually(t, func() bool {
		items, _ := dlq.List(ctx, 0)
		return len(items) == 1
	}, time.Second, 5*time.Millisecond)

	calls, _ := client.snapshot()
	assert.Equal(t, 1, calls)
}

func TestWorker_RetryDeadLetter(t *testing.T) {
	client := &scriptedClient{failures: 3, err: platform.ErrUnavailable}
	w, dlq := startWorker(t, client)
	ctx := context.Background()

	require.NoError(t, w.Enqueue(ctx, job("u1", models.TierSeed)))

	var items []queue.DeadLetterItem
	require.Eventually(t, func() bool {
		items, _ = w.DeadLetters(ctx, 0)
		return len(items) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.RetryDeadLetter(ctx, items[0].ID))

	assert.Eventually(t, func() bool {
		_, pushed := client.snapshot()
		return pushed["u1"] == "prod_seed"
	}, time.Second, 5*time.Millisecond)

	remaining, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	assert.ErrorIs(t, w.RetryDeadLetter(ctx, items[0].ID), queue.ErrItemNotFound)
}

func TestWorker_EnqueueValidates(t *testing.T) {
	w := NewWorker(queue.NewMemoryQueue(nil), nil, &scriptedClient{}, nil, nil)
	assert.Error(t, w.Enqueue(context.Background(), models.MirrorJob{UserID: "u1"}))

	_, err := w.DeadLetters(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrNoDeadLetterQueue))
}
