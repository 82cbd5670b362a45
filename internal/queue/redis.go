package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pollen_ledger/internal/utils"
)

// RedisQueue implements Queue using a Redis list. The client is shared with
// the rest of the service and is not closed by the queue.
type RedisQueue struct {
	client *redis.Client
	qKey   string
	logger *utils.Logger
}

// NewRedisQueue creates a new Redis-backed queue
func NewRedisQueue(client *redis.Client, config *Config) (*RedisQueue, error) {
	if client == nil || config == nil {
		return nil, fmt.Errorf("client and config are required")
	}

	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
		logger: utils.NewLogger("redis_queue"),
	}, nil
}

// Enqueue adds an item to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, item any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}

	return nil
}

// DequeueWithTimeout retrieves items with a timeout
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]json.RawMessage, error) {
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value
	items := []json.RawMessage{json.RawMessage(result[1])}

	if maxItems > 1 {
		rest, err := q.client.LPopCount(ctx, q.qKey, maxItems-1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			// The popped item is already off the list; hand it out and
			// leave the rest for the next call.
			q.logger.Error("failed to dequeue batch remainder", "queue", q.qKey, "error", err)
			return items, nil
		}
		for _, r := range rest {
			items = append(items, json.RawMessage(r))
		}
	}

	return items, nil
}

// Length returns the current queue length
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (q *RedisQueue) Close() error {
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash
type RedisDeadLetterQueue struct {
	client *redis.Client
	dlKey  string
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue
func NewRedisDeadLetterQueue(client *redis.Client, config *Config) (*RedisDeadLetterQueue, error) {
	if client == nil || config == nil {
		return nil, fmt.Errorf("client and config are required")
	}

	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", config.QueueName),
	}, nil
}

// Add adds a failed item to the dead letter queue
func (q *RedisDeadLetterQueue) Add(ctx context.Context, payload json.RawMessage, err error, retries int) (DeadLetterItem, error) {
	item := newDeadLetterItem(payload, err, retries, time.Now())

	data, marshalErr := json.Marshal(item)
	if marshalErr != nil {
		return DeadLetterItem{}, fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, item.ID, data).Err(); err != nil {
		return DeadLetterItem{}, fmt.Errorf("failed to add to dead letter queue: %w", err)
	}

	return item, nil
}

// List returns dead letter items, oldest first
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			continue // Skip malformed items
		}
		items = append(items, item)
	}

	return oldestFirst(items, maxItems), nil
}

func (q *RedisDeadLetterQueue) Get(ctx context.Context, id string) (DeadLetterItem, error) {
	data, err := q.client.HGet(ctx, q.dlKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return DeadLetterItem{}, ErrItemNotFound
	}
	if err != nil {
		return DeadLetterItem{}, fmt.Errorf("failed to read dead letter item: %w", err)
	}

	var item DeadLetterItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return DeadLetterItem{}, fmt.Errorf("failed to decode dead letter item: %w", err)
	}
	return item, nil
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	n, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
