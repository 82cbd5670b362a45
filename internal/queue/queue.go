package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Package queue carries outbound jobs between the part of the service that
// decides something must happen and the worker that does it.
//
// Two backends are provided:
//
//   - MemoryQueue: channel based, lost on restart. Used for local runs and tests.
//   - RedisQueue: a Redis list, survives restarts and can be shared by
//     several replicas.
//
// Payloads are stored as JSON. Dequeue always hands back json.RawMessage so
// callers decode the same way regardless of backend.

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue marshals item and appends it to the queue
	Enqueue(ctx context.Context, item any) error

	// DequeueWithTimeout returns up to maxItems payloads. It waits at most
	// timeout for the first one and returns an empty slice if none arrives.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]json.RawMessage, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	Close() error
}

// DeadLetterQueue holds payloads that exhausted their retries
type DeadLetterQueue interface {
	Add(ctx context.Context, payload json.RawMessage, err error, retries int) (DeadLetterItem, error)
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)
	Get(ctx context.Context, id string) (DeadLetterItem, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long a worker waits for the first item of a batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts per item
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    50,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   5,
		RetryBackoff: 2 * time.Second,
		QueueName:    queueName,
	}
}
