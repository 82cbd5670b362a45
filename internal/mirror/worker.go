package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/platform"
	"pollen_ledger/internal/queue"
	"pollen_ledger/internal/utils"
)

// ErrNoDeadLetterQueue is returned by dead letter operations when the worker
// was built without one.
var ErrNoDeadLetterQueue = errors.New("dead letter queue not configured")

// Worker pushes local tier changes to the subscription platform. Jobs are
// retried with exponential backoff and parked in the dead letter queue once
// retries run out; the reconciliation auditor picks up anything lost.
type Worker struct {
	queue    queue.Queue
	dlq      queue.DeadLetterQueue
	client   platform.SubscriptionClient
	config   *queue.Config
	metrics  *metrics.Metrics
	logger   *utils.Logger
	stopChan chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new mirror worker
func NewWorker(q queue.Queue, dlq queue.DeadLetterQueue, client platform.SubscriptionClient, config *queue.Config, m *metrics.Metrics) *Worker {
	if config == nil {
		config = queue.DefaultConfig("subscription_mirror")
	}

	return &Worker{
		queue:    q,
		dlq:      dlq,
		client:   client,
		config:   config,
		metrics:  m,
		logger:   utils.NewLogger("mirror-worker"),
		stopChan: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker and waits for the current batch
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stopped
	return nil
}

// Enqueue schedules a job
func (w *Worker) Enqueue(ctx context.Context, job models.MirrorJob) error {
	if job.UserID == "" || job.ProductID == "" {
		return fmt.Errorf("mirror job requires user and product")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return w.queue.Enqueue(ctx, job)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stopped)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Mirror worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Mirror worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
			return
		}
		w.logger.Error("Failed to dequeue mirror jobs", "error", err)
		w.sleep(ctx, time.Second)
		return
	}

	if len(items) == 0 {
		return
	}

	w.logger.Debug("Processing mirror batch", "count", len(items))

	for _, item := range items {
		if err := w.processItem(ctx, item); err != nil {
			w.logger.Error("Mirror job failed", "error", err)
		}
	}
}

// processItem pushes a single job with retries
func (w *Worker) processItem(ctx context.Context, raw json.RawMessage) error {
	var job models.MirrorJob
	if err := json.Unmarshal(raw, &job); err != nil {
		w.metrics.ObserveMirrorJob("malformed")
		return w.deadLetter(ctx, raw, fmt.Errorf("decode job: %w", err), 0)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying mirror job", "user_id", job.UserID, "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				return ctx.Err()
			}
		}
		attempts++

		_, err := w.client.UpsertSubscription(ctx, job.UserID, job.ProductID)
		if err == nil {
			w.metrics.ObserveMirrorJob("succeeded")
			w.logger.Info("Subscription mirrored", "user_id", job.UserID, "tier", job.Tier, "product_id", job.ProductID)
			return nil
		}
		lastErr = err
		w.logger.Warn("Mirror attempt failed", "user_id", job.UserID, "attempt", attempt, "error", err)

		if !errors.Is(err, platform.ErrUnavailable) {
			break
		}
	}

	w.metrics.ObserveMirrorJob("dead_lettered")
	return w.deadLetter(ctx, raw, lastErr, attempts)
}

func (w *Worker) deadLetter(ctx context.Context, raw json.RawMessage, cause error, attempts int) error {
	if w.dlq == nil {
		return fmt.Errorf("mirror job dropped after %d attempts: %w", attempts, cause)
	}
	item, err := w.dlq.Add(ctx, raw, cause, attempts)
	if err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	w.logger.Warn("Mirror job moved to DLQ", "dlq_id", item.ID, "attempts", attempts, "error", cause)
	return fmt.Errorf("mirror job dead-lettered: %w", cause)
}

// sleep waits for d unless the worker is stopped first
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// QueueLength returns the number of pending jobs
func (w *Worker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// DeadLetters lists parked jobs, oldest first
func (w *Worker) DeadLetters(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, ErrNoDeadLetterQueue
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetter puts a parked job back on the queue
func (w *Worker) RetryDeadLetter(ctx context.Context, id string) error {
	if w.dlq == nil {
		return ErrNoDeadLetterQueue
	}

	item, err := w.dlq.Get(ctx, id)
	if err != nil {
		return err
	}

	var job models.MirrorJob
	if err := json.Unmarshal(item.Payload, &job); err != nil {
		return fmt.Errorf("dead letter %s is not a mirror job: %w", id, err)
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to re-enqueue job: %w", err)
	}
	if err := w.dlq.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove from DLQ: %w", err)
	}
	return nil
}
