package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pollen_ledger/internal/models"
	"pollen_ledger/internal/utils"
)

// DefaultMarkerScope prefixes marker keys for provider events
const DefaultMarkerScope = "webhook_processed"

// ApplierConfig controls marker lifetimes
type ApplierConfig struct {
	LockTTL      time.Duration
	ProcessedTTL time.Duration
}

// DefaultApplierConfig returns a two minute lease and 72 hour processed marker
func DefaultApplierConfig() ApplierConfig {
	return ApplierConfig{LockTTL: 2 * time.Minute, ProcessedTTL: 72 * time.Hour}
}

// Applier applies one external event to the ledger at most once:
// acquire marker, mutate, commit marker; on mutation failure the marker is
// released so the provider's redelivery can succeed.
type Applier struct {
	markers  MarkerStore
	balances *BalanceService
	config   ApplierConfig
	logger   *utils.Logger
	now      func() time.Time
}

// NewApplier creates an event applier
func NewApplier(markers MarkerStore, balances *BalanceService, config ApplierConfig) *Applier {
	return &Applier{
		markers:  markers,
		balances: balances,
		config:   config,
		logger:   utils.NewLogger("applier"),
		now:      time.Now,
	}
}

// MarkerKey returns the idempotency key for event
func MarkerKey(event models.LedgerEvent) string {
	scope := event.Scope
	if scope == "" {
		scope = DefaultMarkerScope
	}
	return scope + ":" + event.EventID
}

// Validate rejects events that can never be applied. Nothing is locked
// for an invalid event.
func Validate(event models.LedgerEvent) error {
	if event.EventID == "" {
		return fmt.Errorf("event has no id")
	}
	if event.UserID == "" {
		return fmt.Errorf("event %s has no user", event.EventID)
	}
	if event.Bucket != models.BucketPack && event.Bucket != models.BucketCrypto {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, event.Bucket)
	}
	if !event.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, event.Amount)
	}
	return nil
}

// Apply returns OutcomeApplied, OutcomeDuplicate or OutcomeUserNotFound.
// Any returned error means the event was not applied and its marker was
// released.
func (a *Applier) Apply(ctx context.Context, event models.LedgerEvent) (models.Outcome, error) {
	if err := Validate(event); err != nil {
		return "", err
	}

	key := MarkerKey(event)
	lease, acquired, err := a.markers.TryAcquire(ctx, key, a.config.LockTTL)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		a.logger.Info("duplicate event", "key", key, "user_id", event.UserID)
		return models.OutcomeDuplicate, nil
	}

	if err := a.balances.Credit(ctx, event.UserID, event.Bucket, event.Amount); err != nil {
		if relErr := a.markers.Release(ctx, key, lease); relErr != nil {
			a.logger.Error("failed to release lock", "key", key, "error", relErr)
		}
		if errors.Is(err, ErrUserNotFound) {
			a.logger.Warn("credit for unknown user", "key", key, "user_id", event.UserID)
			return models.OutcomeUserNotFound, nil
		}
		return "", fmt.Errorf("failed to credit %s: %w", event.Bucket, err)
	}

	marker := models.Marker{
		EventID:     event.EventID,
		UserID:      event.UserID,
		Bucket:      event.Bucket,
		Amount:      event.Amount,
		ProcessedAt: a.now().UTC(),
	}
	if err := a.commitMarker(ctx, key, marker); err != nil {
		// The credit is committed. The lease keeps blocking redelivery
		// until it expires.
		a.logger.Error("credit applied but marker not committed", "key", key, "user_id", event.UserID, "error", err)
	}

	a.logger.Info("credit applied",
		"key", key,
		"user_id", event.UserID,
		"bucket", string(event.Bucket),
		"amount", event.Amount.String(),
	)
	return models.OutcomeApplied, nil
}

// markerCommitAttempts bounds MarkProcessed calls after a successful credit.
const markerCommitAttempts = 2

func (a *Applier) commitMarker(ctx context.Context, key string, marker models.Marker) error {
	var err error
	for attempt := 1; attempt <= markerCommitAttempts; attempt++ {
		if err = a.markers.MarkProcessed(ctx, key, marker, a.config.ProcessedTTL); err == nil {
			return nil
		}
		if attempt < markerCommitAttempts {
			a.logger.Warn("marker commit failed, retrying", "key", key, "error", err)
		}
	}
	return err
}
