package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"pollen_ledger/internal/models"
)

// BalanceStore is the persisted per-user balance record.
type BalanceStore interface {
	Get(ctx context.Context, id string) (*models.LedgerUser, error)
	AddToBucket(ctx context.Context, id string, bucket models.Bucket, amount decimal.Decimal) error
	DebitBucket(ctx context.Context, id string, bucket models.Bucket, amount decimal.Decimal) error
	SetTierBalance(ctx context.Context, id string, amount decimal.Decimal) error
}

// PendingSpendTracker reports in-flight request cost for a user.
type PendingSpendTracker interface {
	Sum(ctx context.Context, userID string) (decimal.Decimal, error)
}

// MarkerStore is the durable lock/marker primitive. TryAcquire must be an
// atomic conditional put with TTL.
type MarkerStore interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (lease string, ok bool, err error)
	MarkProcessed(ctx context.Context, key string, marker models.Marker, ttl time.Duration) error
	Release(ctx context.Context, key, lease string) error
}
