package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"pollen_ledger/internal/models"
)

// BalanceService is the read surface used by request authorization and the
// only path through which credits reach the store.
type BalanceService struct {
	store   BalanceStore
	pending PendingSpendTracker
}

// NewBalanceService creates a balance service
func NewBalanceService(store BalanceStore, pending PendingSpendTracker) *BalanceService {
	return &BalanceService{store: store, pending: pending}
}

// GetBalance returns the three bucket balances
func (s *BalanceService) GetBalance(ctx context.Context, userID string) (models.Balance, error) {
	user, err := s.store.Get(ctx, userID)
	if err != nil {
		return models.Balance{}, err
	}
	return user.Balance(), nil
}

// GetPendingSpend returns in-flight spend, zero when there is none
func (s *BalanceService) GetPendingSpend(ctx context.Context, userID string) (decimal.Decimal, error) {
	if s.pending == nil {
		return decimal.Zero, nil
	}
	pending, err := s.pending.Sum(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read pending spend: %w", err)
	}
	return pending, nil
}

// GetEffectiveBalance is max(0, tier + pack + crypto - pending)
func (s *BalanceService) GetEffectiveBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	snapshot, err := s.Snapshot(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return snapshot.Effective, nil
}

// Snapshot is everything the authorization path needs in one read.
type Snapshot struct {
	models.Balance
	Pending   decimal.Decimal `json:"pending_spend"`
	Effective decimal.Decimal `json:"effective_balance"`
}

// Snapshot reads the buckets and pending spend for userID and derives the
// effective balance.
func (s *BalanceService) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	pending, err := s.GetPendingSpend(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Balance:   balance,
		Pending:   pending,
		Effective: balance.Effective(pending),
	}, nil
}

// CreditPack adds purchased credit to the pack bucket
func (s *BalanceService) CreditPack(ctx context.Context, userID string, amount decimal.Decimal) error {
	return s.credit(ctx, userID, models.BucketPack, amount)
}

// CreditCrypto adds crypto top-up credit to its own bucket
func (s *BalanceService) CreditCrypto(ctx context.Context, userID string, amount decimal.Decimal) error {
	return s.credit(ctx, userID, models.BucketCrypto, amount)
}

// Credit routes an additive credit to bucket. The tier bucket is owned by
// refills and tier transitions and cannot be credited.
func (s *BalanceService) Credit(ctx context.Context, userID string, bucket models.Bucket, amount decimal.Decimal) error {
	switch bucket {
	case models.BucketPack, models.BucketCrypto:
		return s.credit(ctx, userID, bucket, amount)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBucket, bucket)
	}
}

func (s *BalanceService) credit(ctx context.Context, userID string, bucket models.Bucket, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return s.store.AddToBucket(ctx, userID, bucket, amount)
}

// Debit subtracts settled spend from a bucket; it never drives a bucket
// below zero.
func (s *BalanceService) Debit(ctx context.Context, userID string, bucket models.Bucket, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return s.store.DebitBucket(ctx, userID, bucket, amount)
}

// SetTierBalance overwrites the tier bucket
func (s *BalanceService) SetTierBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return s.store.SetTierBalance(ctx, userID, amount)
}
