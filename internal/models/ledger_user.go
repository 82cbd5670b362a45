package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerUser is the per-user ledger record. Rows are created at signup and
// never hard-deleted.
type LedgerUser struct {
	ID            string          `db:"id" json:"id"`
	Tier          *Tier           `db:"tier" json:"tier,omitempty"`
	TierBalance   decimal.Decimal `db:"tier_balance" json:"tier_balance"`
	PackBalance   decimal.Decimal `db:"pack_balance" json:"pack_balance"`
	CryptoBalance decimal.Decimal `db:"crypto_balance" json:"crypto_balance"`
	LastTierGrant *time.Time      `db:"last_tier_grant" json:"last_tier_grant,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// CurrentTier returns the user's tier, or "" when none is assigned.
func (u *LedgerUser) CurrentTier() Tier {
	if u.Tier == nil {
		return ""
	}
	return *u.Tier
}

// Balance returns the three bucket balances.
func (u *LedgerUser) Balance() Balance {
	return Balance{
		Tier:   u.TierBalance,
		Pack:   u.PackBalance,
		Crypto: u.CryptoBalance,
	}
}

// Balance is a snapshot of a user's three credit buckets.
type Balance struct {
	Tier   decimal.Decimal `json:"tier_balance"`
	Pack   decimal.Decimal `json:"pack_balance"`
	Crypto decimal.Decimal `json:"crypto_balance"`
}

// Total is the sum of all buckets.
func (b Balance) Total() decimal.Decimal {
	return b.Tier.Add(b.Pack).Add(b.Crypto)
}

// Effective subtracts in-flight spend and clamps at zero.
func (b Balance) Effective(pending decimal.Decimal) decimal.Decimal {
	effective := b.Total().Sub(pending)
	if effective.IsNegative() {
		return decimal.Zero
	}
	return effective
}
