package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"pollen_ledger/internal/models"
)

const userColumns = `id, tier, tier_balance, pack_balance, crypto_balance, last_tier_grant, created_at, updated_at`

// UserRepository handles ledger rows in Postgres. Every balance change is a
// single statement; no method reads a balance and writes it back.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// bucketColumn whitelists the column a bucket maps to.
func bucketColumn(bucket models.Bucket) (string, error) {
	switch bucket {
	case models.BucketTier:
		return "tier_balance", nil
	case models.BucketPack:
		return "pack_balance", nil
	case models.BucketCrypto:
		return "crypto_balance", nil
	default:
		return "", fmt.Errorf("unknown bucket %q", bucket)
	}
}

// Create inserts a signup row at the default tier with zero balances
func (r *UserRepository) Create(ctx context.Context, id string) (*models.LedgerUser, error) {
	query := `
		INSERT INTO users (id, tier)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + userColumns

	var user models.LedgerUser
	err := r.db.conn.GetContext(ctx, &user, query, id, string(models.DefaultTier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

// Get retrieves a ledger row by user ID
func (r *UserRepository) Get(ctx context.Context, id string) (*models.LedgerUser, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var user models.LedgerUser
	err := r.db.conn.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// AddToBucket atomically adds amount to one balance column
func (r *UserRepository) AddToBucket(ctx context.Context, id string, bucket models.Bucket, amount decimal.Decimal) error {
	column, err := bucketColumn(bucket)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE users
		SET %[1]s = %[1]s + $2, updated_at = NOW()
		WHERE id = $1
	`, column)

	result, err := r.db.conn.ExecContext(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", column, err)
	}
	return requireRow(result, ErrUserNotFound)
}

// DebitBucket atomically subtracts amount, refusing to go below zero
func (r *UserRepository) DebitBucket(ctx context.Context, id string, bucket models.Bucket, amount decimal.Decimal) error {
	column, err := bucketColumn(bucket)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE users
		SET %[1]s = %[1]s - $2, updated_at = NOW()
		WHERE id = $1 AND %[1]s >= $2
	`, column)

	result, err := r.db.conn.ExecContext(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", column, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrInsufficientBalance
	}
	return nil
}

// SetTierBalance overwrites the tier bucket
func (r *UserRepository) SetTierBalance(ctx context.Context, id string, amount decimal.Decimal) error {
	query := `
		UPDATE users
		SET tier_balance = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.conn.ExecContext(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("failed to set tier balance: %w", err)
	}
	return requireRow(result, ErrUserNotFound)
}

// UpgradeTier moves the user to target only while their current tier is
// one of lower (or unset). The rank check and the write are one statement,
// so two racing upgrades cannot both apply a downgrade. Returns false when
// the row exists but was not changed.
func (r *UserRepository) UpgradeTier(ctx context.Context, id string, target models.Tier, lower []models.Tier, allowance decimal.Decimal, now time.Time) (bool, error) {
	query := `
		UPDATE users
		SET tier = $2, tier_balance = $3, last_tier_grant = $4, updated_at = $4
		WHERE id = $1 AND (tier IS NULL OR tier = ANY($5))
	`
	result, err := r.db.conn.ExecContext(ctx, query, id, string(target), allowance, now, pq.Array(tierStrings(lower)))
	if err != nil {
		return false, fmt.Errorf("failed to upgrade tier: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetTier unconditionally assigns a tier and its allowance
func (r *UserRepository) SetTier(ctx context.Context, id string, target models.Tier, allowance decimal.Decimal, now time.Time) error {
	query := `
		UPDATE users
		SET tier = $2, tier_balance = $3, last_tier_grant = $4, updated_at = $4
		WHERE id = $1
	`
	result, err := r.db.conn.ExecContext(ctx, query, id, string(target), allowance, now)
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	return requireRow(result, ErrUserNotFound)
}

// CountStaleTiered counts tiered users whose last grant predates dayStart
func (r *UserRepository) CountStaleTiered(ctx context.Context, dayStart time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM users
		WHERE tier IS NOT NULL
		  AND (last_tier_grant IS NULL OR last_tier_grant < $1)
	`
	var count int64
	if err := r.db.conn.GetContext(ctx, &count, query, dayStart); err != nil {
		return 0, fmt.Errorf("failed to count stale users: %w", err)
	}
	return count, nil
}

// RefillTierBalances resets every stale tiered user's tier balance to its
// allowance in one set-based statement and reports how many users of each
// tier were refilled.
func (r *UserRepository) RefillTierBalances(ctx context.Context, tiers []models.Tier, allowances []decimal.Decimal, dayStart, now time.Time) (map[models.Tier]int64, error) {
	if len(tiers) != len(allowances) {
		return nil, fmt.Errorf("tiers and allowances length mismatch")
	}

	amounts := make([]string, len(allowances))
	for i, a := range allowances {
		amounts[i] = a.String()
	}

	query := `
		WITH allowance AS (
			SELECT tier, amount
			FROM unnest($1::text[], $2::numeric[]) AS a(tier, amount)
		), refilled AS (
			UPDATE users u
			SET tier_balance = allowance.amount, last_tier_grant = $4, updated_at = $4
			FROM allowance
			WHERE u.tier = allowance.tier
			  AND (u.last_tier_grant IS NULL OR u.last_tier_grant < $3)
			RETURNING u.tier
		)
		SELECT tier, COUNT(*) AS users
		FROM refilled
		GROUP BY tier
	`

	rows, err := r.db.conn.QueryxContext(ctx, query, pq.Array(tierStrings(tiers)), pq.Array(amounts), dayStart, now)
	if err != nil {
		return nil, fmt.Errorf("failed to refill tier balances: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Tier]int64)
	for rows.Next() {
		var tier models.Tier
		var users int64
		if err := rows.Scan(&tier, &users); err != nil {
			return nil, fmt.Errorf("failed to scan refill count: %w", err)
		}
		counts[tier] = users
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read refill counts: %w", err)
	}
	return counts, nil
}

// ListByTiers pages through users holding one of tiers, ordered by ID.
// Pass the last ID of the previous page as afterID.
func (r *UserRepository) ListByTiers(ctx context.Context, tiers []models.Tier, afterID string, limit int) ([]*models.LedgerUser, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE tier = ANY($1) AND id > $2
		ORDER BY id
		LIMIT $3
	`
	var users []*models.LedgerUser
	if err := r.db.conn.SelectContext(ctx, &users, query, pq.Array(tierStrings(tiers)), afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func tierStrings(tiers []models.Tier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
