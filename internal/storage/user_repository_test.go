package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollen_ledger/internal/models"
)

// setupTestDB connects to TEST_DATABASE_URL and skips when it is unset
func setupTestDB(t *testing.T) *DB {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres integration test")
	}

	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Skipf("Postgres not available for testing: %v", err)
	}
	db := NewDBFromConn(conn)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func testUserID() string {
	return "test-" + uuid.NewString()
}

func TestUserRepository_CreditIsAtomic(t *testing.T) {
	db := setupTestDB(t)
	repo := db.NewUserRepository()
	ctx := context.Background()
	id := testUserID()

	_, err := repo.Create(ctx, id)
	require.NoError(t, err)

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			done <- repo.AddToBucket(ctx, id, models.BucketPack, decimal.NewFromInt(5))
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}

	user, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, user.PackBalance.Equal(decimal.NewFromInt(100)), "got %s", user.PackBalance)

	err = repo.AddToBucket(ctx, testUserID(), models.BucketPack, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUserRepository_DebitGuard(t *testing.T) {
	db := setupTestDB(t)
	repo := db.NewUserRepository()
	ctx := context.Background()
	id := testUserID()

	_, err := repo.Create(ctx, id)
	require.NoError(t, err)
	require.NoError(t, repo.AddToBucket(ctx, id, models.BucketPack, decimal.NewFromInt(2)))

	assert.ErrorIs(t, repo.DebitBucket(ctx, id, models.BucketPack, decimal.NewFromInt(3)), ErrInsufficientBalance)
	require.NoError(t, repo.DebitBucket(ctx, id, models.BucketPack, decimal.NewFromInt(2)))
}

func TestUserRepository_UpgradeTierIsMonotonic(t *testing.T) {
	db := setupTestDB(t)
	repo := db.NewUserRepository()
	ctx := context.Background()
	id := testUserID()
	now := time.Now().UTC()

	_, err := repo.Create(ctx, id)
	require.NoError(t, err)

	changed, err := repo.UpgradeTier(ctx, id, models.TierFlower, models.TierFlower.Below(), decimal.NewFromInt(10), now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.UpgradeTier(ctx, id, models.TierSeed, models.TierSeed.Below(), decimal.NewFromInt(3), now)
	require.NoError(t, err)
	assert.False(t, changed)

	user, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TierFlower, user.CurrentTier())
}

func TestUserRepository_RefillOncePerDay(t *testing.T) {
	db := setupTestDB(t)
	repo := db.NewUserRepository()
	ctx := context.Background()
	id := testUserID()

	_, err := repo.Create(ctx, id)
	require.NoError(t, err)
	require.NoError(t, repo.SetTier(ctx, id, models.TierSeed, decimal.Zero, time.Now().Add(-48*time.Hour)))

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	tiers := []models.Tier{models.TierSeed}
	allowances := []decimal.Decimal{decimal.NewFromInt(3)}

	first, err := repo.RefillTierBalances(ctx, tiers, allowances, dayStart, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first[models.TierSeed], int64(1))

	require.NoError(t, repo.SetTierBalance(ctx, id, decimal.NewFromInt(1)))

	_, err = repo.RefillTierBalances(ctx, tiers, allowances, dayStart, now.Add(time.Minute))
	require.NoError(t, err)

	user, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, user.TierBalance.Equal(decimal.NewFromInt(1)), "second refill on the same day must not touch the row")
}
