package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollen_ledger/internal/models"
	"pollen_ledger/internal/storage"
)

// flakyStore fails the first n credits
type flakyStore struct {
	*storage.MemoryUserStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) AddToBucket(ctx context.Context, id string, bucket models.Bucket, amount decimal.Decimal) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryUserStore.AddToBucket(ctx, id, bucket, amount)
}

// brokenMarkers fails the first n MarkProcessed calls
type brokenMarkers struct {
	*storage.MemoryMarkerStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *brokenMarkers) MarkProcessed(ctx context.Context, key string, marker models.Marker, ttl time.Duration) error {
	b.mu.Lock()
	b.calls++
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return errors.New("redis down")
	}
	b.mu.Unlock()
	return b.MemoryMarkerStore.MarkProcessed(ctx, key, marker, ttl)
}

func packEvent(id string, amount string) models.LedgerEvent {
	return models.LedgerEvent{
		EventID:  id,
		Provider: models.ProviderPolar,
		UserID:   "u1",
		Bucket:   models.BucketPack,
		Amount:   dec(amount),
	}
}

func TestApplier_DuplicateDelivery(t *testing.T) {
	store := storage.NewMemoryUserStore()
	markers := storage.NewMemoryMarkerStore()
	seed := models.TierSeed
	store.Put(&models.LedgerUser{ID: "u1", Tier: &seed, TierBalance: dec("5")})

	applier := NewApplier(markers, NewBalanceService(store, nil), DefaultApplierConfig())
	ctx := context.Background()
	event := packEvent("polar_benefit_grant:bg_1", "10")

	outcome, err := applier.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, outcome)

	outcome, err = applier.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, outcome)

	user, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, user.PackBalance.Equal(dec("10")), "got %s", user.PackBalance)
	assert.True(t, user.TierBalance.Equal(dec("5")))

	state, err := markers.State(ctx, "webhook_processed:polar_benefit_grant:bg_1")
	require.NoError(t, err)
	assert.Equal(t, models.MarkerProcessed, state)
}

func TestApplier_ConcurrentDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := storage.NewMemoryUserStore()
	store.Put(&models.LedgerUser{ID: "u1"})
	applier := NewApplier(storage.NewRedisMarkerStore(client), NewBalanceService(store, nil), DefaultApplierConfig())

	event := packEvent("nowpayments:4242", "7")
	outcomes := make(chan models.Outcome, 25)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := applier.Apply(context.Background(), event)
			if err == nil {
				outcomes <- outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[models.Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[models.OutcomeApplied])
	assert.Equal(t, 24, counts[models.OutcomeDuplicate])

	user, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, user.PackBalance.Equal(dec("7")), "got %s", user.PackBalance)
}

func TestApplier_ReleasesLockOnFailure(t *testing.T) {
	store := &flakyStore{MemoryUserStore: storage.NewMemoryUserStore(), failures: 1}
	store.Put(&models.LedgerUser{ID: "u1"})
	markers := storage.NewMemoryMarkerStore()
	applier := NewApplier(markers, NewBalanceService(store, nil), DefaultApplierConfig())
	ctx := context.Background()
	event := packEvent("checkout_session_evt", "20")

	_, err := applier.Apply(ctx, event)
	require.Error(t, err)

	_, err = markers.State(ctx, MarkerKey(event))
	assert.ErrorIs(t, err, storage.ErrMarkerNotFound, "failed mutation must not leave a marker")

	outcome, err := applier.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, outcome, "redelivery succeeds after release")

	user, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, user.PackBalance.Equal(dec("20")))
}

func TestApplier_UserNotFound(t *testing.T) {
	store := storage.NewMemoryUserStore()
	markers := storage.NewMemoryMarkerStore()
	applier := NewApplier(markers, NewBalanceService(store, nil), DefaultApplierConfig())
	ctx := context.Background()
	event := packEvent("polar_benefit_grant:bg_9", "10")

	outcome, err := applier.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUserNotFound, outcome)

	_, err = markers.State(ctx, MarkerKey(event))
	assert.ErrorIs(t, err, storage.ErrMarkerNotFound)
}

func TestApplier_MarkerCommitFailureStillBlocksRedelivery(t *testing.T) {
	store := storage.NewMemoryUserStore()
	store.Put(&models.LedgerUser{ID: "u1"})
	markers := &brokenMarkers{MemoryMarkerStore: storage.NewMemoryMarkerStore(), failures: 100}
	applier := NewApplier(markers, NewBalanceService(store, nil), DefaultApplierConfig())
	ctx := context.Background()
	event := packEvent("evt", "3")

	outcome, err := applier.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, outcome)
	assert.Equal(t, 2, markers.calls)

	outcome, err = applier.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, outcome)

	user, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, dec("3").Equal(user.PackBalance))
}

func TestApplier_MarkerCommitRetriedOnce(t *testing.T) {
	store := storage.NewMemoryUserStore()
	store.Put(&models.LedgerUser{ID: "u1"})
	markers := &brokenMarkers{MemoryMarkerStore: storage.NewMemoryMarkerStore(), failures: 1}
	applier := NewApplier(markers, NewBalanceService(store, nil), DefaultApplierConfig())
	ctx := context.Background()
	event := packEvent("evt", "3")

	outcome, err := applier.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, outcome)
	assert.Equal(t, 2, markers.calls)

	// committed as processed, so redelivery stays blocked past the lease
	state, err := markers.State(ctx, MarkerKey(event))
	require.NoError(t, err)
	assert.Equal(t, models.MarkerProcessed, state)

	markers.Now = func() time.Time { return time.Now().Add(DefaultApplierConfig().LockTTL + time.Minute) }
	outcome, err = applier.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, outcome)

	user, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, dec("3").Equal(user.PackBalance))
}

func TestApplier_RejectsInvalidEvents(t *testing.T) {
	store := storage.NewMemoryUserStore()
	store.Put(&models.LedgerUser{ID: "u1"})
	markers := storage.NewMemoryMarkerStore()
	applier := NewApplier(markers, NewBalanceService(store, nil), DefaultApplierConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		event models.LedgerEvent
	}{
		{name: "missing id", event: models.LedgerEvent{UserID: "u1", Bucket: models.BucketPack, Amount: dec("1")}},
		{name: "missing user", event: models.LedgerEvent{EventID: "e1", Bucket: models.BucketPack, Amount: dec("1")}},
		{name: "tier bucket", event: models.LedgerEvent{EventID: "e2", UserID: "u1", Bucket: models.BucketTier, Amount: dec("1")}},
		{name: "zero amount", event: models.LedgerEvent{EventID: "e3", UserID: "u1", Bucket: models.BucketPack, Amount: decimal.Zero}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applier.Apply(ctx, tt.event)
			require.Error(t, err)
			_, err = markers.State(ctx, MarkerKey(tt.event))
			assert.ErrorIs(t, err, storage.ErrMarkerNotFound, "no lock for invalid events")
		})
	}
}

func TestMarkerKey(t *testing.T) {
	assert.Equal(t, "webhook_processed:polar_benefit_grant:x", MarkerKey(models.LedgerEvent{EventID: "polar_benefit_grant:x"}))
	assert.Equal(t, "checkout_session:cs_1", MarkerKey(models.LedgerEvent{EventID: "cs_1", Scope: "checkout_session"}))
}
