package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pollen_ledger/internal/models"
)

// MemoryUserStore is an in-process UserRepository used by tests and local
// runs. Each method holds the lock for its whole read-check-write, matching
// the single-statement semantics of the Postgres repository.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.LedgerUser
	now   func() time.Time
}

// NewMemoryUserStore creates an empty store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*models.LedgerUser), now: time.Now}
}

// Put inserts or replaces a row as-is
func (s *MemoryUserStore) Put(user *models.LedgerUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
}

// Create adds a spore row with zero balances
func (s *MemoryUserStore) Create(_ context.Context, id string) (*models.LedgerUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; ok {
		return nil, ErrUserExists
	}
	tier := models.DefaultTier
	now := s.now()
	user := &models.LedgerUser{ID: id, Tier: &tier, CreatedAt: now, UpdatedAt: now}
	s.users[id] = user
	cp := *user
	return &cp, nil
}

// Get returns a copy of the row
func (s *MemoryUserStore) Get(_ context.Context, id string) (*models.LedgerUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// AddToBucket adds amount to the pack or crypto bucket
func (s *MemoryUserStore) AddToBucket(_ context.Context, id string, bucket models.Bucket, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	field, err := bucketField(user, bucket)
	if err != nil {
		return err
	}
	*field = field.Add(amount)
	user.UpdatedAt = s.now()
	return nil
}

// DebitBucket subtracts amount unless the bucket would go negative
func (s *MemoryUserStore) DebitBucket(_ context.Context, id string, bucket models.Bucket, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	field, err := bucketField(user, bucket)
	if err != nil {
		return err
	}
	if field.LessThan(amount) {
		return ErrInsufficientBalance
	}
	*field = field.Sub(amount)
	user.UpdatedAt = s.now()
	return nil
}

// SetTierBalance sets the tier bucket to amount
func (s *MemoryUserStore) SetTierBalance(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.TierBalance = amount
	user.UpdatedAt = s.now()
	return nil
}

// UpgradeTier moves the user to target only from a tier in lower or no tier
func (s *MemoryUserStore) UpgradeTier(_ context.Context, id string, target models.Tier, lower []models.Tier, allowance decimal.Decimal, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return false, ErrUserNotFound
	}
	if user.Tier != nil && !containsTier(lower, *user.Tier) {
		return false, nil
	}
	assignTier(user, target, allowance, now)
	return true, nil
}

// SetTier moves the user to target unconditionally
func (s *MemoryUserStore) SetTier(_ context.Context, id string, target models.Tier, allowance decimal.Decimal, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	assignTier(user, target, allowance, now)
	return nil
}

// CountStaleTiered counts tiered users not granted since dayStart
func (s *MemoryUserStore) CountStaleTiered(_ context.Context, dayStart time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, user := range s.users {
		if user.Tier != nil && isStale(user, dayStart) {
			count++
		}
	}
	return count, nil
}

// RefillTierBalances resets every stale tiered row to its allowance
func (s *MemoryUserStore) RefillTierBalances(_ context.Context, tiers []models.Tier, allowances []decimal.Decimal, dayStart, now time.Time) (map[models.Tier]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amounts := make(map[models.Tier]decimal.Decimal, len(tiers))
	for i, t := range tiers {
		amounts[t] = allowances[i]
	}
	counts := make(map[models.Tier]int64)
	for _, user := range s.users {
		if user.Tier == nil || !isStale(user, dayStart) {
			continue
		}
		amount, ok := amounts[*user.Tier]
		if !ok {
			continue
		}
		user.TierBalance = amount
		grant := now
		user.LastTierGrant = &grant
		user.UpdatedAt = now
		counts[*user.Tier]++
	}
	return counts, nil
}

// ListByTiers pages users in tiers ordered by id, starting after afterID
func (s *MemoryUserStore) ListByTiers(_ context.Context, tiers []models.Tier, afterID string, limit int) ([]*models.LedgerUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*models.LedgerUser
	for _, user := range s.users {
		if user.Tier != nil && containsTier(tiers, *user.Tier) && user.ID > afterID {
			cp := *user
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func bucketField(user *models.LedgerUser, bucket models.Bucket) (*decimal.Decimal, error) {
	switch bucket {
	case models.BucketTier:
		return &user.TierBalance, nil
	case models.BucketPack:
		return &user.PackBalance, nil
	case models.BucketCrypto:
		return &user.CryptoBalance, nil
	}
	_, err := bucketColumn(bucket)
	return nil, err
}

func assignTier(user *models.LedgerUser, target models.Tier, allowance decimal.Decimal, now time.Time) {
	tier := target
	grant := now
	user.Tier = &tier
	user.TierBalance = allowance
	user.LastTierGrant = &grant
	user.UpdatedAt = now
}

func isStale(user *models.LedgerUser, dayStart time.Time) bool {
	return user.LastTierGrant == nil || user.LastTierGrant.Before(dayStart)
}

func containsTier(tiers []models.Tier, t models.Tier) bool {
	for _, candidate := range tiers {
		if candidate == t {
			return true
		}
	}
	return false
}

type memoryMarker struct {
	value     string
	marker    models.Marker
	expiresAt time.Time
}

// MemoryMarkerStore mirrors RedisMarkerStore semantics in process
type MemoryMarkerStore struct {
	mu      sync.Mutex
	markers map[string]memoryMarker
	Now     func() time.Time
}

// NewMemoryMarkerStore creates an empty marker store
func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{markers: make(map[string]memoryMarker), Now: time.Now}
}

func (s *MemoryMarkerStore) live(key string) (memoryMarker, bool) {
	m, ok := s.markers[key]
	if !ok {
		return memoryMarker{}, false
	}
	if !s.Now().Before(m.expiresAt) {
		delete(s.markers, key)
		return memoryMarker{}, false
	}
	return m, true
}

// TryAcquire takes a processing lease unless a live marker exists
func (s *MemoryMarkerStore) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return "", false, nil
	}
	lease := leasePrefix + uuid.NewString()
	s.markers[key] = memoryMarker{value: lease, expiresAt: s.Now().Add(ttl)}
	return lease, true, nil
}

// MarkProcessed replaces the lease with a processed marker
func (s *MemoryMarkerStore) MarkProcessed(_ context.Context, key string, marker models.Marker, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker.State = models.MarkerProcessed
	s.markers[key] = memoryMarker{value: string(models.MarkerProcessed), marker: marker, expiresAt: s.Now().Add(ttl)}
	return nil
}

// Release drops the marker only while it still holds lease
func (s *MemoryMarkerStore) Release(_ context.Context, key, lease string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.live(key); ok && m.value == lease {
		delete(s.markers, key)
	}
	return nil
}

// State reports the live marker state for key
func (s *MemoryMarkerStore) State(_ context.Context, key string) (models.MarkerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.live(key)
	if !ok {
		return "", ErrMarkerNotFound
	}
	if m.value == string(models.MarkerProcessed) {
		return models.MarkerProcessed, nil
	}
	return models.MarkerProcessing, nil
}

// MemoryPendingSpend is a fixed pending-spend source for tests
type MemoryPendingSpend struct {
	mu      sync.Mutex
	pending map[string]decimal.Decimal
}

// NewMemoryPendingSpend creates a source with no pending spend
func NewMemoryPendingSpend() *MemoryPendingSpend {
	return &MemoryPendingSpend{pending: make(map[string]decimal.Decimal)}
}

// Set fixes the pending total for a user
func (p *MemoryPendingSpend) Set(userID string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[userID] = amount
}

// Sum returns the pending total for userID, zero when unset
func (p *MemoryPendingSpend) Sum(_ context.Context, userID string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[userID], nil
}
