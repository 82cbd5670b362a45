package platform

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryClient is an in-process SubscriptionClient used for local runs
// without platform credentials and in tests.
type MemoryClient struct {
	mu    sync.Mutex
	subs  map[string]Subscription
	Fail  error // when set, every call returns it
	Calls int
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{subs: make(map[string]Subscription)}
}

// Set installs an active subscription for a customer
func (m *MemoryClient) Set(externalCustomerID, productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[externalCustomerID] = Subscription{
		ID:        uuid.NewString(),
		Status:    "active",
		ProductID: productID,
	}
}

func (m *MemoryClient) GetActiveSubscription(ctx context.Context, externalCustomerID string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Fail != nil {
		return Subscription{}, m.Fail
	}
	sub, ok := m.subs[externalCustomerID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryClient) UpsertSubscription(ctx context.Context, externalCustomerID, productID string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Fail != nil {
		return Subscription{}, m.Fail
	}
	sub, ok := m.subs[externalCustomerID]
	if !ok {
		sub = Subscription{ID: uuid.NewString(), Status: "active"}
	}
	sub.ProductID = productID
	m.subs[externalCustomerID] = sub
	return sub, nil
}
