package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists subscriptions and processed webhook event ids.
type Store interface {
	// Create returns ErrOpenSubscriptionExists when the tenant already has
	// an open subscription and ErrDuplicateProviderID when the provider id
	// is taken.
	Create(ctx context.Context, s *Subscription) error
	GetByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	// GetOpen returns the tenant's pending, active or past-due subscription.
	GetOpen(ctx context.Context, tenantID string) (*Subscription, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error)
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)

	// WebhookProcessed reports whether an event id was already applied.
	WebhookProcessed(ctx context.Context, provider, eventID string) (bool, error)
	// MarkWebhookProcessed remembers an applied event id. Marking twice is
	// not an error.
	MarkWebhookProcessed(ctx context.Context, provider, eventID, eventType string, at time.Time) error
}

type webhookKey struct {
	provider string
	eventID  string
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	webhooks map[webhookKey]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:     make(map[string]*Subscription),
		webhooks: make(map[webhookKey]time.Time),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subs {
		if existing.ProviderSubscriptionID == s.ProviderSubscriptionID {
			return ErrDuplicateProviderID
		}
		if s.Status.Open() && existing.TenantID == s.TenantID && existing.Status.Open() {
			return ErrOpenSubscriptionExists
		}
	}
	m.subs[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) GetByProviderID(_ context.Context, providerSubscriptionID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.ProviderSubscriptionID == providerSubscriptionID {
			return s.clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetOpen(_ context.Context, tenantID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.TenantID == tenantID && s.Status.Open() {
			return s.clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*Subscription, error) {
	m.mu.RLock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.TenantID == tenantID {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if status.Open() && !s.Status.Open() {
		for _, other := range m.subs {
			if other.ID != id && other.TenantID == s.TenantID && other.Status.Open() {
				return ErrOpenSubscriptionExists
			}
		}
	}
	s.Status = status
	s.UpdatedAt = at
	if status == StatusCancelled {
		s.CancelledAt = &at
	}
	return nil
}

func (m *MemoryStore) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.subs {
		if s.TenantID == tenantID {
			delete(m.subs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) WebhookProcessed(_ context.Context, provider, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.webhooks[webhookKey{provider, eventID}]
	return ok, nil
}

func (m *MemoryStore) MarkWebhookProcessed(_ context.Context, provider, eventID, _ string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := webhookKey{provider, eventID}
	if _, ok := m.webhooks[k]; !ok {
		m.webhooks[k] = at
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
