package newsletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/monetize/internal/pagination"
)

// Store persists subscribers.
type Store interface {
	// Create returns ErrSubscriberExists when (tenant, email, site) is taken.
	Create(ctx context.Context, s *Subscriber) error
	Get(ctx context.Context, id string) (*Subscriber, error)
	GetByEmail(ctx context.Context, tenantID, email, siteID string) (*Subscriber, error)
	List(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Subscriber, error)
	CountActive(ctx context.Context, tenantID string) (int64, error)
	CountSince(ctx context.Context, tenantID string, since time.Time) (int64, error)
	Update(ctx context.Context, s *Subscriber) error
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)
}

type emailKey struct {
	tenantID string
	email    string
	siteID   string
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Subscriber
	byEmail map[emailKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Subscriber), byEmail: make(map[emailKey]string)}
}

func (m *MemoryStore) Create(_ context.Context, s *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := emailKey{s.TenantID, s.Email, s.SiteID}
	if _, ok := m.byEmail[k]; ok {
		return ErrSubscriberExists
	}
	m.byID[s.ID] = s.clone()
	m.byEmail[k] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrSubscriberNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, tenantID, email, siteID string) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[emailKey{tenantID, email, siteID}]
	if !ok {
		return nil, ErrSubscriberNotFound
	}
	return m.byID[id].clone(), nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Subscriber, error) {
	m.mu.RLock()
	var out []*Subscriber
	for _, s := range m.byID {
		if s.TenantID == tenantID {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if after != nil {
		i := 0
		for i < len(out) && !before(out[i], after) {
			i++
		}
		out = out[i:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// before reports whether s sorts strictly after the cursor position.
func before(s *Subscriber, c *pagination.Cursor) bool {
	if s.CreatedAt.Equal(c.CreatedAt) {
		return s.ID < c.ID
	}
	return s.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) CountActive(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, s := range m.byID {
		if s.TenantID == tenantID && s.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountSince(_ context.Context, tenantID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, s := range m.byID {
		if s.TenantID == tenantID && !s.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Update(_ context.Context, s *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; !ok {
		return ErrSubscriberNotFound
	}
	m.byID[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.byID {
		if s.TenantID == tenantID {
			delete(m.byEmail, emailKey{s.TenantID, s.Email, s.SiteID})
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
