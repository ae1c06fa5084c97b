package automation

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/monetize/internal/pagination"
)

// Store persists tasks.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Task, error)
	// FindActive returns the tenant's active tasks of a type for a site.
	FindActive(ctx context.Context, tenantID string, typ TaskType, siteID string) ([]*Task, error)
	CountActive(ctx context.Context, tenantID string) (int64, error)
	CountByStatus(ctx context.Context, tenantID string) (map[Status]int64, error)
	Update(ctx context.Context, t *Task) error
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	m.mu.Lock()
	m.tasks[t.ID] = t.clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Task, error) {
	m.mu.RLock()
	var out []*Task
	for _, t := range m.tasks {
		if t.TenantID != tenantID {
			continue
		}
		if after != nil && !olderThan(t, after) {
			continue
		}
		out = append(out, t.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func olderThan(t *Task, c *pagination.Cursor) bool {
	if t.CreatedAt.Equal(c.CreatedAt) {
		return t.ID < c.ID
	}
	return t.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) FindActive(_ context.Context, tenantID string, typ TaskType, siteID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.TenantID == tenantID && t.Type == typ && t.SiteID == siteID && t.Status == StatusActive {
			out = append(out, t.clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) CountActive(ctx context.Context, tenantID string) (int64, error) {
	counts, err := m.CountByStatus(ctx, tenantID)
	return counts[StatusActive], err
}

func (m *MemoryStore) CountByStatus(_ context.Context, tenantID string) (map[Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Status]int64)
	for _, t := range m.tasks {
		if t.TenantID == tenantID {
			out[t.Status]++
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	m.tasks[t.ID] = t.clone()
	return nil
}

func (m *MemoryStore) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.TenantID == tenantID {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
