package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/monetize/internal/pagination"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*TrackedEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func copyEvent(e *TrackedEvent) *TrackedEvent {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func (m *MemoryStore) Insert(_ context.Context, e *TrackedEvent) error {
	m.mu.Lock()
	m.events = append(m.events, copyEvent(e))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*TrackedEvent, error) {
	m.mu.RLock()
	var out []*TrackedEvent
	for _, e := range m.events {
		if e.TenantID != tenantID {
			continue
		}
		if after != nil && !olderThan(e, after) {
			continue
		}
		out = append(out, copyEvent(e))
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

func olderThan(e *TrackedEvent, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) CountByType(_ context.Context, tenantID string, since time.Time) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	for _, e := range m.events {
		if e.TenantID == tenantID && !e.OccurredAt.Before(since) {
			out[e.Type]++
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	n := 0
	for _, e := range m.events {
		if e.TenantID == tenantID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.events); i++ {
		m.events[i] = nil
	}
	m.events = kept
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
