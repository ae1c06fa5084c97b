package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type eventKey struct {
	tenantID string
	source   Source
	extID    string
}

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[eventKey]*RevenueEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[eventKey]*RevenueEvent)}
}

func copyEvent(e *RevenueEvent) *RevenueEvent {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Insert(_ context.Context, e *RevenueEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey{e.TenantID, e.Source, e.ExternalTxID}
	if _, ok := m.events[k]; ok {
		return ErrDuplicateTransaction
	}
	m.events[k] = copyEvent(e)
	return nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, tenantID string, source Source, externalTxID string) (*RevenueEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[eventKey{tenantID, source, externalTxID}]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(e), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, tenantID string, source Source, externalTxID string, from, to Status, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventKey{tenantID, source, externalTxID}]
	if !ok {
		return ErrEventNotFound
	}
	if e.Status != from {
		return ErrStatusConflict
	}
	e.Status = to
	at := processedAt
	e.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*RevenueEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RevenueEvent
	for _, e := range m.events {
		if e.TenantID == tenantID {
			out = append(out, copyEvent(e))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListCompleted(_ context.Context, tenantID string, from, to time.Time) ([]*RevenueEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RevenueEvent
	for _, e := range m.events {
		if e.TenantID != tenantID || e.Status != StatusCompleted {
			continue
		}
		if e.OccurredAt.Before(from) || e.OccurredAt.After(to) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.events {
		if e.TenantID == tenantID {
			delete(m.events, k)
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(events []*RevenueEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].OccurredAt.After(events[j].OccurredAt)
	})
}

var _ Store = (*MemoryStore)(nil)
