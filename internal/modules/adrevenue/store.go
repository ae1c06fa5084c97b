package adrevenue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/monetize/internal/pagination"
)

// SiteStore persists sites.
type SiteStore interface {
	// Create returns ErrSiteURLTaken when the URL is already registered.
	Create(ctx context.Context, s *Site) error
	Get(ctx context.Context, id string) (*Site, error)
	// List returns a tenant's sites newest first, starting after cursor.
	List(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Site, error)
	CountActive(ctx context.Context, tenantID string) (int64, error)
	UpdateStatus(ctx context.Context, id string, status SiteStatus, at time.Time) error
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)
}

// StatsStore accumulates daily impression and click counts.
type StatsStore interface {
	Add(ctx context.Context, tenantID, siteID string, day time.Time, impressions, clicks int64) error
	// Since returns per-site totals for days >= since.
	Since(ctx context.Context, tenantID string, since time.Time) ([]AdStats, error)
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)
}

// -----------------------------------------------------------------------------
// In-memory stores
// -----------------------------------------------------------------------------

// MemorySiteStore is an in-memory SiteStore.
type MemorySiteStore struct {
	mu    sync.RWMutex
	sites map[string]*Site
	urls  map[string]string // url -> id
}

func NewMemorySiteStore() *MemorySiteStore {
	return &MemorySiteStore{sites: make(map[string]*Site), urls: make(map[string]string)}
}

func (m *MemorySiteStore) Create(_ context.Context, s *Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.urls[s.URL]; taken {
		return ErrSiteURLTaken
	}
	cp := *s
	m.sites[s.ID] = &cp
	m.urls[s.URL] = s.ID
	return nil
}

func (m *MemorySiteStore) Get(_ context.Context, id string) (*Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sites[id]
	if !ok {
		return nil, ErrSiteNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySiteStore) List(_ context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Site, error) {
	m.mu.RLock()
	var out []*Site
	for _, s := range m.sites {
		if s.TenantID == tenantID {
			cp := *s
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return newer(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	if after != nil {
		i := 0
		for i < len(out) && !newer(after.CreatedAt, after.ID, out[i].CreatedAt, out[i].ID) {
			i++
		}
		out = out[i:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySiteStore) CountActive(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, s := range m.sites {
		if s.TenantID == tenantID && s.Status == SiteActive {
			n++
		}
	}
	return n, nil
}

func (m *MemorySiteStore) UpdateStatus(_ context.Context, id string, status SiteStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok {
		return ErrSiteNotFound
	}
	s.Status = status
	s.UpdatedAt = at
	return nil
}

func (m *MemorySiteStore) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sites {
		if s.TenantID == tenantID {
			delete(m.urls, s.URL)
			delete(m.sites, id)
			n++
		}
	}
	return n, nil
}

// newer orders by (createdAt, id) descending.
func newer(at1 time.Time, id1 string, at2 time.Time, id2 string) bool {
	if at1.Equal(at2) {
		return id1 > id2
	}
	return at1.After(at2)
}

type statsKey struct {
	siteID string
	day    time.Time
}

// MemoryStatsStore is an in-memory StatsStore.
type MemoryStatsStore struct {
	mu    sync.Mutex
	stats map[statsKey]*AdStats
}

func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{stats: make(map[statsKey]*AdStats)}
}

func (m *MemoryStatsStore) Add(_ context.Context, tenantID, siteID string, day time.Time, impressions, clicks int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := statsKey{siteID, day}
	s, ok := m.stats[k]
	if !ok {
		s = &AdStats{TenantID: tenantID, SiteID: siteID, Day: day}
		m.stats[k] = s
	}
	s.Impressions += impressions
	s.Clicks += clicks
	return nil
}

func (m *MemoryStatsStore) Since(_ context.Context, tenantID string, since time.Time) ([]AdStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySite := make(map[string]*AdStats)
	for _, s := range m.stats {
		if s.TenantID != tenantID || s.Day.Before(since) {
			continue
		}
		agg, ok := bySite[s.SiteID]
		if !ok {
			agg = &AdStats{TenantID: tenantID, SiteID: s.SiteID, Day: since}
			bySite[s.SiteID] = agg
		}
		agg.Impressions += s.Impressions
		agg.Clicks += s.Clicks
	}
	out := make([]AdStats, 0, len(bySite))
	for _, s := range bySite {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out, nil
}

func (m *MemoryStatsStore) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.stats {
		if s.TenantID == tenantID {
			delete(m.stats, k)
			n++
		}
	}
	return n, nil
}

var (
	_ SiteStore  = (*MemorySiteStore)(nil)
	_ StatsStore = (*MemoryStatsStore)(nil)
)
