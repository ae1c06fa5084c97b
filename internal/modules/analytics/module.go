package analytics

import (
	"context"
	"time"

	"github.com/mbd888/monetize/internal/eventbus"
	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/pagination"
	"github.com/mbd888/monetize/internal/realtime"
	"github.com/mbd888/monetize/internal/registry"
)

// Broadcaster pushes events to live subscribers.
type Broadcaster interface {
	Publish(ev *realtime.Event)
}

// Module is the analytics module. Tracking is always on; the enabled flag
// only controls whether the module contributes to reports.
type Module struct {
	store     Store
	publisher eventbus.Publisher
	live      Broadcaster
	enabled   func() bool
	now       func() time.Time
}

type Option func(*Module)

// WithPublisher publishes every tracked event.
func WithPublisher(p eventbus.Publisher) Option { return func(m *Module) { m.publisher = p } }

// WithBroadcaster pushes every tracked event to the tenant's live feed.
func WithBroadcaster(b Broadcaster) Option { return func(m *Module) { m.live = b } }

func WithClock(now func() time.Time) Option { return func(m *Module) { m.now = now } }

func New(store Store, enabled func() bool, opts ...Option) *Module {
	m := &Module{
		store:     store,
		publisher: eventbus.Nop{},
		enabled:   enabled,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string { return registry.Analytics }

// IsActive is always true so that every dispatched event is tracked.
func (m *Module) IsActive() bool { return true }

// ProcessEvent stores ev, then publishes it. Publication failures are
// logged; the stored event is the record.
func (m *Module) ProcessEvent(ctx context.Context, ev registry.Event) error {
	te := &TrackedEvent{
		ID:         idgen.WithPrefix("evt_"),
		TenantID:   ev.TenantID,
		SiteID:     ev.SiteID,
		Type:       ev.Type,
		Source:     SourceFor(ev.Type),
		Data:       ev.Data,
		OccurredAt: ev.OccurredAt.UTC(),
		CreatedAt:  m.now().UTC(),
	}
	if te.OccurredAt.IsZero() {
		te.OccurredAt = te.CreatedAt
	}
	amount, hasAmount := ev.Decimal("amount")
	if hasAmount {
		te.Amount = amount.StringFixed(2)
	}
	if err := m.store.Insert(ctx, te); err != nil {
		return err
	}

	if err := m.publisher.Publish(ctx, te.TenantID, te); err != nil {
		logging.L(ctx).Warn("event bus publish failed", "event_type", te.Type, "error", err)
	}
	if m.live != nil {
		live := &realtime.Event{
			Type:      te.Type,
			TenantID:  te.TenantID,
			Source:    te.Source,
			Timestamp: te.OccurredAt,
			Data:      te.Data,
		}
		if hasAmount {
			live.Amount = amount.InexactFloat64()
		}
		m.live.Publish(live)
	}
	return nil
}

// Events returns one page of a tenant's tracked events.
func (m *Module) Events(ctx context.Context, tenantID string, limit int, cursor string) ([]*TrackedEvent, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	items, err := m.store.List(ctx, tenantID, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(e *TrackedEvent) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// AllEvents returns every tracked event of a tenant.
func (m *Module) AllEvents(ctx context.Context, tenantID string) ([]*TrackedEvent, error) {
	return m.store.List(ctx, tenantID, 0, nil)
}

func (m *Module) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	return m.store.DeleteByTenant(ctx, tenantID)
}

// Summary is the module's reporting view.
type Summary struct {
	Events int64            `json:"events"`
	ByType map[string]int64 `json:"byType"`
}

func (m *Module) RevenueData(ctx context.Context, tenantID string, period ledger.Period) (any, error) {
	if !m.enabled() {
		return nil, nil
	}
	from, _ := period.Window(m.now())
	counts, err := m.store.CountByType(ctx, tenantID, from)
	if err != nil {
		return nil, err
	}
	s := &Summary{ByType: counts}
	for _, n := range counts {
		s.Events += n
	}
	return s, nil
}

func (m *Module) OptimizationRecommendations(ctx context.Context, tenantID string) ([]registry.Recommendation, error) {
	from, _ := ledger.Period30d.Window(m.now())
	counts, err := m.store.CountByType(ctx, tenantID, from)
	if err != nil {
		return nil, err
	}
	if counts["content_view"] == 0 {
		return []registry.Recommendation{{
			Kind:     "no_traffic_data",
			Priority: "medium",
			Message:  "no content_view events in the last 30 days; install the tracking snippet to measure traffic",
		}}, nil
	}
	return nil, nil
}

var (
	_ registry.Module          = (*Module)(nil)
	_ registry.RevenueReporter = (*Module)(nil)
	_ registry.Recommender     = (*Module)(nil)
)
