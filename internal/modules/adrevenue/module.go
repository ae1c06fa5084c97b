package adrevenue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/monetize/internal/activity"
	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/pagination"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/validation"
)

var ErrMissingTransaction = errors.New("adrevenue: revenue event needs amount and transaction_id")

// minImpressions is the sample size below which CTR is not judged.
const minImpressions = 100

// RefreshScheduler schedules an ad refresh for a site. It reports false
// when one is already scheduled.
type RefreshScheduler interface {
	ScheduleAdRefresh(ctx context.Context, tenantID, siteID string) (bool, error)
}

// Module is the ad revenue module.
type Module struct {
	sites     SiteStore
	stats     StatsStore
	ledger    *ledger.Ledger
	enabled   func() bool
	targetCTR func() float64
	refresher RefreshScheduler
	now       func() time.Time
}

// Option configures a Module.
type Option func(*Module)

// WithTargetCTR sets the click-through rate below which a site is flagged.
func WithTargetCTR(f func() float64) Option { return func(m *Module) { m.targetCTR = f } }

// WithRefreshScheduler lets RunOptimization schedule ad refreshes.
func WithRefreshScheduler(r RefreshScheduler) Option { return func(m *Module) { m.refresher = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Module) { m.now = now } }

// New creates the module. enabled is consulted on every IsActive call.
func New(sites SiteStore, stats StatsStore, l *ledger.Ledger, enabled func() bool, opts ...Option) *Module {
	m := &Module{
		sites:     sites,
		stats:     stats,
		ledger:    l,
		enabled:   enabled,
		targetCTR: func() float64 { return 0.01 },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string   { return registry.AdRevenue }
func (m *Module) IsActive() bool { return m.enabled() }

// -----------------------------------------------------------------------------
// Sites
// -----------------------------------------------------------------------------

// SiteInput is the payload for creating a site.
type SiteInput struct {
	Name                 string `json:"name" validate:"required,max=200"`
	URL                  string `json:"url" validate:"required,max=2048,siteurl"`
	Platform             string `json:"platform" validate:"omitempty,oneof=wordpress custom"`
	AdsensePublisherID   string `json:"adsensePublisherId" validate:"omitempty,max=64,extid"`
	AnalyticsTrackingID  string `json:"analyticsTrackingId" validate:"omitempty,max=64,extid"`
	NewsletterAudienceID string `json:"newsletterAudienceId" validate:"omitempty,max=64,extid"`
}

// CreateSite stores a new active site. The URL is normalized before the
// uniqueness check. Callers gate this with the create_site entitlement.
func (m *Module) CreateSite(ctx context.Context, tenantID string, in SiteInput) (*Site, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	platform := Platform(in.Platform)
	if platform == "" {
		platform = PlatformWordPress
	}
	now := m.now().UTC()
	s := &Site{
		ID:                   idgen.WithPrefix("site_"),
		TenantID:             tenantID,
		Name:                 validation.SanitizeString(in.Name, 200),
		URL:                  validation.NormalizeURL(in.URL),
		Platform:             platform,
		AdsensePublisherID:   in.AdsensePublisherID,
		AnalyticsTrackingID:  in.AnalyticsTrackingID,
		NewsletterAudienceID: in.NewsletterAudienceID,
		Status:               SiteActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := m.sites.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Site returns a tenant's site. Sites of other tenants are not found.
func (m *Module) Site(ctx context.Context, tenantID, id string) (*Site, error) {
	s, err := m.sites.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.TenantID != tenantID {
		return nil, ErrSiteNotFound
	}
	return s, nil
}

// ListSites returns one page of a tenant's sites and the next cursor.
func (m *Module) ListSites(ctx context.Context, tenantID string, limit int, cursor string) ([]*Site, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	items, err := m.sites.List(ctx, tenantID, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(s *Site) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	return page, next, nil
}

// SetSiteStatus moves a tenant's site through its lifecycle.
func (m *Module) SetSiteStatus(ctx context.Context, tenantID, id string, to SiteStatus) (*Site, error) {
	s, err := m.Site(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if s.Status == to {
		return s, nil
	}
	if !CanTransition(s.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	at := m.now().UTC()
	if err := m.sites.UpdateStatus(ctx, id, to, at); err != nil {
		return nil, err
	}
	s.Status = to
	s.UpdatedAt = at
	return s, nil
}

// CountActive counts a tenant's active sites.
func (m *Module) CountActive(ctx context.Context, tenantID string) (int64, error) {
	return m.sites.CountActive(ctx, tenantID)
}

// AllSites returns every site of a tenant.
func (m *Module) AllSites(ctx context.Context, tenantID string) ([]*Site, error) {
	return m.sites.List(ctx, tenantID, 0, nil)
}

// DeleteTenant erases a tenant's sites and ad stats.
func (m *Module) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	n, err := m.sites.DeleteByTenant(ctx, tenantID)
	if err != nil {
		return n, err
	}
	s, err := m.stats.DeleteByTenant(ctx, tenantID)
	return n + s, err
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// ProcessEvent tracks impressions and clicks and records revenue-bearing
// events in the ledger.
func (m *Module) ProcessEvent(ctx context.Context, ev registry.Event) error {
	if ev.SiteID != "" {
		if _, err := m.Site(ctx, ev.TenantID, ev.SiteID); err != nil {
			return err
		}
	}
	day := activity.StartOfDay(m.now())

	switch ev.Type {
	case "adsense_impression":
		return m.stats.Add(ctx, ev.TenantID, ev.SiteID, day, ev.Int("count", 1), 0)
	case "adsense_click":
		if err := m.stats.Add(ctx, ev.TenantID, ev.SiteID, day, 0, ev.Int("count", 1)); err != nil {
			return err
		}
		if _, ok := ev.Decimal("amount"); !ok {
			return nil
		}
		return m.recordRevenue(ctx, ev, ledger.SourceAdsense)
	case "affiliate_sale":
		return m.recordRevenue(ctx, ev, ledger.SourceAffiliate)
	case "sponsorship_payment":
		return m.recordRevenue(ctx, ev, ledger.SourceSponsorship)
	default:
		return nil
	}
}

func (m *Module) recordRevenue(ctx context.Context, ev registry.Event, source ledger.Source) error {
	amount, ok := ev.Decimal("amount")
	txID := ev.String("transaction_id")
	if !ok || txID == "" {
		return ErrMissingTransaction
	}
	meta := map[string]any{"event_type": ev.Type}
	for _, k := range []string{"program", "sponsor", "campaign"} {
		if v := ev.String(k); v != "" {
			meta[k] = v
		}
	}
	_, _, err := m.ledger.Upsert(ctx, ledger.RevenueEvent{
		TenantID:     ev.TenantID,
		SiteID:       ev.SiteID,
		Source:       source,
		Amount:       amount.Round(2),
		Currency:     strings.ToUpper(ev.String("currency")),
		ExternalTxID: txID,
		Status:       ledger.StatusCompleted,
		Metadata:     meta,
		OccurredAt:   ev.OccurredAt,
	})
	return err
}

// -----------------------------------------------------------------------------
// Reporting and optimization
// -----------------------------------------------------------------------------

// RevenueData is the module's view of a period.
type RevenueData struct {
	Adsense     decimal.Decimal `json:"adsense"`
	Affiliate   decimal.Decimal `json:"affiliate"`
	Sponsorship decimal.Decimal `json:"sponsorship"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	CTR         float64         `json:"ctr"`
}

func (m *Module) RevenueData(ctx context.Context, tenantID string, period ledger.Period) (any, error) {
	report, err := m.ledger.ReportFor(ctx, tenantID, period)
	if err != nil {
		return nil, err
	}
	from, _ := period.Window(m.now())
	stats, err := m.stats.Since(ctx, tenantID, activity.StartOfDay(from))
	if err != nil {
		return nil, err
	}
	d := &RevenueData{
		Adsense:     report.BySource[ledger.SourceAdsense],
		Affiliate:   report.BySource[ledger.SourceAffiliate],
		Sponsorship: report.BySource[ledger.SourceSponsorship],
	}
	for _, s := range stats {
		d.Impressions += s.Impressions
		d.Clicks += s.Clicks
	}
	d.CTR = AdStats{Impressions: d.Impressions, Clicks: d.Clicks}.CTR()
	return d, nil
}

func (m *Module) lowCTRSites(ctx context.Context, tenantID string) ([]AdStats, error) {
	from, _ := ledger.Period30d.Window(m.now())
	stats, err := m.stats.Since(ctx, tenantID, activity.StartOfDay(from))
	if err != nil {
		return nil, err
	}
	target := m.targetCTR()
	var low []AdStats
	for _, s := range stats {
		if s.Impressions >= minImpressions && s.CTR() < target {
			low = append(low, s)
		}
	}
	return low, nil
}

func (m *Module) OptimizationRecommendations(ctx context.Context, tenantID string) ([]registry.Recommendation, error) {
	var recs []registry.Recommendation

	sites, err := m.AllSites(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, s := range sites {
		if s.Status == SiteActive && s.AdsensePublisherID == "" {
			recs = append(recs, registry.Recommendation{
				Kind:     "missing_publisher_id",
				Priority: "medium",
				Message:  fmt.Sprintf("%s has no AdSense publisher id; ads cannot be served", s.URL),
			})
		}
	}

	low, err := m.lowCTRSites(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, s := range low {
		recs = append(recs, registry.Recommendation{
			Kind:     "low_ctr",
			Priority: "high",
			Message: fmt.Sprintf("site %s CTR %.2f%% is below the %.2f%% target; refresh ad placements",
				s.SiteID, s.CTR()*100, m.targetCTR()*100),
		})
	}
	return recs, nil
}

// RunOptimization schedules an ad refresh for every low-CTR site.
func (m *Module) RunOptimization(ctx context.Context, tenantID string) (*registry.OptimizationResult, error) {
	res := &registry.OptimizationResult{Changes: []string{}}
	if m.refresher == nil {
		return res, nil
	}
	low, err := m.lowCTRSites(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, s := range low {
		created, err := m.refresher.ScheduleAdRefresh(ctx, tenantID, s.SiteID)
		if err != nil {
			return nil, err
		}
		if created {
			res.Changes = append(res.Changes, "scheduled ad refresh for site "+s.SiteID)
		}
	}
	return res, nil
}

var (
	_ registry.Module          = (*Module)(nil)
	_ registry.RevenueReporter = (*Module)(nil)
	_ registry.Recommender     = (*Module)(nil)
	_ registry.Optimizer       = (*Module)(nil)
)
