// Package app is the composition root. It builds every module over its
// stores, registers them with the module registry, wires the entitlement
// guard to live counters, and exposes the tenant operations the transport
// layer calls.
//
// Every exported operation returns errors classified as *apperr.Error.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/monetize/internal/activity"
	"github.com/mbd888/monetize/internal/auth"
	"github.com/mbd888/monetize/internal/entitlement"
	"github.com/mbd888/monetize/internal/eventbus"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/modules/adrevenue"
	"github.com/mbd888/monetize/internal/modules/analytics"
	"github.com/mbd888/monetize/internal/modules/automation"
	"github.com/mbd888/monetize/internal/modules/newsletter"
	"github.com/mbd888/monetize/internal/modules/payments"
	"github.com/mbd888/monetize/internal/notify"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/settings"
	"github.com/mbd888/monetize/internal/syncutil"
	"github.com/mbd888/monetize/internal/tenant"
	"github.com/mbd888/monetize/internal/tier"
)

// -----------------------------------------------------------------------------
// Stores
// -----------------------------------------------------------------------------

// Stores holds one store per tenant-scoped collection.
type Stores struct {
	Settings      settings.Store
	Tenants       tenant.Store
	APIKeys       auth.Store
	Activity      activity.Store
	Ledger        ledger.Store
	Sites         adrevenue.SiteStore
	AdStats       adrevenue.StatsStore
	Subscribers   newsletter.Store
	Analytics     analytics.Store
	Tasks         automation.Store
	Subscriptions payments.Store
}

// NewMemoryStores returns in-process stores for development and tests.
func NewMemoryStores() Stores {
	return Stores{
		Settings:      settings.NewMemoryStore(),
		Tenants:       tenant.NewMemoryStore(),
		APIKeys:       auth.NewMemoryStore(),
		Activity:      activity.NewMemoryStore(),
		Ledger:        ledger.NewMemoryStore(),
		Sites:         adrevenue.NewMemorySiteStore(),
		AdStats:       adrevenue.NewMemoryStatsStore(),
		Subscribers:   newsletter.NewMemoryStore(),
		Analytics:     analytics.NewMemoryStore(),
		Tasks:         automation.NewMemoryStore(),
		Subscriptions: payments.NewMemoryStore(),
	}
}

// NewPostgresStores returns stores backed by db.
func NewPostgresStores(db *sql.DB) Stores {
	return Stores{
		Settings:      settings.NewPostgresStore(db),
		Tenants:       tenant.NewPostgresStore(db),
		APIKeys:       auth.NewPostgresStore(db),
		Activity:      activity.NewPostgresStore(db),
		Ledger:        ledger.NewPostgresStore(db),
		Sites:         adrevenue.NewPostgresSiteStore(db),
		AdStats:       adrevenue.NewPostgresStatsStore(db),
		Subscribers:   newsletter.NewPostgresStore(db),
		Analytics:     analytics.NewPostgresStore(db),
		Tasks:         automation.NewPostgresStore(db),
		Subscriptions: payments.NewPostgresStore(db),
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Migrate creates the tables of every store that owns a schema. Memory
// stores have none. Tenants come first so later tables can reference them.
func (s Stores) Migrate(ctx context.Context) error {
	all := []any{
		s.Tenants, s.Settings, s.APIKeys, s.Activity, s.Ledger, s.Sites,
		s.AdStats, s.Subscribers, s.Analytics, s.Tasks, s.Subscriptions,
	}
	for _, st := range all {
		m, ok := st.(migrator)
		if !ok {
			continue
		}
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate %T: %w", st, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// App
// -----------------------------------------------------------------------------

// Config holds the collaborators New wires together. Provider and Settings
// are required; the rest fall back to no-op or logging implementations.
type Config struct {
	Stores      Stores
	Settings    *settings.Manager
	Provider    payments.Provider
	MailingList newsletter.MailingList
	Notifier    notify.Notifier
	Publisher   eventbus.Publisher
	Broadcaster analytics.Broadcaster
	Clock       func() time.Time
}

// App is the assembled platform.
type App struct {
	settings *settings.Manager
	tenants  tenant.Store
	keys     *auth.Manager
	activity activity.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	guard    *entitlement.Guard
	admit    syncutil.KeyedMutex

	adrevenue  *adrevenue.Module
	newsletter *newsletter.Module
	analytics  *analytics.Module
	automation *automation.Module
	payments   *payments.Module

	now func() time.Time
}

// New assembles the platform.
func New(cfg Config) (*App, error) {
	if cfg.Settings == nil {
		return nil, errors.New("app: settings are required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("app: payment provider is required")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	st := cfg.Stores
	set := cfg.Settings
	enabled := func(module string) func() bool {
		return func() bool { return set.ModuleEnabled(module) }
	}

	a := &App{
		settings: set,
		tenants:  st.Tenants,
		keys:     auth.NewManager(st.APIKeys),
		activity: st.Activity,
		ledger:   ledger.New(st.Ledger, ledger.WithClock(now)),
		registry: registry.New(),
		now:      now,
	}
	a.guard = entitlement.New(set.Tiers, entitlement.TierResolverFunc(a.resolveTier))

	a.automation = automation.New(st.Tasks, enabled(registry.Automation),
		automation.WithAdmission(func(ctx context.Context, tenantID string) error {
			return a.guard.Require(ctx, tenantID, tier.ActionAutomationTask)
		}),
		automation.WithClock(now),
	)
	a.adrevenue = adrevenue.New(st.Sites, st.AdStats, a.ledger, enabled(registry.AdRevenue),
		adrevenue.WithTargetCTR(func() float64 { return set.Float("modules.adsense.target_ctr", 0.01) }),
		adrevenue.WithRefreshScheduler(a.automation),
		adrevenue.WithClock(now),
	)

	nlOpts := []newsletter.Option{
		newsletter.WithDoubleOptIn(func() bool { return set.Bool("apis.mailchimp.double_optin") }),
		newsletter.WithSiteCheck(func(ctx context.Context, tenantID, siteID string) error {
			_, err := a.adrevenue.Site(ctx, tenantID, siteID)
			return err
		}),
		newsletter.WithClock(now),
	}
	if cfg.MailingList != nil {
		nlOpts = append(nlOpts, newsletter.WithMailingList(cfg.MailingList))
	}
	a.newsletter = newsletter.New(st.Subscribers, enabled(registry.Newsletter), nlOpts...)

	anOpts := []analytics.Option{analytics.WithClock(now)}
	if cfg.Publisher != nil {
		anOpts = append(anOpts, analytics.WithPublisher(cfg.Publisher))
	}
	if cfg.Broadcaster != nil {
		anOpts = append(anOpts, analytics.WithBroadcaster(cfg.Broadcaster))
	}
	a.analytics = analytics.New(st.Analytics, enabled(registry.Analytics), anOpts...)

	payOpts := []payments.Option{payments.WithDispatcher(a.registry), payments.WithClock(now)}
	if cfg.Notifier != nil {
		payOpts = append(payOpts, payments.WithNotifier(cfg.Notifier))
	}
	a.payments = payments.New(payments.Config{
		Store:         st.Subscriptions,
		Provider:      cfg.Provider,
		Ledger:        a.ledger,
		Tenants:       st.Tenants,
		Prices:        a.priceFor,
		WebhookSecret: func() string { return set.String("apis.stripe.webhook_secret", "") },
		Enabled:       enabled(registry.Payments),
	}, payOpts...)

	for _, m := range []registry.Module{a.adrevenue, a.newsletter, a.analytics, a.automation, a.payments} {
		if err := a.registry.Register(m); err != nil {
			return nil, err
		}
	}

	a.guard.
		WithCounter(tier.Sites, a.adrevenue.CountActive).
		WithCounter(tier.Subscribers, a.newsletter.CountActive).
		WithCounter(tier.AutomationTasks, a.automation.CountActive).
		WithCounter(tier.APICalls, a.countAPICallsToday).
		WithCounter(tier.MonthlyRevenue, a.monthlyRevenue)

	return a, nil
}

// Settings returns the live settings tree.
func (a *App) Settings() *settings.Manager { return a.settings }

// Keys returns the API key manager.
func (a *App) Keys() *auth.Manager { return a.keys }

// Tenants returns the tenant store.
func (a *App) Tenants() tenant.Store { return a.tenants }

// Registry returns the module registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// resolveTier prefers the tier of a paying subscription, then the tenant
// record (which carries administrative overrides), then free.
func (a *App) resolveTier(ctx context.Context, tenantID string) (tier.Name, error) {
	sub, err := a.payments.OpenSubscription(ctx, tenantID)
	switch {
	case err == nil && sub.Status.Grants():
		return sub.Tier, nil
	case err != nil && !errors.Is(err, payments.ErrSubscriptionNotFound):
		return "", err
	}
	t, err := a.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.EffectiveTier(), nil
}

func (a *App) priceFor(t tier.Name, period payments.BillingPeriod) string {
	key := "pricing." + string(t) + ".price_id"
	if period == payments.BillingYearly {
		key = "pricing." + string(t) + ".yearly_price_id"
	}
	return a.settings.String(key, "")
}

func (a *App) countAPICallsToday(ctx context.Context, tenantID string) (int64, error) {
	return a.activity.CountSince(ctx, tenantID, string(tier.ActionAPICall), activity.StartOfDay(a.now()))
}

// monthlyRevenue counts whole units of completed revenue over the trailing
// 30 days in the default currency.
func (a *App) monthlyRevenue(ctx context.Context, tenantID string) (int64, error) {
	r, err := a.ledger.ReportFor(ctx, tenantID, ledger.Period30d)
	if err != nil {
		return 0, err
	}
	return r.Total.IntPart(), nil
}
