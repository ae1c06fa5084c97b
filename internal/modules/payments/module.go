package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/notify"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/syncutil"
	"github.com/mbd888/monetize/internal/tenant"
	"github.com/mbd888/monetize/internal/tier"
)

// Tenants is the tenant store subset the payments module writes through.
type Tenants interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	SetTier(ctx context.Context, id string, t tier.Name) error
	SetStripeCustomerID(ctx context.Context, id, customerID string) error
}

// Dispatcher forwards revenue events to the other modules.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev registry.Event) (*registry.DispatchResult, error)
}

// PriceFunc returns the provider price id for a tier and billing period,
// or "" when none is configured.
type PriceFunc func(t tier.Name, period BillingPeriod) string

// Module is the payments module and the owner of every subscription.
type Module struct {
	store         Store
	provider      Provider
	ledger        *ledger.Ledger
	tenants       Tenants
	prices        PriceFunc
	webhookSecret func() string
	dispatcher    Dispatcher
	notifier      notify.Notifier
	enabled       func() bool
	now           func() time.Time

	// Serializes webhook handling per provider subscription.
	locks *syncutil.KeyedMutex
}

// Config holds the module's collaborators.
type Config struct {
	Store         Store
	Provider      Provider
	Ledger        *ledger.Ledger
	Tenants       Tenants
	Prices        PriceFunc
	WebhookSecret func() string
	Enabled       func() bool
}

type Option func(*Module)

// WithDispatcher emits subscription_payment events after a payment succeeds.
func WithDispatcher(d Dispatcher) Option { return func(m *Module) { m.dispatcher = d } }

// WithNotifier notifies tenants of payment failures and cancellations.
func WithNotifier(n notify.Notifier) Option { return func(m *Module) { m.notifier = n } }

func WithClock(now func() time.Time) Option { return func(m *Module) { m.now = now } }

func New(cfg Config, opts ...Option) *Module {
	m := &Module{
		store:         cfg.Store,
		provider:      cfg.Provider,
		ledger:        cfg.Ledger,
		tenants:       cfg.Tenants,
		prices:        cfg.Prices,
		webhookSecret: cfg.WebhookSecret,
		enabled:       cfg.Enabled,
		notifier:      notify.LogNotifier{},
		now:           time.Now,
		locks:         new(syncutil.KeyedMutex),
	}
	if m.enabled == nil {
		m.enabled = func() bool { return true }
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string   { return registry.Payments }
func (m *Module) IsActive() bool { return m.enabled() }

// -----------------------------------------------------------------------------
// Checkout and cancellation
// -----------------------------------------------------------------------------

// Checkout is the result of starting a subscription.
type Checkout struct {
	Subscription *Subscription `json:"subscription"`
	// ClientSecret confirms the first payment client-side.
	ClientSecret string `json:"clientSecret,omitempty"`
	AmountDue    int64  `json:"amountDue,omitempty"`
	Currency     string `json:"currency,omitempty"`
}

// CreateSubscription starts a paid subscription. The subscription is
// stored PENDING; the tier changes only when the first payment succeeds.
func (m *Module) CreateSubscription(ctx context.Context, tenantID string, t tier.Name, period BillingPeriod) (*Checkout, error) {
	if !tier.Paid(t) {
		return nil, apperr.Validation("invalid_tier", fmt.Sprintf("tier %q cannot be purchased", t))
	}
	if period == "" {
		period = BillingMonthly
	}
	if period != BillingMonthly && period != BillingYearly {
		return nil, apperr.Validation("invalid_billing_period", "billing period must be monthly or yearly")
	}
	if !m.provider.Configured() {
		return nil, apperr.Configuration("stripe_not_configured", "payment provider is not configured", nil)
	}
	priceID := m.prices(t, period)
	if priceID == "" {
		return nil, apperr.Configuration("price_not_configured",
			fmt.Sprintf("no price configured for %s %s", t, period), nil)
	}
	if _, err := m.store.GetOpen(ctx, tenantID); err == nil {
		return nil, ErrOpenSubscriptionExists
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	ten, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	customerID := ten.StripeCustomerID
	if customerID == "" {
		customerID, err = m.provider.CreateCustomer(ctx, CustomerInput{TenantID: ten.ID, Email: ten.Email, Name: ten.Name})
		if err != nil {
			return nil, err
		}
		if err := m.tenants.SetStripeCustomerID(ctx, ten.ID, customerID); err != nil {
			return nil, err
		}
	}

	ps, err := m.provider.CreateSubscription(ctx, SubscriptionInput{
		CustomerID: customerID, PriceID: priceID, TenantID: tenantID, Tier: string(t),
	})
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sub := &Subscription{
		ID:                     idgen.WithPrefix("subs_"),
		TenantID:               tenantID,
		ProviderSubscriptionID: ps.ID,
		ProviderCustomerID:     customerID,
		Tier:                   t,
		BillingPeriod:          period,
		Status:                 StatusPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := m.store.Create(ctx, sub); err != nil {
		if errors.Is(err, ErrOpenSubscriptionExists) {
			// Lost a race with a concurrent checkout; do not leave an
			// orphan at the provider.
			if cerr := m.provider.CancelSubscription(ctx, ps.ID); cerr != nil {
				logging.L(ctx).Warn("failed to cancel orphaned provider subscription",
					"provider_subscription_id", ps.ID, "error", cerr)
			}
		}
		return nil, err
	}
	logging.L(ctx).Info("subscription created", "tenant_id", tenantID, "tier", t,
		"provider_subscription_id", ps.ID)
	return &Checkout{
		Subscription: sub,
		ClientSecret: ps.ClientSecret,
		AmountDue:    ps.AmountDue,
		Currency:     strings.ToUpper(ps.Currency),
	}, nil
}

// CancelSubscription cancels the tenant's open subscription at the
// provider, then locally, and drops the tenant to the free tier.
func (m *Module) CancelSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := m.store.GetOpen(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := m.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID); err != nil {
		return nil, err
	}

	unlock, err := m.locks.LockContext(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.now().UTC()
	if err := m.store.UpdateStatus(ctx, sub.ID, StatusCancelled, now); err != nil {
		return nil, err
	}
	if err := m.tenants.SetTier(ctx, tenantID, tier.Free); err != nil {
		return nil, err
	}
	sub.Status = StatusCancelled
	sub.UpdatedAt = now
	sub.CancelledAt = &now
	logging.L(ctx).Info("subscription cancelled", "tenant_id", tenantID,
		"provider_subscription_id", sub.ProviderSubscriptionID)
	return sub, nil
}

// OpenSubscription returns the tenant's pending, active or past-due
// subscription.
func (m *Module) OpenSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	return m.store.GetOpen(ctx, tenantID)
}

// Subscriptions returns every subscription a tenant has had.
func (m *Module) Subscriptions(ctx context.Context, tenantID string) ([]*Subscription, error) {
	return m.store.ListByTenant(ctx, tenantID)
}

// DeleteTenant erases a tenant's subscription records. Cancel first.
func (m *Module) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	return m.store.DeleteByTenant(ctx, tenantID)
}

// -----------------------------------------------------------------------------
// Module capabilities
// -----------------------------------------------------------------------------

// ProcessEvent accepts subscription_payment events for invoices the webhook
// path has already recorded. Subscription revenue is written only from
// verified webhooks; an event naming an invoice the ledger does not hold
// for the tenant is rejected.
func (m *Module) ProcessEvent(ctx context.Context, ev registry.Event) error {
	if ev.Type != "subscription_payment" {
		return nil
	}
	txID := ev.String("transaction_id")
	if txID == "" {
		return fmt.Errorf("%w: subscription_payment requires transaction_id", ledger.ErrInvalidEvent)
	}
	_, err := m.ledger.Get(ctx, ev.TenantID, ledger.SourceSubscription, txID)
	return err
}

// SubscriptionData is the module's reporting view.
type SubscriptionData struct {
	Tier          tier.Name     `json:"tier"`
	Status        Status        `json:"status,omitempty"`
	BillingPeriod BillingPeriod `json:"billingPeriod,omitempty"`
	Revenue       string        `json:"revenue"`
}

func (m *Module) RevenueData(ctx context.Context, tenantID string, period ledger.Period) (any, error) {
	total, err := m.ledger.SourceTotal(ctx, tenantID, ledger.SourceSubscription, period)
	if err != nil {
		return nil, err
	}
	data := &SubscriptionData{Tier: tier.Free, Revenue: total.StringFixed(2)}
	sub, err := m.store.GetOpen(ctx, tenantID)
	switch {
	case err == nil:
		data.Status, data.BillingPeriod = sub.Status, sub.BillingPeriod
		if sub.Status.Grants() {
			data.Tier = sub.Tier
		}
	case !errors.Is(err, ErrSubscriptionNotFound):
		return nil, err
	}
	return data, nil
}

func (m *Module) OptimizationRecommendations(ctx context.Context, tenantID string) ([]registry.Recommendation, error) {
	sub, err := m.store.GetOpen(ctx, tenantID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusPastDue {
		return []registry.Recommendation{{
			Kind:     "payment_past_due",
			Priority: "high",
			Message:  "your last payment failed; update your payment method to keep your " + string(sub.Tier) + " plan",
		}}, nil
	}
	if sub.Status == StatusActive && sub.BillingPeriod == BillingMonthly {
		return []registry.Recommendation{{
			Kind:     "annual_billing",
			Priority: "low",
			Message:  "switch to yearly billing to reduce your subscription cost",
		}}, nil
	}
	return nil, nil
}

var (
	_ registry.Module          = (*Module)(nil)
	_ registry.RevenueReporter = (*Module)(nil)
	_ registry.Recommender     = (*Module)(nil)
)
