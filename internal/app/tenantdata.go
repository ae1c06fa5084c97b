package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/monetize/internal/activity"
	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/auth"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/modules/adrevenue"
	"github.com/mbd888/monetize/internal/modules/analytics"
	"github.com/mbd888/monetize/internal/modules/automation"
	"github.com/mbd888/monetize/internal/modules/newsletter"
	"github.com/mbd888/monetize/internal/modules/payments"
	"github.com/mbd888/monetize/internal/tenant"
	"github.com/mbd888/monetize/internal/traces"
)

// Export is everything stored for one tenant.
type Export struct {
	Tenant        *tenant.Tenant            `json:"tenant"`
	Subscriptions []*payments.Subscription  `json:"subscriptions"`
	Sites         []*adrevenue.Site         `json:"sites"`
	Subscribers   []*newsletter.Subscriber  `json:"subscribers"`
	Tasks         []*automation.Task        `json:"automationTasks"`
	RevenueEvents []*ledger.RevenueEvent    `json:"revenueEvents"`
	TrackedEvents []*analytics.TrackedEvent `json:"trackedEvents"`
	Activity      []*activity.Entry         `json:"activity"`
	APIKeys       []*auth.APIKey            `json:"apiKeys"`
	ExportedAt    time.Time                 `json:"exportedAt"`
}

// ExportTenantData collects every tenant-scoped record. The collections are
// read concurrently; the first failure cancels the rest.
func (a *App) ExportTenantData(ctx context.Context, tenantID string) (*Export, error) {
	ctx, span := traces.StartSpan(ctx, "app.ExportTenantData", traces.TenantID(tenantID))
	defer span.End()

	t, err := a.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	out := &Export{Tenant: t, ExportedAt: a.now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.Subscriptions, err = a.payments.Subscriptions(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		out.Sites, err = a.adrevenue.AllSites(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		out.Subscribers, err = a.newsletter.AllSubscribers(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		out.Tasks, err = a.automation.AllTasks(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		out.RevenueEvents, err = a.ledger.ListByTenant(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		out.TrackedEvents, err = a.analytics.AllEvents(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		out.Activity, err = a.activity.ListByTenant(gctx, tenantID, 0)
		return err
	})
	g.Go(func() (err error) {
		out.APIKeys, err = a.keys.ListKeys(gctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, classify(err)
	}

	a.record(ctx, tenantID, "data_export", nil, nil)
	return out, nil
}

// Erasure reports what DeleteTenantData removed.
type Erasure struct {
	TenantID              string         `json:"tenantId"`
	SubscriptionCancelled bool           `json:"subscriptionCancelled"`
	Deleted               map[string]int `json:"deleted"`
}

// DeleteTenantData erases a tenant. An open subscription is cancelled at
// the provider first; if that fails nothing is erased, so the tenant is
// never left paying for a deleted account.
func (a *App) DeleteTenantData(ctx context.Context, tenantID string) (*Erasure, error) {
	ctx, span := traces.StartSpan(ctx, "app.DeleteTenantData", traces.TenantID(tenantID))
	defer span.End()

	if _, err := a.tenants.Get(ctx, tenantID); err != nil {
		return nil, classify(err)
	}

	res := &Erasure{TenantID: tenantID, Deleted: make(map[string]int)}
	switch _, err := a.payments.CancelSubscription(ctx, tenantID); {
	case err == nil:
		res.SubscriptionCancelled = true
	case !errors.Is(err, payments.ErrSubscriptionNotFound):
		return nil, classify(err)
	}

	steps := []struct {
		name  string
		erase func(context.Context, string) (int, error)
	}{
		{"sites", a.adrevenue.DeleteTenant},
		{"subscribers", a.newsletter.DeleteTenant},
		{"automation_tasks", a.automation.DeleteTenant},
		{"tracked_events", a.analytics.DeleteTenant},
		{"revenue_events", a.ledger.DeleteByTenant},
		{"subscriptions", a.payments.DeleteTenant},
		{"activity", a.activity.DeleteByTenant},
		{"api_keys", a.keys.DeleteTenantKeys},
	}
	for _, s := range steps {
		n, err := s.erase(ctx, tenantID)
		if err != nil {
			return nil, apperr.Internal(fmt.Errorf("erase %s: %w", s.name, err))
		}
		res.Deleted[s.name] = n
	}
	if err := a.tenants.Delete(ctx, tenantID); err != nil {
		return nil, apperr.Internal(fmt.Errorf("erase tenant: %w", err))
	}
	res.Deleted["tenant"] = 1

	logging.L(ctx).Info("tenant data erased", "tenant_id", tenantID,
		"subscription_cancelled", res.SubscriptionCancelled, "deleted", res.Deleted)
	return res, nil
}
