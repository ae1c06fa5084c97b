package app

import (
	"context"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/modules/analytics"
	"github.com/mbd888/monetize/internal/pagination"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/traces"
	"github.com/mbd888/monetize/internal/validation"
)

// EventInput is a tenant-submitted event.
type EventInput struct {
	Type   string         `json:"type" validate:"required,max=64"`
	SiteID string         `json:"siteId" validate:"omitempty,max=64"`
	Data   map[string]any `json:"data"`
}

// eventSubscriptionPayment is emitted by the payment webhook path only.
const eventSubscriptionPayment = "subscription_payment"

// Dispatch routes a tenant event through the module registry. Signups are
// gated by the subscribers limit like direct subscriber creation.
// Subscription payments are not accepted from tenants.
func (a *App) Dispatch(ctx context.Context, tenantID string, in EventInput) (*registry.DispatchResult, error) {
	ctx, span := traces.StartSpan(ctx, "app.Dispatch", traces.TenantID(tenantID), traces.EventType(in.Type))
	defer span.End()

	if err := validation.Struct(in); err != nil {
		return nil, classify(err)
	}
	if in.Type == eventSubscriptionPayment {
		return nil, apperr.Validation("reserved_event_type",
			"subscription_payment events are recorded from verified payment webhooks")
	}
	ev := registry.Event{
		Type:       in.Type,
		TenantID:   tenantID,
		SiteID:     in.SiteID,
		Data:       in.Data,
		OccurredAt: a.now().UTC(),
	}
	if in.Type == "newsletter_signup" && a.newsletter.IsActive() {
		var res *registry.DispatchResult
		err := a.gated(ctx, tenantID, ActionSubscribers, map[string]any{"event_type": in.Type}, func() error {
			r, err := a.registry.Dispatch(ctx, ev)
			res = r
			return err
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	res, err := a.registry.Dispatch(ctx, ev)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// RevenueReport is a ledger report plus each reporting module's own data.
type RevenueReport struct {
	*ledger.Report
	// Source is the filter applied, or "all".
	Source  string         `json:"source"`
	Modules map[string]any `json:"modules"`
}

// ReportFor sums a tenant's completed revenue over period. A source other
// than "" or "all" narrows the total and breakdown to that source.
func (a *App) ReportFor(ctx context.Context, tenantID, period, source string) (*RevenueReport, error) {
	p, err := ledger.ParsePeriod(period)
	if err != nil {
		return nil, classify(err)
	}
	if source == "" {
		source = "all"
	}
	if source != "all" && !ledger.ValidSource(ledger.Source(source)) {
		return nil, apperr.Validation("invalid_source",
			"source must be one of adsense, affiliate, sponsorship, subscription, all")
	}

	r, err := a.ledger.ReportFor(ctx, tenantID, p)
	if err != nil {
		return nil, classify(err)
	}
	if source != "all" {
		r = r.Only(ledger.Source(source))
	}

	return &RevenueReport{
		Report:  r,
		Source:  source,
		Modules: a.registry.RevenueData(ctx, tenantID, p),
	}, nil
}

// Events lists a tenant's tracked events newest first.
func (a *App) Events(ctx context.Context, tenantID string, limit int, cursor string) ([]*analytics.TrackedEvent, string, error) {
	page, next, err := a.analytics.Events(ctx, tenantID, pagination.ClampLimit(limit), cursor)
	if err != nil {
		return nil, "", classify(err)
	}
	return page, next, nil
}

// Recommendations collects suggestions from every active module that makes
// them.
func (a *App) Recommendations(ctx context.Context, tenantID string) []registry.Recommendation {
	return a.registry.Recommendations(ctx, tenantID)
}

// RunOptimizations applies every active module's optimizations.
func (a *App) RunOptimizations(ctx context.Context, tenantID string) []registry.OptimizationResult {
	results := a.registry.RunOptimizations(ctx, tenantID)
	changes := 0
	for _, r := range results {
		changes += len(r.Changes)
	}
	a.record(ctx, tenantID, "optimization_run", nil, map[string]any{"changes": changes})
	return results
}
