package app

import (
	"context"

	"github.com/mbd888/monetize/internal/modules/payments"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/tier"
)

// CreateSubscription starts a paid subscription for the tenant.
func (a *App) CreateSubscription(ctx context.Context, tenantID string, t tier.Name, period payments.BillingPeriod) (*payments.Checkout, error) {
	if err := a.requireModule(registry.Payments); err != nil {
		return nil, err
	}
	co, err := a.payments.CreateSubscription(ctx, tenantID, t, period)
	err = classify(err)
	a.record(ctx, tenantID, "subscription_create", err, map[string]any{
		"tier":           string(t),
		"billing_period": string(period),
	})
	if err != nil {
		return nil, err
	}
	return co, nil
}

// CancelSubscription cancels the tenant's open subscription.
func (a *App) CancelSubscription(ctx context.Context, tenantID string) (*payments.Subscription, error) {
	sub, err := a.payments.CancelSubscription(ctx, tenantID)
	err = classify(err)
	a.record(ctx, tenantID, "subscription_cancel", err, nil)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscription returns the tenant's open subscription.
func (a *App) Subscription(ctx context.Context, tenantID string) (*payments.Subscription, error) {
	sub, err := a.payments.OpenSubscription(ctx, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	return sub, nil
}

// HandleWebhook verifies and applies a provider webhook. Signature and
// configuration failures are returned; every verified event, handled or
// not, is acknowledged.
func (a *App) HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*payments.WebhookResult, error) {
	res, err := a.payments.HandleWebhook(ctx, provider, payload, signature)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}
