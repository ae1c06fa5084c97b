package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/metrics"
	"github.com/mbd888/monetize/internal/notify"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/tier"
	"github.com/mbd888/monetize/internal/traces"
)

// ProviderStripe is the only webhook provider.
const ProviderStripe = "stripe"

// Webhook outcomes.
const (
	OutcomeApplied             = "applied"
	OutcomeDuplicate           = "duplicate"
	OutcomeIgnored             = "ignored"
	OutcomeUnknownSubscription = "unknown_subscription"
)

// VerifySignature checks a Stripe-Signature header against secret and
// returns the parsed event. It has no side effects.
func VerifySignature(payload []byte, header, secret string) (stripe.Event, error) {
	if secret == "" {
		return stripe.Event{}, apperr.Configuration("webhook_secret_missing", "webhook secret is not configured", nil)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, apperr.Provider("invalid_signature", "webhook signature verification failed",
			fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	return ev, nil
}

// WebhookResult describes what a delivery did.
type WebhookResult struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
}

// HandleWebhook verifies and applies one provider delivery. Redeliveries
// and unhandled types succeed without side effects, so the provider stops
// retrying them.
func (m *Module) HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*WebhookResult, error) {
	if provider != ProviderStripe {
		return nil, apperr.Validation("unknown_provider", fmt.Sprintf("unsupported webhook provider %q", provider))
	}
	ev, err := VerifySignature(payload, signature, m.webhookSecret())
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unverified", "rejected").Inc()
		logging.L(ctx).Warn("webhook rejected", "provider", provider, "error", err)
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "payments.HandleWebhook",
		traces.WebhookEventID(ev.ID), traces.EventType(string(ev.Type)))
	defer span.End()

	res := &WebhookResult{EventID: ev.ID, Type: string(ev.Type)}
	seen, err := m.store.WebhookProcessed(ctx, provider, ev.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		res.Outcome = OutcomeDuplicate
	} else {
		res.Outcome, err = m.apply(ctx, ev)
		if err != nil {
			metrics.WebhookEventsTotal.WithLabelValues(res.Type, "error").Inc()
			span.RecordError(err)
			logging.L(ctx).Error("webhook processing failed", "event_id", ev.ID, "type", ev.Type, "error", err)
			return nil, err
		}
		if err := m.store.MarkWebhookProcessed(ctx, provider, ev.ID, res.Type, m.now().UTC()); err != nil {
			logging.L(ctx).Warn("failed to remember webhook event", "event_id", ev.ID, "error", err)
		}
	}

	metrics.WebhookEventsTotal.WithLabelValues(res.Type, res.Outcome).Inc()
	logging.L(ctx).Info("webhook processed", "event_id", ev.ID, "type", ev.Type, "outcome", res.Outcome)
	return res, nil
}

func (m *Module) apply(ctx context.Context, ev stripe.Event) (string, error) {
	switch ev.Type {
	case stripe.EventTypeInvoicePaymentSucceeded:
		inv, err := decodeInvoice(ev)
		if err != nil {
			return "", err
		}
		return m.withSubscription(ctx, invoiceSubscriptionID(inv), func(sub *Subscription) error {
			return m.onPaymentSucceeded(ctx, sub, inv)
		})
	case stripe.EventTypeInvoicePaymentFailed:
		inv, err := decodeInvoice(ev)
		if err != nil {
			return "", err
		}
		return m.withSubscription(ctx, invoiceSubscriptionID(inv), func(sub *Subscription) error {
			return m.onPaymentFailed(ctx, sub, inv)
		})
	case stripe.EventTypeCustomerSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return "", apperr.Validation("invalid_payload", "webhook subscription could not be decoded")
		}
		return m.withSubscription(ctx, s.ID, func(sub *Subscription) error {
			return m.onSubscriptionDeleted(ctx, sub)
		})
	default:
		return OutcomeIgnored, nil
	}
}

func decodeInvoice(ev stripe.Event) (*stripe.Invoice, error) {
	var inv stripe.Invoice
	if ev.Data == nil {
		return nil, apperr.Validation("invalid_payload", "webhook event has no data")
	}
	if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
		return nil, apperr.Validation("invalid_payload", "webhook invoice could not be decoded")
	}
	return &inv, nil
}

func invoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv.Subscription == nil {
		return ""
	}
	return inv.Subscription.ID
}

// withSubscription runs fn under the subscription's lock. Events for a
// subscription this service did not create are acknowledged and skipped.
func (m *Module) withSubscription(ctx context.Context, providerID string, fn func(*Subscription) error) (string, error) {
	if providerID == "" {
		return OutcomeIgnored, nil
	}
	unlock, err := m.locks.LockContext(ctx, providerID)
	if err != nil {
		return "", err
	}
	defer unlock()

	sub, err := m.store.GetByProviderID(ctx, providerID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		logging.L(ctx).Warn("webhook for unknown subscription", "provider_subscription_id", providerID)
		return OutcomeUnknownSubscription, nil
	}
	if err != nil {
		return "", err
	}
	if err := fn(sub); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// amountFromCents converts a provider minor-unit amount.
func amountFromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func (m *Module) onPaymentSucceeded(ctx context.Context, sub *Subscription, inv *stripe.Invoice) error {
	amount := amountFromCents(inv.AmountPaid)
	currency := strings.ToUpper(string(inv.Currency))
	rev, applied, err := m.ledger.Upsert(ctx, ledger.RevenueEvent{
		TenantID:     sub.TenantID,
		Source:       ledger.SourceSubscription,
		Amount:       amount,
		Currency:     currency,
		ExternalTxID: inv.ID,
		Status:       ledger.StatusCompleted,
		OccurredAt:   invoiceTime(inv, m.now()),
		Metadata:     map[string]any{"subscription_id": sub.ProviderSubscriptionID, "tier": string(sub.Tier)},
	})
	if err != nil {
		return err
	}

	// changed is true when this delivery wrote anything. A retry after a
	// partial failure finishes the writes and still emits the payment.
	changed := applied
	wasActive := sub.Status == StatusActive
	switch sub.Status {
	case StatusCancelled:
		// A late payment for a cancelled subscription is revenue, not a
		// reactivation.
		logging.L(ctx).Info("payment for cancelled subscription recorded",
			"provider_subscription_id", sub.ProviderSubscriptionID, "invoice_id", inv.ID)
	default:
		if !wasActive {
			if err := m.store.UpdateStatus(ctx, sub.ID, StatusActive, m.now().UTC()); err != nil {
				return err
			}
			changed = true
		}
		set, err := m.ensureTier(ctx, sub.TenantID, sub.Tier)
		if err != nil {
			return err
		}
		changed = changed || set
	}

	if changed && m.dispatcher != nil {
		_, err := m.dispatcher.Dispatch(ctx, registry.Event{
			Type:     "subscription_payment",
			TenantID: sub.TenantID,
			Data: map[string]any{
				"amount":          rev.Amount.StringFixed(2),
				"currency":        rev.Currency,
				"transaction_id":  inv.ID,
				"subscription_id": sub.ProviderSubscriptionID,
				"tier":            string(sub.Tier),
			},
			OccurredAt: rev.OccurredAt,
		})
		if err != nil {
			logging.L(ctx).Warn("subscription_payment dispatch failed", "invoice_id", inv.ID, "error", err)
		}
	}
	if !wasActive && sub.Status != StatusCancelled {
		m.send(ctx, sub, notify.KindSubscriptionActivated, "Your "+string(sub.Tier)+" plan is active", map[string]any{
			"tier": string(sub.Tier),
		})
	}
	return nil
}

// ensureTier sets the tenant's tier unless it already matches. set reports
// whether it wrote.
func (m *Module) ensureTier(ctx context.Context, tenantID string, want tier.Name) (set bool, err error) {
	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if t.EffectiveTier() == want {
		return false, nil
	}
	if err := m.tenants.SetTier(ctx, tenantID, want); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Module) onPaymentFailed(ctx context.Context, sub *Subscription, inv *stripe.Invoice) error {
	amount := amountFromCents(inv.AmountDue)
	_, _, err := m.ledger.Upsert(ctx, ledger.RevenueEvent{
		TenantID:     sub.TenantID,
		Source:       ledger.SourceSubscription,
		Amount:       amount,
		Currency:     string(inv.Currency),
		ExternalTxID: inv.ID,
		Status:       ledger.StatusFailed,
		OccurredAt:   invoiceTime(inv, m.now()),
		Metadata:     map[string]any{"subscription_id": sub.ProviderSubscriptionID, "tier": string(sub.Tier)},
	})
	if err != nil {
		return err
	}
	if sub.Status == StatusActive || sub.Status == StatusPending {
		if err := m.store.UpdateStatus(ctx, sub.ID, StatusPastDue, m.now().UTC()); err != nil {
			return err
		}
	}
	m.send(ctx, sub, notify.KindPaymentFailed, "Your payment failed", map[string]any{
		"invoice_id": inv.ID,
		"amount":     amount.StringFixed(2),
		"currency":   strings.ToUpper(string(inv.Currency)),
	})
	return nil
}

func (m *Module) onSubscriptionDeleted(ctx context.Context, sub *Subscription) error {
	if sub.Status == StatusCancelled {
		return nil
	}
	if err := m.store.UpdateStatus(ctx, sub.ID, StatusCancelled, m.now().UTC()); err != nil {
		return err
	}
	if err := m.tenants.SetTier(ctx, sub.TenantID, tier.Free); err != nil {
		return err
	}
	m.send(ctx, sub, notify.KindSubscriptionCancelled, "Your subscription was cancelled", map[string]any{
		"tier": string(sub.Tier),
	})
	return nil
}

func invoiceTime(inv *stripe.Invoice, now time.Time) time.Time {
	if inv.Created > 0 {
		return time.Unix(inv.Created, 0).UTC()
	}
	return now.UTC()
}

// send notifies the tenant. Failures are logged; they never fail the
// webhook.
func (m *Module) send(ctx context.Context, sub *Subscription, kind notify.Kind, subject string, data map[string]any) {
	n := &notify.Notification{
		Kind:      kind,
		TenantID:  sub.TenantID,
		Subject:   subject,
		Data:      data,
		CreatedAt: m.now().UTC(),
	}
	if t, err := m.tenants.Get(ctx, sub.TenantID); err == nil {
		n.Email = t.Email
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		logging.L(ctx).Warn("tenant notification failed", "tenant_id", sub.TenantID, "kind", kind, "error", err)
	}
}
