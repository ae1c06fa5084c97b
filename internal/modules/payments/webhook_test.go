package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/notify"
	"github.com/mbd888/monetize/internal/tier"
)

func TestVerifySignature(t *testing.T) {
	payload, header := signedEvent(t, "evt_1", "invoice.payment_succeeded", invoice("inv_1", "sub_abc", 100, 100))

	ev, err := VerifySignature(payload, header, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)

	_, err = VerifySignature(payload, header, "whsec_other")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))

	_, err = VerifySignature(append(payload, ' '), header, testSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifySignature(payload, header, "")
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestHandleWebhook_PaymentSucceeded(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	ctx := context.Background()

	payload, header := signedEvent(t, "evt_1", "invoice.payment_succeeded", invoice("inv_123", "sub_abc", 1999, 1999))
	res, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	assert.Equal(t, tier.Pro, f.tierOf(t, "ten_1"))
	sub, err := f.module.OpenSubscription(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)

	rev, err := f.ledger.Get(ctx, "ten_1", ledger.SourceSubscription, "inv_123")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("19.99").Equal(rev.Amount))
	assert.Equal(t, "USD", rev.Currency)
	assert.Equal(t, ledger.StatusCompleted, rev.Status)

	require.Len(t, f.dispatcher.events, 1)
	assert.Equal(t, "subscription_payment", f.dispatcher.events[0].Type)
	assert.Equal(t, "19.99", f.dispatcher.events[0].Data["amount"])
	assert.Equal(t, []notify.Kind{notify.KindSubscriptionActivated}, f.notifier.kinds())
}

func TestHandleWebhook_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	ctx := context.Background()
	payload, header := signedEvent(t, "evt_1", "invoice.payment_succeeded", invoice("inv_123", "sub_abc", 1999, 1999))

	for i := 0; i < 3; i++ {
		_, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
		require.NoError(t, err)
	}

	events, err := f.ledger.ListByTenant(ctx, "ten_1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.StatusCompleted, events[0].Status)
	assert.Equal(t, 1, f.tenants.tierSets)
	assert.Len(t, f.dispatcher.events, 1)

	report, err := f.ledger.ReportFor(ctx, "ten_1", ledger.Period30d)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("19.99").Equal(report.Total))
}

func TestHandleWebhook_RetryAfterPartialFailureDispatches(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	ctx := context.Background()
	f.tenants.failNext = errors.New("tenants unavailable")

	payload, header := signedEvent(t, "evt_1", "invoice.payment_succeeded", invoice("inv_1", "sub_abc", 1999, 1999))
	_, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.Error(t, err)
	assert.Empty(t, f.dispatcher.events)
	assert.Equal(t, tier.Free, f.tierOf(t, "ten_1"))

	// The provider retries the same event.
	res, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, tier.Pro, f.tierOf(t, "ten_1"))
	require.Len(t, f.dispatcher.events, 1)
	assert.Equal(t, "inv_1", f.dispatcher.events[0].Data["transaction_id"])

	// A later event for the same invoice changes nothing.
	payload, header = signedEvent(t, "evt_2", "invoice.payment_succeeded", invoice("inv_1", "sub_abc", 1999, 1999))
	_, err = f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)
	assert.Len(t, f.dispatcher.events, 1)

	events, err := f.ledger.ListByTenant(ctx, "ten_1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHandleWebhook_DuplicateOutcome(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	payload, header := signedEvent(t, "evt_1", "invoice.payment_succeeded", invoice("inv_1", "sub_abc", 500, 500))

	_, err := f.module.HandleWebhook(context.Background(), ProviderStripe, payload, header)
	require.NoError(t, err)
	res, err := f.module.HandleWebhook(context.Background(), ProviderStripe, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestHandleWebhook_ConcurrentDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		payload, header := signedEvent(t, "evt_"+string(rune('a'+i)), "invoice.payment_succeeded",
			invoice("inv_123", "sub_abc", 1999, 1999))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := f.ledger.ListByTenant(ctx, "ten_1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Len(t, f.dispatcher.events, 1)
}

func TestHandleWebhook_PaymentFailedThenRecovered(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	ctx := context.Background()

	payload, header := signedEvent(t, "evt_1", "invoice.payment_succeeded", invoice("inv_1", "sub_abc", 1999, 1999))
	_, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)

	payload, header = signedEvent(t, "evt_2", "invoice.payment_failed", invoice("inv_2", "sub_abc", 0, 1999))
	res, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	sub, err := f.module.OpenSubscription(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.Equal(t, tier.Pro, f.tierOf(t, "ten_1"), "past due keeps the tier")

	failed, err := f.ledger.Get(ctx, "ten_1", ledger.SourceSubscription, "inv_2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, failed.Status)
	assert.Contains(t, f.notifier.kinds(), notify.KindPaymentFailed)

	report, err := f.ledger.ReportFor(ctx, "ten_1", ledger.Period30d)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("19.99").Equal(report.Total), "failed invoice excluded")

	// The retried invoice succeeds.
	payload, header = signedEvent(t, "evt_3", "invoice.payment_succeeded", invoice("inv_2", "sub_abc", 1999, 1999))
	_, err = f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)

	sub, err = f.module.OpenSubscription(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	recovered, err := f.ledger.Get(ctx, "ten_1", ledger.SourceSubscription, "inv_2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, recovered.Status)
}

func TestHandleWebhook_SubscriptionDeleted(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	ctx := context.Background()

	payload, header := signedEvent(t, "evt_1", "invoice.payment_succeeded", invoice("inv_1", "sub_abc", 1999, 1999))
	_, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)

	payload, header = signedEvent(t, "evt_2", "customer.subscription.deleted",
		map[string]any{"id": "sub_abc", "object": "subscription", "status": "canceled"})
	res, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	assert.Equal(t, tier.Free, f.tierOf(t, "ten_1"))
	_, err = f.module.OpenSubscription(ctx, "ten_1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Contains(t, f.notifier.kinds(), notify.KindSubscriptionCancelled)

	// A cancelled subscription does not block a new one.
	f.provider.nextSubID = "sub_def"
	_, err = f.module.CreateSubscription(ctx, "ten_1", tier.Enterprise, BillingYearly)
	require.NoError(t, err)
}

func TestHandleWebhook_LatePaymentDoesNotReactivate(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	ctx := context.Background()

	payload, header := signedEvent(t, "evt_1", "customer.subscription.deleted", map[string]any{"id": "sub_abc", "object": "subscription"})
	_, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)

	payload, header = signedEvent(t, "evt_2", "invoice.payment_succeeded", invoice("inv_late", "sub_abc", 1999, 1999))
	_, err = f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)

	assert.Equal(t, tier.Free, f.tierOf(t, "ten_1"))
	_, err = f.ledger.Get(ctx, "ten_1", ledger.SourceSubscription, "inv_late")
	assert.NoError(t, err, "revenue is still recorded")
}

func TestHandleWebhook_IgnoredAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload, header := signedEvent(t, "evt_1", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	res, err := f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	payload, header = signedEvent(t, "evt_2", "invoice.payment_succeeded", invoice("inv_9", "sub_unknown", 100, 100))
	res, err = f.module.HandleWebhook(ctx, ProviderStripe, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownSubscription, res.Outcome)
	_, err = f.ledger.Get(ctx, "ten_1", ledger.SourceSubscription, "inv_9")
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func TestHandleWebhook_Rejections(t *testing.T) {
	f := newFixture(t)
	f.checkout(t)
	ctx := context.Background()
	payload, header := signedEvent(t, "evt_1", "invoice.payment_succeeded", invoice("inv_1", "sub_abc", 1999, 1999))

	_, err := f.module.HandleWebhook(ctx, "paypal", payload, header)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.module.HandleWebhook(ctx, ProviderStripe, payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	assert.Equal(t, tier.Free, f.tierOf(t, "ten_1"), "no state change without a valid signature")
	events, _ := f.ledger.ListByTenant(ctx, "ten_1")
	assert.Empty(t, events)
}
