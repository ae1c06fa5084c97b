package payments

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/notify"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/tenant"
	"github.com/mbd888/monetize/internal/tier"
)

const testSecret = "whsec_test"

var testNow = time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu         sync.Mutex
	configured bool
	customers  int
	created    []SubscriptionInput
	cancelled  []string
	nextSubID  string
	createErr  error
	cancelErr  error
}

func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) CreateCustomer(_ context.Context, in CustomerInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers++
	return "cus_" + in.TenantID, nil
}

func (f *fakeProvider) CreateSubscription(_ context.Context, in SubscriptionInput) (*ProviderSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, in)
	id := f.nextSubID
	if id == "" {
		id = "sub_abc"
	}
	return &ProviderSubscription{ID: id, Status: "incomplete", InvoiceID: "inv_first", AmountDue: 1999,
		Currency: "usd", ClientSecret: "pi_secret"}, nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

// countingTenants counts tier writes. failNext makes the next write fail.
type countingTenants struct {
	*tenant.MemoryStore
	mu       sync.Mutex
	tierSets int
	failNext error
}

func (c *countingTenants) SetTier(ctx context.Context, id string, t tier.Name) error {
	c.mu.Lock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		c.mu.Unlock()
		return err
	}
	c.tierSets++
	c.mu.Unlock()
	return c.MemoryStore.SetTier(ctx, id, t)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n *notify.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind
	}
	return out
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []registry.Event
}

func (r *recordingDispatcher) Dispatch(_ context.Context, ev registry.Event) (*registry.DispatchResult, error) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return &registry.DispatchResult{}, nil
}

type fixture struct {
	module     *Module
	store      *MemoryStore
	ledger     *ledger.Ledger
	tenants    *countingTenants
	provider   *fakeProvider
	notifier   *recordingNotifier
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return testNow }
	f := &fixture{
		store:      NewMemoryStore(),
		ledger:     ledger.New(ledger.NewMemoryStore(), ledger.WithClock(clock)),
		tenants:    &countingTenants{MemoryStore: tenant.NewMemoryStore()},
		provider:   &fakeProvider{configured: true},
		notifier:   &recordingNotifier{},
		dispatcher: &recordingDispatcher{},
	}
	require.NoError(t, f.tenants.Create(context.Background(), &tenant.Tenant{
		ID: "ten_1", Name: "Acme", Slug: "acme", Email: "owner@acme.test", Tier: tier.Free, Status: tenant.StatusActive,
	}))
	f.module = New(Config{
		Store:         f.store,
		Provider:      f.provider,
		Ledger:        f.ledger,
		Tenants:       f.tenants,
		Prices:        func(t tier.Name, p BillingPeriod) string { return "price_" + string(t) + "_" + string(p) },
		WebhookSecret: func() string { return testSecret },
	}, WithClock(clock), WithNotifier(f.notifier), WithDispatcher(f.dispatcher))
	return f
}

// checkout starts a pro subscription for ten_1 and resets the tier counter.
func (f *fixture) checkout(t *testing.T) *Subscription {
	t.Helper()
	co, err := f.module.CreateSubscription(context.Background(), "ten_1", tier.Pro, BillingMonthly)
	require.NoError(t, err)
	f.tenants.tierSets = 0
	return co.Subscription
}

func (f *fixture) tierOf(t *testing.T, tenantID string) tier.Name {
	t.Helper()
	ten, err := f.tenants.Get(context.Background(), tenantID)
	require.NoError(t, err)
	return ten.Tier
}

func signedEvent(t *testing.T, id, typ string, object any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testSecret})
	return sp.Payload, sp.Header
}

func invoice(id, subID string, paid, due int64) map[string]any {
	return map[string]any{
		"id":           id,
		"object":       "invoice",
		"subscription": subID,
		"amount_paid":  paid,
		"amount_due":   due,
		"currency":     "usd",
		"created":      testNow.Add(-time.Minute).Unix(),
	}
}
