package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/circuitbreaker"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripeProvider(func() string { return "sk_test_123" }, 5*time.Second).WithURL(srv.URL)
}

func TestStripeProvider_NotConfigured(t *testing.T) {
	p := NewStripeProvider(func() string { return "" }, time.Second)
	assert.False(t, p.Configured())
	_, err := p.CreateCustomer(context.Background(), CustomerInput{TenantID: "ten_1"})
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestStripeProvider_CreateCustomer(t *testing.T) {
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "owner@acme.test", r.PostForm.Get("email"))
		assert.Equal(t, "ten_1", r.PostForm.Get("metadata[tenant_id]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cus_123","object":"customer"}`))
	})

	id, err := p.CreateCustomer(context.Background(), CustomerInput{TenantID: "ten_1", Email: "owner@acme.test"})
	require.NoError(t, err)
	assert.Equal(t, "cus_123", id)
}

func TestStripeProvider_CreateSubscription(t *testing.T) {
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "cus_123", r.PostForm.Get("customer"))
		assert.Equal(t, "price_pro", r.PostForm.Get("items[0][price]"))
		assert.Equal(t, "latest_invoice.payment_intent", r.PostForm.Get("expand[0]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "sub_abc", "object": "subscription", "status": "incomplete",
			"latest_invoice": {
				"id": "in_1", "object": "invoice", "amount_due": 1999, "currency": "usd",
				"payment_intent": {"id": "pi_1", "object": "payment_intent", "client_secret": "pi_1_secret"}
			}
		}`))
	})

	ps, err := p.CreateSubscription(context.Background(), SubscriptionInput{
		CustomerID: "cus_123", PriceID: "price_pro", TenantID: "ten_1", Tier: "pro",
	})
	require.NoError(t, err)
	assert.Equal(t, "sub_abc", ps.ID)
	assert.Equal(t, "in_1", ps.InvoiceID)
	assert.Equal(t, int64(1999), ps.AmountDue)
	assert.Equal(t, "usd", ps.Currency)
	assert.Equal(t, "pi_1_secret", ps.ClientSecret)
}

func TestStripeProvider_CancelMissingIsCancelled(t *testing.T) {
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_gone", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`))
	})
	assert.NoError(t, p.CancelSubscription(context.Background(), "sub_gone"))
}

func TestStripeProvider_ServerError(t *testing.T) {
	p := newTestStripe(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})
	err := p.CancelSubscription(context.Background(), "sub_abc")
	assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))
}

func TestStripeProvider_CircuitOpensOnOutage(t *testing.T) {
	calls := 0
	p := newTestStripe(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})
	p.WithBreaker(circuitbreaker.New(2, time.Hour))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_ = p.CancelSubscription(ctx, "sub_abc")
	}
	err := p.CancelSubscription(ctx, "sub_abc")
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, "stripe_unavailable", ae.Code)
	assert.Equal(t, 2, calls)
}

func TestMapStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"unauthorized", &stripe.Error{HTTPStatusCode: 401}, apperr.KindConfiguration},
		{"missing", &stripe.Error{HTTPStatusCode: 404, Code: stripe.ErrorCodeResourceMissing}, apperr.KindNotFound},
		{"card", &stripe.Error{HTTPStatusCode: 402, Type: stripe.ErrorTypeCard}, apperr.KindValidation},
		{"bad request", &stripe.Error{HTTPStatusCode: 400, Type: stripe.ErrorTypeInvalidRequest}, apperr.KindValidation},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429}, apperr.KindProvider},
		{"outage", &stripe.Error{HTTPStatusCode: 503}, apperr.KindProvider},
		{"network", errors.New("dial tcp: connection refused"), apperr.KindProvider},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, apperr.KindOf(mapStripeError(tc.err)))
		})
	}
}
