package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/circuitbreaker"
	"github.com/mbd888/monetize/internal/metrics"
)

// CustomerInput describes a new provider customer.
type CustomerInput struct {
	TenantID string
	Email    string
	Name     string
}

// SubscriptionInput describes a new provider subscription.
type SubscriptionInput struct {
	CustomerID string
	PriceID    string
	TenantID   string
	Tier       string
}

// ProviderSubscription is the provider's view of a created subscription.
type ProviderSubscription struct {
	ID           string
	Status       string
	InvoiceID    string
	AmountDue    int64
	Currency     string
	ClientSecret string
}

// Provider is the payment provider. Errors are *apperr.Error values.
type Provider interface {
	Configured() bool
	CreateCustomer(ctx context.Context, in CustomerInput) (string, error)
	CreateSubscription(ctx context.Context, in SubscriptionInput) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// StripeProvider talks to Stripe through stripe-go. The secret key is read
// on every call so a key set at runtime takes effect without a restart.
type StripeProvider struct {
	secretKey func() string
	cfg       *stripe.BackendConfig
	breaker   *circuitbreaker.Breaker

	mu     sync.Mutex
	key    string
	client *client.API
}

// NewStripeProvider creates a provider. timeout bounds each HTTP attempt.
func NewStripeProvider(secretKey func() string, timeout time.Duration) *StripeProvider {
	return &StripeProvider{
		secretKey: secretKey,
		cfg: &stripe.BackendConfig{
			HTTPClient:        &http.Client{Timeout: timeout},
			MaxNetworkRetries: stripe.Int64(2),
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithBreaker shares a circuit breaker with other provider clients.
func (p *StripeProvider) WithBreaker(b *circuitbreaker.Breaker) *StripeProvider {
	p.breaker = b
	return p
}

// call runs fn under the "stripe" circuit. fn returns mapped errors.
func (p *StripeProvider) call(fn func() error) error {
	err := p.breaker.Execute("stripe", func(err error) bool {
		return apperr.KindOf(err) == apperr.KindProvider
	}, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperr.Provider("stripe_unavailable", "payment provider is temporarily unavailable", err)
	}
	return err
}

// WithURL points the API backend at another host (tests, proxies) and
// disables client-side retries.
func (p *StripeProvider) WithURL(u string) *StripeProvider {
	p.cfg.URL = stripe.String(strings.TrimRight(u, "/"))
	p.cfg.MaxNetworkRetries = stripe.Int64(0)
	return p
}

func (p *StripeProvider) Configured() bool {
	return p.secretKey() != ""
}

func (p *StripeProvider) api() (*client.API, error) {
	key := p.secretKey()
	if key == "" {
		return nil, apperr.Configuration("stripe_not_configured", "payment provider is not configured", nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || p.key != key {
		// GetBackendWithConfig fills in defaults, so each backend gets its own copy.
		backend := func(t stripe.SupportedBackend) stripe.Backend {
			cfg := *p.cfg
			return stripe.GetBackendWithConfig(t, &cfg)
		}
		sc := &client.API{}
		sc.Init(key, &stripe.Backends{
			API:     backend(stripe.APIBackend),
			Connect: backend(stripe.ConnectBackend),
			Uploads: backend(stripe.UploadsBackend),
		})
		p.client, p.key = sc, key
	}
	return p.client, nil
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, in CustomerInput) (string, error) {
	sc, err := p.api()
	if err != nil {
		return "", err
	}
	defer metrics.ObserveProvider("stripe", "create_customer", time.Now())

	params := &stripe.CustomerParams{}
	params.Context = ctx
	if in.Email != "" {
		params.Email = stripe.String(in.Email)
	}
	if in.Name != "" {
		params.Name = stripe.String(in.Name)
	}
	params.AddMetadata("tenant_id", in.TenantID)
	params.SetIdempotencyKey("customer-" + in.TenantID)

	var id string
	err = p.call(func() error {
		c, err := sc.Customers.New(params)
		if err != nil {
			return mapStripeError(err)
		}
		id = c.ID
		return nil
	})
	return id, err
}

func (p *StripeProvider) CreateSubscription(ctx context.Context, in SubscriptionInput) (*ProviderSubscription, error) {
	sc, err := p.api()
	if err != nil {
		return nil, err
	}
	defer metrics.ObserveProvider("stripe", "create_subscription", time.Now())

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(in.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	params.Context = ctx
	params.AddMetadata("tenant_id", in.TenantID)
	params.AddMetadata("tier", in.Tier)
	params.AddExpand("latest_invoice.payment_intent")

	var s *stripe.Subscription
	err = p.call(func() error {
		var err error
		if s, err = sc.Subscriptions.New(params); err != nil {
			return mapStripeError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := &ProviderSubscription{ID: s.ID, Status: string(s.Status)}
	if inv := s.LatestInvoice; inv != nil {
		out.InvoiceID = inv.ID
		out.AmountDue = inv.AmountDue
		out.Currency = string(inv.Currency)
		if inv.PaymentIntent != nil {
			out.ClientSecret = inv.PaymentIntent.ClientSecret
		}
	}
	return out, nil
}

// CancelSubscription cancels immediately. A subscription the provider no
// longer knows is treated as already cancelled.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	sc, err := p.api()
	if err != nil {
		return err
	}
	defer metrics.ObserveProvider("stripe", "cancel_subscription", time.Now())

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	return p.call(func() error {
		if _, err := sc.Subscriptions.Cancel(subscriptionID, params); err != nil {
			mapped := mapStripeError(err)
			if apperr.KindOf(mapped) == apperr.KindNotFound {
				return nil
			}
			return mapped
		}
		return nil
	})
}

// mapStripeError converts stripe-go errors into application error kinds so
// that no provider detail reaches API clients.
func mapStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return apperr.Provider("stripe_unreachable", "payment provider is unreachable", err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
		return apperr.Configuration("stripe_unauthorized", "payment provider rejected the API key", err)
	case se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing:
		return apperr.NotFound("provider_resource_missing", "payment provider resource not found")
	case se.Type == stripe.ErrorTypeCard || se.HTTPStatusCode == http.StatusPaymentRequired:
		return apperr.Validation("payment_declined", "the payment was declined")
	case se.HTTPStatusCode == http.StatusBadRequest:
		return apperr.Validation("payment_request_invalid", "the payment provider rejected the request")
	default:
		return apperr.Provider("stripe_error", "payment provider error", err)
	}
}

var _ Provider = (*StripeProvider)(nil)
