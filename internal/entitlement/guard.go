// Package entitlement authorizes tenant actions against tier limits using
// live counts read from persistence.
//
// Authorize is check-then-act with no reservation: two concurrent requests
// from one tenant can both be admitted at the limit boundary. Stores that
// back gated creations enforce uniqueness so the rare over-admission is
// bounded to distinct records.
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/metrics"
	"github.com/mbd888/monetize/internal/tier"
	"github.com/mbd888/monetize/internal/traces"
)

var ErrNoCounter = errors.New("entitlement: no counter for resource")

// TierResolver returns a tenant's current tier.
type TierResolver interface {
	TierOf(ctx context.Context, tenantID string) (tier.Name, error)
}

// TierResolverFunc adapts a function to TierResolver.
type TierResolverFunc func(ctx context.Context, tenantID string) (tier.Name, error)

func (f TierResolverFunc) TierOf(ctx context.Context, tenantID string) (tier.Name, error) {
	return f(ctx, tenantID)
}

// Counter reads the live usage of one resource for a tenant.
type Counter func(ctx context.Context, tenantID string) (int64, error)

// TableFunc returns the current tier table. It is called on every decision
// so settings changes apply without a restart.
type TableFunc func() tier.Table

// Guard composes tier policy with live counters.
type Guard struct {
	tiers    TableFunc
	resolver TierResolver
	counters map[tier.Resource]Counter
}

// New creates a Guard.
func New(tiers TableFunc, resolver TierResolver) *Guard {
	return &Guard{
		tiers:    tiers,
		resolver: resolver,
		counters: make(map[tier.Resource]Counter),
	}
}

// WithCounter registers the usage counter for a resource. Not safe to call
// after the guard is in use.
func (g *Guard) WithCounter(r tier.Resource, c Counter) *Guard {
	g.counters[r] = c
	return g
}

// Authorize evaluates action for tenantID. The returned error is non-nil
// only when the tier or count could not be read; a denial is a Decision
// with Allowed false.
func (g *Guard) Authorize(ctx context.Context, tenantID string, action tier.Action) (tier.Decision, error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.Authorize",
		traces.TenantID(tenantID), traces.Action(string(action)))
	defer span.End()

	name, err := g.resolver.TierOf(ctx, tenantID)
	if err != nil {
		return tier.Decision{}, fmt.Errorf("resolve tier: %w", err)
	}

	res := tier.ResourceFor(action)
	table := g.tiers()
	if _, ok := table.Limit(name, res); !ok {
		// Unknown tier or resource: deny without touching the store.
		d := tier.Evaluate(table, name, action, 0)
		record(d)
		return d, nil
	}

	count, err := g.count(ctx, tenantID, res)
	if err != nil {
		return tier.Decision{}, err
	}
	d := tier.Evaluate(table, name, action, count)
	record(d)
	return d, nil
}

// Require is Authorize with denials converted to an EntitlementDenied error.
func (g *Guard) Require(ctx context.Context, tenantID string, action tier.Action) error {
	d, err := g.Authorize(ctx, tenantID, action)
	if err != nil {
		return apperr.Internal(err)
	}
	if !d.Allowed {
		return apperr.Denied(string(action), d.Limit.String(), d.Count)
	}
	return nil
}

// Usage returns the live count of every resource with a registered counter.
func (g *Guard) Usage(ctx context.Context, tenantID string) (map[tier.Resource]int64, error) {
	out := make(map[tier.Resource]int64, len(g.counters))
	for r := range g.counters {
		n, err := g.count(ctx, tenantID, r)
		if err != nil {
			return nil, err
		}
		out[r] = n
	}
	return out, nil
}

func (g *Guard) count(ctx context.Context, tenantID string, r tier.Resource) (int64, error) {
	c, ok := g.counters[r]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrNoCounter, r)
	}
	n, err := c(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", r, err)
	}
	return n, nil
}

func record(d tier.Decision) {
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	metrics.EntitlementDecisionsTotal.WithLabelValues(string(d.Action), result).Inc()
}
