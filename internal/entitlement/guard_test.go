package entitlement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/tier"
)

type fixedTier tier.Name

func (f fixedTier) TierOf(context.Context, string) (tier.Name, error) {
	return tier.Name(f), nil
}

func constCount(n int64) Counter {
	return func(context.Context, string) (int64, error) { return n, nil }
}

func newGuard(name tier.Name, counts map[tier.Resource]int64) *Guard {
	g := New(tier.Default, fixedTier(name))
	for r, n := range counts {
		g.WithCounter(r, constCount(n))
	}
	return g
}

func TestAuthorize_FreeTierSiteLimit(t *testing.T) {
	g := newGuard(tier.Free, map[tier.Resource]int64{tier.Sites: 1})

	d, err := g.Authorize(context.Background(), "ten_1", tier.ActionCreateSite)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	n, ok := d.Limit.Value()
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), d.Count)
}

func TestAuthorize_BelowLimit(t *testing.T) {
	g := newGuard(tier.Pro, map[tier.Resource]int64{tier.Sites: 4})

	d, err := g.Authorize(context.Background(), "ten_1", tier.ActionCreateSite)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAuthorize_EnterpriseUnlimited(t *testing.T) {
	g := newGuard(tier.Enterprise, map[tier.Resource]int64{tier.APICalls: 1 << 40})

	d, err := g.Authorize(context.Background(), "ten_1", tier.ActionAPICall)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Limit.IsUnlimited())
}

func TestAuthorize_UnknownTierFailsClosed(t *testing.T) {
	called := false
	g := New(tier.Default, fixedTier("platinum")).WithCounter(tier.Sites,
		func(context.Context, string) (int64, error) { called = true; return 0, nil })

	d, err := g.Authorize(context.Background(), "ten_1", tier.ActionCreateSite)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, called, "counter must not be read for an unknown tier")
}

func TestAuthorize_NamedLimitFallback(t *testing.T) {
	g := newGuard(tier.Free, map[tier.Resource]int64{tier.Subscribers: 999})

	d, err := g.Authorize(context.Background(), "ten_1", tier.Action("subscribers"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, tier.Subscribers, d.Resource)
}

func TestAuthorize_MissingCounter(t *testing.T) {
	g := newGuard(tier.Free, nil)

	_, err := g.Authorize(context.Background(), "ten_1", tier.ActionCreateSite)
	assert.ErrorIs(t, err, ErrNoCounter)
}

func TestAuthorize_ResolverError(t *testing.T) {
	boom := errors.New("db down")
	g := New(tier.Default, TierResolverFunc(func(context.Context, string) (tier.Name, error) {
		return "", boom
	}))

	_, err := g.Authorize(context.Background(), "ten_1", tier.ActionCreateSite)
	assert.ErrorIs(t, err, boom)
}

func TestRequire_Denied(t *testing.T) {
	g := newGuard(tier.Free, map[tier.Resource]int64{tier.AutomationTasks: 5})

	err := g.Require(context.Background(), "ten_1", tier.ActionAutomationTask)
	require.Error(t, err)
	ae := apperr.As(err)
	assert.Equal(t, apperr.KindEntitlementDenied, ae.Kind)
	assert.Equal(t, "5", ae.Limit)
	assert.Equal(t, int64(5), ae.Usage)
}

func TestRequire_CounterErrorIsInternal(t *testing.T) {
	g := New(tier.Default, fixedTier(tier.Free)).WithCounter(tier.Sites,
		func(context.Context, string) (int64, error) { return 0, errors.New("timeout") })

	err := g.Require(context.Background(), "ten_1", tier.ActionCreateSite)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestUsage(t *testing.T) {
	g := newGuard(tier.Free, map[tier.Resource]int64{tier.Sites: 1, tier.Subscribers: 12})

	u, err := g.Usage(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u[tier.Sites])
	assert.Equal(t, int64(12), u[tier.Subscribers])
}
