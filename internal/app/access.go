package app

import (
	"context"
	"net/http"

	"github.com/mbd888/monetize/internal/activity"
	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/tier"
)

// Client identifies the caller of an operation for the activity log.
type Client struct {
	IP        string
	UserAgent string
}

type clientKey struct{}

// WithClient attaches the caller to ctx.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromRequest derives the caller of r, resolving its IP through the
// proxy header priority list.
func ClientFromRequest(r *http.Request) Client {
	return Client{
		IP:        activity.ClientIP(r.Header, r.RemoteAddr),
		UserAgent: r.UserAgent(),
	}
}

func clientFrom(ctx context.Context) Client {
	c, _ := ctx.Value(clientKey{}).(Client)
	return c
}

// LogActivity appends an audit entry for the caller in ctx.
func (a *App) LogActivity(ctx context.Context, tenantID, action, result string, data map[string]any) error {
	c := clientFrom(ctx)
	e := &activity.Entry{
		ID:        idgen.WithPrefix("act_"),
		TenantID:  tenantID,
		Action:    action,
		Result:    result,
		Data:      data,
		IP:        c.IP,
		UserAgent: c.UserAgent,
		CreatedAt: a.now().UTC(),
	}
	if err := a.activity.Append(ctx, e); err != nil {
		return classify(err)
	}
	return nil
}

// record logs an activity entry for the outcome of an operation. Audit
// failures never fail the operation itself.
func (a *App) record(ctx context.Context, tenantID, action string, opErr error, data map[string]any) {
	if err := a.LogActivity(ctx, tenantID, action, resultOf(opErr), data); err != nil {
		logging.L(ctx).Warn("activity log write failed", "action", action, "error", err)
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return activity.ResultOK
	case apperr.Is(err, apperr.KindEntitlementDenied):
		return activity.ResultDenied
	default:
		return activity.ResultError
	}
}

// gated runs fn when action is within the tenant's limits and records the
// outcome under the action's name. The check and fn run under a per-tenant,
// per-action lock so concurrent requests cannot both pass the same limit.
func (a *App) gated(ctx context.Context, tenantID string, action tier.Action, data map[string]any, fn func() error) error {
	err := func() error {
		defer a.admit.Lock(tenantID + ":" + string(action))()
		if err := a.guard.Require(ctx, tenantID, action); err != nil {
			return err
		}
		return classify(fn())
	}()
	a.record(ctx, tenantID, string(action), err, data)
	return err
}

// GetUserTier returns the tier a tenant is currently entitled to.
func (a *App) GetUserTier(ctx context.Context, tenantID string) (tier.Name, error) {
	n, err := a.resolveTier(ctx, tenantID)
	if err != nil {
		return "", classify(err)
	}
	return n, nil
}

// CanAccessFeature reports whether the tenant's tier carries feature.
// Unknown features are not accessible.
func (a *App) CanAccessFeature(ctx context.Context, tenantID, feature string) (bool, error) {
	n, err := a.GetUserTier(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return a.settings.Tiers().CanAccess(n, feature), nil
}

// Authorize evaluates action against the tenant's tier and live usage.
func (a *App) Authorize(ctx context.Context, tenantID string, action tier.Action) (tier.Decision, error) {
	d, err := a.guard.Authorize(ctx, tenantID, action)
	if err != nil {
		return tier.Decision{}, classify(err)
	}
	return d, nil
}

// AuthorizeAPICall gates one API request and records it. A denied request
// is recorded too.
func (a *App) AuthorizeAPICall(ctx context.Context, tenantID, method, route string) error {
	err := a.guard.Require(ctx, tenantID, tier.ActionAPICall)
	a.record(ctx, tenantID, string(tier.ActionAPICall), err, map[string]any{
		"method": method,
		"route":  route,
	})
	return err
}

// Usage returns the live count of every limited resource.
func (a *App) Usage(ctx context.Context, tenantID string) (map[tier.Resource]int64, error) {
	u, err := a.guard.Usage(ctx, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// Activity returns a tenant's most recent audit entries.
func (a *App) Activity(ctx context.Context, tenantID string, limit int) ([]*activity.Entry, error) {
	out, err := a.activity.ListByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}
