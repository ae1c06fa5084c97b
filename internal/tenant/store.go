package tenant

import (
	"context"

	"github.com/mbd888/monetize/internal/tier"
)

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	// SetTier changes only the tier column so concurrent profile edits are
	// not overwritten by webhook processing.
	SetTier(ctx context.Context, id string, t tier.Name) error
	SetStripeCustomerID(ctx context.Context, id, customerID string) error
	Delete(ctx context.Context, id string) error
}
