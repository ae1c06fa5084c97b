// Package tenant manages platform accounts. A tenant scopes every site,
// subscriber, task and revenue event, and carries its current tier.
package tenant

import (
	"errors"
	"time"

	"github.com/mbd888/monetize/internal/tier"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSlugTaken      = errors.New("tenant: slug already taken")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant represents a site owner using the platform.
type Tenant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Slug             string    `json:"slug"`
	Email            string    `json:"email,omitempty"`
	Tier             tier.Name `json:"tier"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// EffectiveTier returns the tenant's tier, treating an unset tier as free.
func (t *Tenant) EffectiveTier() tier.Name {
	if t == nil || t.Tier == "" {
		return tier.Free
	}
	return t.Tier
}
