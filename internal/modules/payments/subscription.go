// Package payments is the payments module: paid-tier subscriptions through
// Stripe and the webhook-driven state machine that keeps each tenant's tier
// in step with its subscription.
//
// Subscription states move NONE -> PENDING -> ACTIVE -> {PAST_DUE -> ACTIVE
// | CANCELLED}. Only provider webhooks and an explicit cancel change them.
package payments

import (
	"errors"
	"time"

	"github.com/mbd888/monetize/internal/tier"
)

var (
	ErrSubscriptionNotFound   = errors.New("payments: subscription not found")
	ErrOpenSubscriptionExists = errors.New("payments: tenant already has an open subscription")
	ErrDuplicateProviderID    = errors.New("payments: provider subscription id already stored")
	ErrInvalidSignature       = errors.New("payments: invalid webhook signature")
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
)

// Open reports whether the status blocks a new subscription.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusActive || s == StatusPastDue
}

// Grants reports whether the status confers the subscription's tier.
func (s Status) Grants() bool {
	return s == StatusActive || s == StatusPastDue
}

// BillingPeriod is how often a subscription is invoiced.
type BillingPeriod string

const (
	BillingMonthly BillingPeriod = "monthly"
	BillingYearly  BillingPeriod = "yearly"
)

// Subscription is a tenant's paid plan at the payment provider.
type Subscription struct {
	ID                     string        `json:"id"`
	TenantID               string        `json:"tenantId"`
	ProviderSubscriptionID string        `json:"providerSubscriptionId"`
	ProviderCustomerID     string        `json:"providerCustomerId,omitempty"`
	Tier                   tier.Name     `json:"tier"`
	BillingPeriod          BillingPeriod `json:"billingPeriod"`
	Status                 Status        `json:"status"`
	CreatedAt              time.Time     `json:"createdAt"`
	UpdatedAt              time.Time     `json:"updatedAt"`
	CancelledAt            *time.Time    `json:"cancelledAt,omitempty"`
}

func (s *Subscription) clone() *Subscription {
	c := *s
	if s.CancelledAt != nil {
		at := *s.CancelledAt
		c.CancelledAt = &at
	}
	return &c
}
