// Package newsletter is the newsletter module: per-tenant subscriber lists,
// signup through Mailchimp, and list reporting.
package newsletter

import (
	"errors"
	"time"
)

var (
	ErrSubscriberNotFound = errors.New("newsletter: subscriber not found")
	ErrSubscriberExists   = errors.New("newsletter: email already subscribed for this site")
	ErrInvalidTransition  = errors.New("newsletter: invalid subscriber status transition")
	ErrFieldNotUpdatable  = errors.New("newsletter: field cannot be updated")
)

// Status of a subscriber.
type Status string

const (
	StatusActive       Status = "active"
	StatusUnsubscribed Status = "unsubscribed"
	StatusBounced      Status = "bounced"
)

// CanTransition reports whether a subscriber may move between statuses.
// Bounced is terminal; active and unsubscribed can alternate.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusUnsubscribed || to == StatusBounced
	case StatusUnsubscribed:
		return to == StatusActive || to == StatusBounced
	default:
		return false
	}
}

// Subscriber is one list member. (Email, SiteID) is unique; an empty
// SiteID means the tenant-wide list.
type Subscriber struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	SiteID         string     `json:"siteId,omitempty"`
	Email          string     `json:"email"`
	FirstName      string     `json:"firstName,omitempty"`
	LastName       string     `json:"lastName,omitempty"`
	Status         Status     `json:"status"`
	Tags           []string   `json:"tags,omitempty"`
	Source         string     `json:"source,omitempty"`
	RemoteStatus   string     `json:"remoteStatus,omitempty"`
	SubscribedAt   time.Time  `json:"subscribedAt"`
	UnsubscribedAt *time.Time `json:"unsubscribedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (s *Subscriber) clone() *Subscriber {
	cp := *s
	cp.Tags = append([]string(nil), s.Tags...)
	if s.UnsubscribedAt != nil {
		t := *s.UnsubscribedAt
		cp.UnsubscribedAt = &t
	}
	return &cp
}
