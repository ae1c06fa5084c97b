// Package analytics tracks every event the registry dispatches. Tracked
// events are stored, published to the event bus and pushed to the owning
// tenant's live feed.
package analytics

import (
	"context"
	"time"

	"github.com/mbd888/monetize/internal/pagination"
)

// TrackedEvent is one stored event.
type TrackedEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	SiteID     string         `json:"siteId,omitempty"`
	Type       string         `json:"type"`
	Source     string         `json:"source,omitempty"`
	Amount     string         `json:"amount,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Store persists tracked events.
type Store interface {
	Insert(ctx context.Context, e *TrackedEvent) error
	List(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*TrackedEvent, error)
	// CountByType counts a tenant's events that occurred at or after since.
	CountByType(ctx context.Context, tenantID string, since time.Time) (map[string]int64, error)
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)
}

// SourceFor returns the revenue source an event type belongs to, or "".
func SourceFor(eventType string) string {
	switch eventType {
	case "adsense_impression", "adsense_click":
		return "adsense"
	case "affiliate_sale":
		return "affiliate"
	case "sponsorship_payment":
		return "sponsorship"
	case "subscription_payment":
		return "subscription"
	}
	return ""
}
