// Package activity is the append-only audit log of tenant actions.
package activity

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidEntry = errors.New("activity: tenant and action are required")

// Outcome of an audited action.
const (
	ResultOK     = "ok"
	ResultDenied = "denied"
	ResultError  = "error"
)

// Entry is one immutable audit fact.
type Entry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Data      map[string]any `json:"data,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists entries. Entries are never updated.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// CountSince counts a tenant's entries for action created at or after since.
	CountSince(ctx context.Context, tenantID, action string, since time.Time) (int64, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Entry, error)
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
