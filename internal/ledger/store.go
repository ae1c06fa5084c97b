package ledger

import (
	"context"
	"time"
)

// Store persists revenue events.
type Store interface {
	// Insert returns ErrDuplicateTransaction when (tenant, source, external
	// tx id) already exists.
	Insert(ctx context.Context, e *RevenueEvent) error
	GetByExternalID(ctx context.Context, tenantID string, source Source, externalTxID string) (*RevenueEvent, error)
	// UpdateStatus sets status to `to` only if it is currently `from`,
	// returning ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, tenantID string, source Source, externalTxID string, from, to Status, processedAt time.Time) error
	ListByTenant(ctx context.Context, tenantID string) ([]*RevenueEvent, error)
	// ListCompleted returns completed events with from <= occurred_at <= to.
	ListCompleted(ctx context.Context, tenantID string, from, to time.Time) ([]*RevenueEvent, error)
	DeleteByTenant(ctx context.Context, tenantID string) (int, error)
}
