// Package ledger is the revenue ledger: an append-only record of revenue
// events per tenant, site and source, with period reports.
//
// The (tenant, source, external transaction id) triple is unique: tenants
// supply their own affiliate and sponsorship ids, and one tenant's id must
// never address another tenant's event. Record fails loudly on a duplicate;
// Upsert treats a duplicate as a status update of the existing row and never
// changes its amount, so replayed provider events cannot double-count
// revenue.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/metrics"
)

var (
	ErrDuplicateTransaction = errors.New("ledger: duplicate transaction")
	ErrEventNotFound        = errors.New("ledger: event not found")
	ErrInvalidEvent         = errors.New("ledger: invalid event")
	ErrInvalidPeriod        = errors.New("ledger: invalid period")
	ErrStatusConflict       = errors.New("ledger: status changed concurrently")
)

// Source identifies where revenue came from.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourceAdsense      Source = "adsense"
	SourceAffiliate    Source = "affiliate"
	SourceSponsorship  Source = "sponsorship"
)

// ValidSource reports whether s is a known source.
func ValidSource(s Source) bool {
	switch s {
	case SourceSubscription, SourceAdsense, SourceAffiliate, SourceSponsorship:
		return true
	}
	return false
}

// Status of a revenue event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// transitions lists the in-place status updates Upsert may apply. A failed
// invoice can still be paid on retry; completed money can only be refunded.
var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed, StatusRefunded},
	StatusFailed:    {StatusCompleted},
	StatusCompleted: {StatusRefunded},
}

// CanTransition reports whether an event may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultCurrency is the currency reports are totalled in.
const DefaultCurrency = "USD"

// RevenueEvent is an immutable revenue fact. Only Status and ProcessedAt
// change after insert.
type RevenueEvent struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	SiteID       string          `json:"siteId,omitempty"`
	Source       Source          `json:"source"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ExternalTxID string          `json:"externalTransactionId"`
	Status       Status          `json:"status"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
}

func (e *RevenueEvent) validate() error {
	switch {
	case e.TenantID == "":
		return fmt.Errorf("%w: tenant is required", ErrInvalidEvent)
	case !ValidSource(e.Source):
		return fmt.Errorf("%w: unknown source %q", ErrInvalidEvent, e.Source)
	case e.ExternalTxID == "":
		return fmt.Errorf("%w: external transaction id is required", ErrInvalidEvent)
	case e.Amount.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidEvent)
	case len(e.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidEvent)
	}
	switch e.Status {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	return nil
}

// Ledger records revenue events and produces reports.
type Ledger struct {
	store Store
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) prepare(e *RevenueEvent) error {
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	if e.Currency == "" {
		e.Currency = DefaultCurrency
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if err := e.validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix("rev_")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	if e.Status != StatusPending && e.ProcessedAt == nil {
		at := l.now().UTC()
		e.ProcessedAt = &at
	}
	return nil
}

// Record inserts a new event. A second event of the same tenant with the
// same source and external transaction id returns ErrDuplicateTransaction.
func (l *Ledger) Record(ctx context.Context, e RevenueEvent) (*RevenueEvent, error) {
	if err := l.prepare(&e); err != nil {
		return nil, err
	}
	if err := l.store.Insert(ctx, &e); err != nil {
		return nil, err
	}
	metrics.RevenueRecordedTotal.WithLabelValues(string(e.Source), string(e.Status)).Inc()
	return &e, nil
}

// Upsert inserts e, or when an event with the same key exists, moves the
// existing event to e.Status if that transition is allowed. The stored
// amount is never changed. applied reports whether anything was written.
func (l *Ledger) Upsert(ctx context.Context, e RevenueEvent) (result *RevenueEvent, applied bool, err error) {
	created, err := l.Record(ctx, e)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrDuplicateTransaction) {
		return nil, false, err
	}

	existing, err := l.store.GetByExternalID(ctx, e.TenantID, e.Source, e.ExternalTxID)
	if err != nil {
		return nil, false, err
	}
	target := e.Status
	if target == "" {
		target = StatusPending
	}
	if existing.Status == target {
		return existing, false, nil
	}
	if !CanTransition(existing.Status, target) {
		logging.L(ctx).Info("ledger: ignoring status regression",
			"external_tx_id", e.ExternalTxID, "from", existing.Status, "to", target)
		return existing, false, nil
	}

	at := l.now().UTC()
	if err := l.store.UpdateStatus(ctx, e.TenantID, e.Source, e.ExternalTxID, existing.Status, target, at); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// Another delivery won the race; report what it wrote.
			current, gerr := l.store.GetByExternalID(ctx, e.TenantID, e.Source, e.ExternalTxID)
			if gerr != nil {
				return nil, false, gerr
			}
			return current, false, nil
		}
		return nil, false, err
	}
	metrics.RevenueRecordedTotal.WithLabelValues(string(e.Source), string(target)).Inc()
	existing.Status = target
	existing.ProcessedAt = &at
	return existing, true, nil
}

// Get returns a tenant's event for a source and external transaction id.
func (l *Ledger) Get(ctx context.Context, tenantID string, source Source, externalTxID string) (*RevenueEvent, error) {
	return l.store.GetByExternalID(ctx, tenantID, source, externalTxID)
}

// ListByTenant returns every event of a tenant, newest first.
func (l *Ledger) ListByTenant(ctx context.Context, tenantID string) ([]*RevenueEvent, error) {
	return l.store.ListByTenant(ctx, tenantID)
}

// DeleteByTenant erases a tenant's events.
func (l *Ledger) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	return l.store.DeleteByTenant(ctx, tenantID)
}
