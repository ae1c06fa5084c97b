package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/monetize/internal/tier"
)

// PostgresStore persists subscriptions in PostgreSQL. A partial unique
// index allows at most one open subscription per tenant.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	subscriptionColumns = `id, tenant_id, provider_subscription_id, provider_customer_id, tier, billing_period,
	status, created_at, updated_at, cancelled_at`

	openSubscriptionIndex = "idx_subscriptions_one_open"
)

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
		s.ID, s.TenantID, s.ProviderSubscriptionID, s.ProviderCustomerID, string(s.Tier),
		string(s.BillingPeriod), string(s.Status), s.CreatedAt, s.UpdatedAt, s.CancelledAt,
	)
	if err != nil {
		return mapUniqueViolation(err, "insert subscription")
	}
	return nil
}

func mapUniqueViolation(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == openSubscriptionIndex {
			return ErrOpenSubscriptionExists
		}
		return ErrDuplicateProviderID
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *PostgresStore) GetByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	return p.one(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID)
}

func (p *PostgresStore) GetOpen(ctx context.Context, tenantID string) (*Subscription, error) {
	return p.one(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = $1 AND status IN ('pending', 'active', 'past_due')`, tenantID)
}

func (p *PostgresStore) one(ctx context.Context, q string, args ...any) (*Subscription, error) {
	s, err := scanSubscription(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return s, err
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error {
	var cancelledAt *time.Time
	if status == StatusCancelled {
		cancelledAt = &at
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $2, updated_at = $3, cancelled_at = COALESCE($4, cancelled_at)
		WHERE id = $1`, id, string(status), at, cancelledAt)
	if err != nil {
		return mapUniqueViolation(err, "update subscription")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) WebhookProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)`,
		provider, eventID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) MarkWebhookProcessed(ctx context.Context, provider, eventID, eventType string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING`, provider, eventID, eventType, at)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

// Migrate creates the subscriptions and webhook_events tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id                       TEXT PRIMARY KEY,
			tenant_id                TEXT NOT NULL,
			provider_subscription_id TEXT NOT NULL UNIQUE,
			provider_customer_id     TEXT,
			tier                     TEXT NOT NULL,
			billing_period           TEXT NOT NULL DEFAULT 'monthly',
			status                   TEXT NOT NULL,
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cancelled_at             TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS `+openSubscriptionIndex+` ON subscriptions(tenant_id)
			WHERE status IN ('pending', 'active', 'past_due');

		CREATE TABLE IF NOT EXISTS webhook_events (
			provider     TEXT NOT NULL,
			event_id     TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (provider, event_id)
		);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (*Subscription, error) {
	var (
		s                        Subscription
		customerID               sql.NullString
		tierName, period, status string
		cancelledAt              sql.NullTime
	)
	if err := r.Scan(&s.ID, &s.TenantID, &s.ProviderSubscriptionID, &customerID, &tierName, &period,
		&status, &s.CreatedAt, &s.UpdatedAt, &cancelledAt); err != nil {
		return nil, err
	}
	s.ProviderCustomerID = customerID.String
	s.Tier, s.BillingPeriod, s.Status = tier.Name(tierName), BillingPeriod(period), Status(status)
	if cancelledAt.Valid {
		s.CancelledAt = &cancelledAt.Time
	}
	return &s, nil
}

var _ Store = (*PostgresStore)(nil)
