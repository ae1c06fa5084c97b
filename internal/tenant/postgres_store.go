package tenant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/monetize/internal/tier"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, slug, email, tier, stripe_customer_id, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.Slug, nullString(t.Email), string(t.Tier), nullString(t.StripeCustomerID),
		string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSlugTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	return p.exec(ctx, `
		UPDATE tenants SET name = $1, email = $2, tier = $3, stripe_customer_id = $4, status = $5,
			updated_at = $6
		WHERE id = $7`,
		t.Name, nullString(t.Email), string(t.Tier), nullString(t.StripeCustomerID), string(t.Status),
		t.UpdatedAt, t.ID,
	)
}

func (p *PostgresStore) SetTier(ctx context.Context, id string, n tier.Name) error {
	return p.exec(ctx, `UPDATE tenants SET tier = $1, updated_at = $2 WHERE id = $3`,
		string(n), time.Now().UTC(), id)
}

func (p *PostgresStore) SetStripeCustomerID(ctx context.Context, id, customerID string) error {
	return p.exec(ctx, `UPDATE tenants SET stripe_customer_id = $1, updated_at = $2 WHERE id = $3`,
		customerID, time.Now().UTC(), id)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return p.exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) scanTenant(row *sql.Row) (*Tenant, error) {
	t := &Tenant{}
	var (
		tierName, status string
		email, stripeID  sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &email, &tierName, &stripeID, &status,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Tier = tier.Name(tierName)
	t.Status = Status(status)
	t.Email = email.String
	t.StripeCustomerID = stripeID.String
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Migrate creates the tenants table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			slug               TEXT NOT NULL UNIQUE,
			email              TEXT,
			tier               TEXT NOT NULL DEFAULT 'free',
			stripe_customer_id TEXT,
			status             TEXT NOT NULL DEFAULT 'active',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
