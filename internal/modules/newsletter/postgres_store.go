package newsletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/monetize/internal/pagination"
)

// PostgresStore persists subscribers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriberColumns = `id, tenant_id, site_id, email, first_name, last_name, status, tags, source,
	remote_status, subscribed_at, unsubscribed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscriber) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscribers (`+subscriberColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.TenantID, s.SiteID, s.Email, s.FirstName, s.LastName, string(s.Status),
		pq.Array(tagsOrEmpty(s.Tags)), s.Source, s.RemoteStatus, s.SubscribedAt, s.UnsubscribedAt,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSubscriberExists
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscriber, error) {
	return p.one(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, tenantID, email, siteID string) (*Subscriber, error) {
	return p.one(ctx, `SELECT `+subscriberColumns+` FROM subscribers
		WHERE tenant_id = $1 AND email = $2 AND site_id = $3`,
		tenantID, email, siteID)
}

func (p *PostgresStore) one(ctx context.Context, q string, args ...any) (*Subscriber, error) {
	s, err := scanSubscriber(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriberNotFound
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Subscriber, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+subscriberColumns+` FROM subscribers WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC LIMIT NULLIF($2::int, 0)`, tenantID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+subscriberColumns+` FROM subscribers
			WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT NULLIF($4::int, 0)`,
			tenantID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []*Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountActive(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE tenant_id = $1 AND status = 'active'`, tenantID).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE tenant_id = $1 AND created_at >= $2`, tenantID, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Subscriber) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscribers SET first_name = $1, last_name = $2, status = $3, tags = $4,
			remote_status = $5, unsubscribed_at = $6, updated_at = $7
		WHERE id = $8`,
		s.FirstName, s.LastName, string(s.Status), pq.Array(tagsOrEmpty(s.Tags)), s.RemoteStatus,
		s.UnsubscribedAt, s.UpdatedAt, s.ID)
	if err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriberNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscribers WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete subscribers: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Migrate creates the subscribers table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscribers (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			site_id         TEXT NOT NULL DEFAULT '',
			email           TEXT NOT NULL,
			first_name      TEXT NOT NULL DEFAULT '',
			last_name       TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'active',
			tags            TEXT[] NOT NULL DEFAULT '{}',
			source          TEXT NOT NULL DEFAULT '',
			remote_status   TEXT NOT NULL DEFAULT '',
			subscribed_at   TIMESTAMPTZ NOT NULL,
			unsubscribed_at TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, email, site_id)
		);
		CREATE INDEX IF NOT EXISTS idx_subscribers_tenant ON subscribers(tenant_id, created_at DESC);
	`)
	return err
}

// tagsOrEmpty keeps nil slices from being written as NULL.
func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(r rowScanner) (*Subscriber, error) {
	var (
		s              Subscriber
		status         string
		tags           []string
		unsubscribedAt sql.NullTime
	)
	if err := r.Scan(&s.ID, &s.TenantID, &s.SiteID, &s.Email, &s.FirstName, &s.LastName, &status,
		pq.Array(&tags), &s.Source, &s.RemoteStatus, &s.SubscribedAt, &unsubscribedAt,
		&s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.Tags = tags
	if unsubscribedAt.Valid {
		t := unsubscribedAt.Time
		s.UnsubscribedAt = &t
	}
	return &s, nil
}

var _ Store = (*PostgresStore)(nil)
