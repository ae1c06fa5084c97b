package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists revenue events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the revenue_events table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS revenue_events (
			id              VARCHAR(64) PRIMARY KEY,
			tenant_id       VARCHAR(64) NOT NULL,
			site_id         VARCHAR(64),
			source          VARCHAR(32) NOT NULL,
			amount          NUMERIC(12,2) NOT NULL CHECK (amount >= 0),
			currency        CHAR(3) NOT NULL DEFAULT 'USD',
			external_tx_id  VARCHAR(255) NOT NULL,
			status          VARCHAR(16) NOT NULL,
			metadata        JSONB,
			occurred_at     TIMESTAMPTZ NOT NULL,
			processed_at    TIMESTAMPTZ,
			UNIQUE (tenant_id, source, external_tx_id)
		);
		CREATE INDEX IF NOT EXISTS idx_revenue_events_tenant_time
			ON revenue_events (tenant_id, occurred_at DESC);
	`)
	return err
}

const eventColumns = `id, tenant_id, site_id, source, amount, currency, external_tx_id,
	status, metadata, occurred_at, processed_at`

func (p *PostgresStore) Insert(ctx context.Context, e *RevenueEvent) error {
	var meta []byte
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = b
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO revenue_events (`+eventColumns+`)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TenantID, e.SiteID, string(e.Source), e.Amount.StringFixed(2), e.Currency,
		e.ExternalTxID, string(e.Status), meta, e.OccurredAt, e.ProcessedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("insert revenue event: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, tenantID string, source Source, externalTxID string) (*RevenueEvent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM revenue_events
		 WHERE tenant_id = $1 AND source = $2 AND external_tx_id = $3`,
		tenantID, string(source), externalTxID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, tenantID string, source Source, externalTxID string, from, to Status, processedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE revenue_events SET status = $5, processed_at = $6
		WHERE tenant_id = $1 AND source = $2 AND external_tx_id = $3 AND status = $4`,
		tenantID, string(source), externalTxID, string(from), string(to), processedAt)
	if err != nil {
		return fmt.Errorf("update revenue status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetByExternalID(ctx, tenantID, source, externalTxID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*RevenueEvent, error) {
	return p.query(ctx,
		`SELECT `+eventColumns+` FROM revenue_events WHERE tenant_id = $1
		 ORDER BY occurred_at DESC, id DESC`, tenantID)
}

func (p *PostgresStore) ListCompleted(ctx context.Context, tenantID string, from, to time.Time) ([]*RevenueEvent, error) {
	return p.query(ctx,
		`SELECT `+eventColumns+` FROM revenue_events
		 WHERE tenant_id = $1 AND status = 'completed' AND occurred_at BETWEEN $2 AND $3
		 ORDER BY occurred_at DESC, id DESC`, tenantID, from, to)
}

func (p *PostgresStore) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM revenue_events WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete revenue events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*RevenueEvent, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query revenue events: %w", err)
	}
	defer rows.Close()

	var out []*RevenueEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*RevenueEvent, error) {
	var (
		e           RevenueEvent
		siteID      sql.NullString
		source      string
		amount      decimal.Decimal
		status      string
		meta        []byte
		processedAt sql.NullTime
	)
	if err := s.Scan(&e.ID, &e.TenantID, &siteID, &source, &amount, &e.Currency,
		&e.ExternalTxID, &status, &meta, &e.OccurredAt, &processedAt); err != nil {
		return nil, err
	}
	e.SiteID = siteID.String
	e.Source = Source(source)
	e.Amount = amount
	e.Status = Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
