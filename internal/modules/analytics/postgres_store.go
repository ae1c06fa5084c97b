package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/monetize/internal/pagination"
)

// PostgresStore persists tracked events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, tenant_id, site_id, type, source, amount, data, occurred_at, created_at`

func (p *PostgresStore) Insert(ctx context.Context, e *TrackedEvent) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO analytics_events (`+eventColumns+`)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, '')::numeric, $7, $8, $9)`,
		e.ID, e.TenantID, e.SiteID, e.Type, e.Source, e.Amount, data, e.OccurredAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*TrackedEvent, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM analytics_events WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC LIMIT NULLIF($2::int, 0)`, tenantID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM analytics_events
			WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT NULLIF($4::int, 0)`, tenantID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list analytics events: %w", err)
	}
	defer rows.Close()

	var out []*TrackedEvent
	for rows.Next() {
		var (
			e                      TrackedEvent
			siteID, source, amount sql.NullString
			data                   []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &siteID, &e.Type, &source, &amount, &data,
			&e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SiteID, e.Source, e.Amount = siteID.String, source.String, amount.String
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountByType(ctx context.Context, tenantID string, since time.Time) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM analytics_events
		WHERE tenant_id = $1 AND occurred_at >= $2
		GROUP BY type`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("count analytics events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			typ string
			n   int64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM analytics_events WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete analytics events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Migrate creates the analytics_events table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS analytics_events (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			site_id     TEXT,
			type        TEXT NOT NULL,
			source      TEXT,
			amount      NUMERIC(12,2),
			data        JSONB,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_analytics_events_tenant ON analytics_events(tenant_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_analytics_events_occurred ON analytics_events(tenant_id, occurred_at);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
