package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists entries in the activity_log table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if e.TenantID == "" || e.Action == "" {
		return ErrInvalidEntry
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, tenant_id, action, result, data, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		e.ID, e.TenantID, e.Action, e.Result, data, e.IP, e.UserAgent, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) CountSince(ctx context.Context, tenantID, action string, since time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activity_log
		WHERE tenant_id = $1 AND action = $2 AND created_at >= $3`,
		tenantID, action, since,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, action, result, data, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM activity_log WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.Result, &data, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM activity_log WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Migrate creates the activity_log table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS activity_log (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			action     TEXT NOT NULL,
			result     TEXT NOT NULL,
			data       JSONB,
			ip_address VARCHAR(45),
			user_agent TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_activity_tenant_action ON activity_log(tenant_id, action, created_at);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
