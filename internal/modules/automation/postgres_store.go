package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/monetize/internal/pagination"
)

// PostgresStore persists tasks in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `id, tenant_id, site_id, name, task_type, schedule, status, config, last_run, next_run,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Task) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal task config: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO automation_tasks (`+taskColumns+`)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.TenantID, t.SiteID, t.Name, string(t.Type), string(t.Schedule), string(t.Status),
		cfg, t.LastRun, t.NextRun, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM automation_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Task, error) {
	if after == nil {
		return p.query(ctx, `
			SELECT `+taskColumns+` FROM automation_tasks WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC LIMIT NULLIF($2::int, 0)`, tenantID, limit)
	}
	return p.query(ctx, `
		SELECT `+taskColumns+` FROM automation_tasks
		WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC LIMIT NULLIF($4::int, 0)`, tenantID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) FindActive(ctx context.Context, tenantID string, typ TaskType, siteID string) ([]*Task, error) {
	return p.query(ctx, `
		SELECT `+taskColumns+` FROM automation_tasks
		WHERE tenant_id = $1 AND task_type = $2 AND COALESCE(site_id, '') = $3 AND status = 'active'`,
		tenantID, string(typ), siteID)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountActive(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM automation_tasks WHERE tenant_id = $1 AND status = 'active'`, tenantID).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountByStatus(ctx context.Context, tenantID string) (map[Status]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM automation_tasks WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[Status]int64)
	for rows.Next() {
		var (
			s string
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, t *Task) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal task config: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE automation_tasks
		SET name = $2, schedule = $3, status = $4, config = $5, last_run = $6, next_run = $7, updated_at = $8
		WHERE id = $1`,
		t.ID, t.Name, string(t.Schedule), string(t.Status), cfg, t.LastRun, t.NextRun, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM automation_tasks WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Migrate creates the automation_tasks table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS automation_tasks (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			site_id     TEXT,
			name        TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'active',
			config      JSONB,
			last_run    TIMESTAMPTZ,
			next_run    TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_automation_tasks_tenant ON automation_tasks(tenant_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_automation_tasks_due ON automation_tasks(next_run) WHERE status = 'active';
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t                     Task
		siteID                sql.NullString
		typ, schedule, status string
		cfg                   []byte
		lastRun, nextRun      sql.NullTime
	)
	if err := r.Scan(&t.ID, &t.TenantID, &siteID, &t.Name, &typ, &schedule, &status, &cfg,
		&lastRun, &nextRun, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.SiteID = siteID.String
	t.Type, t.Schedule, t.Status = TaskType(typ), Schedule(schedule), Status(status)
	if len(cfg) > 0 && string(cfg) != "null" {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return nil, fmt.Errorf("decode task config: %w", err)
		}
	}
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	if nextRun.Valid {
		t.NextRun = &nextRun.Time
	}
	return &t, nil
}

var _ Store = (*PostgresStore)(nil)
