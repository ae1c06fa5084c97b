package adrevenue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/monetize/internal/pagination"
)

// PostgresSiteStore persists sites in PostgreSQL.
type PostgresSiteStore struct {
	db *sql.DB
}

func NewPostgresSiteStore(db *sql.DB) *PostgresSiteStore {
	return &PostgresSiteStore{db: db}
}

const siteColumns = `id, tenant_id, name, url, platform, adsense_publisher_id, analytics_tracking_id,
	newsletter_audience_id, status, created_at, updated_at`

func (p *PostgresSiteStore) Create(ctx context.Context, s *Site) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sites (`+siteColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)`,
		s.ID, s.TenantID, s.Name, s.URL, string(s.Platform), s.AdsensePublisherID,
		s.AnalyticsTrackingID, s.NewsletterAudienceID, string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSiteURLTaken
		}
		return fmt.Errorf("insert site: %w", err)
	}
	return nil
}

func (p *PostgresSiteStore) Get(ctx context.Context, id string) (*Site, error) {
	s, err := scanSite(p.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSiteNotFound
	}
	return s, err
}

func (p *PostgresSiteStore) List(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Site, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+siteColumns+` FROM sites WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC LIMIT NULLIF($2::int, 0)`, tenantID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+siteColumns+` FROM sites
			WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT NULLIF($4::int, 0)`, tenantID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []*Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresSiteStore) CountActive(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sites WHERE tenant_id = $1 AND status = 'active'`, tenantID).Scan(&n)
	return n, err
}

func (p *PostgresSiteStore) UpdateStatus(ctx context.Context, id string, status SiteStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sites SET status = $1, updated_at = $2 WHERE id = $3`, string(status), at, id)
	if err != nil {
		return fmt.Errorf("update site status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSiteNotFound
	}
	return nil
}

func (p *PostgresSiteStore) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sites WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete sites: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Migrate creates the sites and ad_stats tables.
func (p *PostgresSiteStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sites (
			id                     TEXT PRIMARY KEY,
			tenant_id              TEXT NOT NULL,
			name                   TEXT NOT NULL,
			url                    TEXT NOT NULL UNIQUE,
			platform               TEXT NOT NULL DEFAULT 'wordpress',
			adsense_publisher_id   TEXT,
			analytics_tracking_id  TEXT,
			newsletter_audience_id TEXT,
			status                 TEXT NOT NULL DEFAULT 'active',
			created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sites_tenant ON sites(tenant_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS ad_stats (
			tenant_id   TEXT NOT NULL,
			site_id     TEXT NOT NULL,
			day         DATE NOT NULL,
			impressions BIGINT NOT NULL DEFAULT 0,
			clicks      BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (site_id, day)
		);
		CREATE INDEX IF NOT EXISTS idx_ad_stats_tenant ON ad_stats(tenant_id, day);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(r rowScanner) (*Site, error) {
	var (
		s                       Site
		platform, status        string
		adsense, ga, audienceID sql.NullString
	)
	if err := r.Scan(&s.ID, &s.TenantID, &s.Name, &s.URL, &platform, &adsense, &ga, &audienceID,
		&status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Platform = Platform(platform)
	s.Status = SiteStatus(status)
	s.AdsensePublisherID = adsense.String
	s.AnalyticsTrackingID = ga.String
	s.NewsletterAudienceID = audienceID.String
	return &s, nil
}

// PostgresStatsStore persists daily ad stats.
type PostgresStatsStore struct {
	db *sql.DB
}

func NewPostgresStatsStore(db *sql.DB) *PostgresStatsStore {
	return &PostgresStatsStore{db: db}
}

func (p *PostgresStatsStore) Add(ctx context.Context, tenantID, siteID string, day time.Time, impressions, clicks int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ad_stats (tenant_id, site_id, day, impressions, clicks)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (site_id, day) DO UPDATE SET
			impressions = ad_stats.impressions + EXCLUDED.impressions,
			clicks      = ad_stats.clicks + EXCLUDED.clicks`,
		tenantID, siteID, day, impressions, clicks)
	if err != nil {
		return fmt.Errorf("add ad stats: %w", err)
	}
	return nil
}

func (p *PostgresStatsStore) Since(ctx context.Context, tenantID string, since time.Time) ([]AdStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT site_id, COALESCE(SUM(impressions), 0), COALESCE(SUM(clicks), 0)
		FROM ad_stats WHERE tenant_id = $1 AND day >= $2
		GROUP BY site_id ORDER BY site_id`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query ad stats: %w", err)
	}
	defer rows.Close()

	var out []AdStats
	for rows.Next() {
		s := AdStats{TenantID: tenantID, Day: since}
		if err := rows.Scan(&s.SiteID, &s.Impressions, &s.Clicks); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStatsStore) DeleteByTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ad_stats WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete ad stats: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var (
	_ SiteStore  = (*PostgresSiteStore)(nil)
	_ StatsStore = (*PostgresStatsStore)(nil)
)
