package tenants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type pgProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider connects to dsn, pings it and ensures the schema exists.
func NewPostgresProvider(ctx context.Context, dsn string, logger zerolog.Logger) (Provider, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg schema: %w", err)
	}

	logger.Info().Str("host", redactDSN(dsn)).Msg("postgres ready")
	return &pgProvider{pool: pool}, nil
}

// EnsureSchema creates the tenants table if it does not already exist.
// Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenantlink_tenants (
  id text PRIMARY KEY,
  webhook_url text NOT NULL DEFAULT '',
  webhook_trigger text NOT NULL DEFAULT '',
  webhook_secret text NOT NULL DEFAULT '',
  api_key_hash text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

func (p *pgProvider) Get(ctx context.Context, id string) (Tenant, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, webhook_url, webhook_trigger, webhook_secret, api_key_hash, updated_at
FROM tenantlink_tenants WHERE id = $1`, id)
	t, err := scanPGTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

func (p *pgProvider) Upsert(ctx context.Context, t Tenant) error {
	url, trigger, secret := webhookColumns(t)
	_, err := p.pool.Exec(ctx, `
INSERT INTO tenantlink_tenants (id, webhook_url, webhook_trigger, webhook_secret, api_key_hash, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (id) DO UPDATE SET
  webhook_url = EXCLUDED.webhook_url,
  webhook_trigger = EXCLUDED.webhook_trigger,
  webhook_secret = EXCLUDED.webhook_secret,
  api_key_hash = EXCLUDED.api_key_hash,
  updated_at = NOW()`,
		t.ID, url, trigger, secret, t.APIKeyHash)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (p *pgProvider) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM tenantlink_tenants WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	return nil
}

func (p *pgProvider) List(ctx context.Context) ([]Tenant, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, webhook_url, webhook_trigger, webhook_secret, api_key_hash, updated_at
FROM tenantlink_tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanPGTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *pgProvider) Close() error {
	p.pool.Close()
	return nil
}

func scanPGTenant(row pgx.Row) (Tenant, error) {
	var (
		id, url, trigger, secret, hash string
		updated                        time.Time
	)
	if err := row.Scan(&id, &url, &trigger, &secret, &hash, &updated); err != nil {
		return Tenant{}, err
	}
	return tenantFromColumns(id, url, trigger, secret, hash, updated), nil
}

func redactDSN(dsn string) string {
	if i := strings.LastIndex(dsn, "@"); i > 0 {
		return "***@" + dsn[i+1:]
	}
	return dsn
}
