package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteProvider struct {
	db *sql.DB
}

// NewSQLiteProvider opens (creating if needed) a sqlite database at path.
func NewSQLiteProvider(ctx context.Context, path string) (Provider, error) {
	if path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	p := &sqliteProvider{db: db}
	if err := p.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *sqliteProvider) initSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_trigger TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			api_key_hash TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

func (p *sqliteProvider) Get(ctx context.Context, id string) (Tenant, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, webhook_url, webhook_trigger, webhook_secret, api_key_hash, updated_at
		FROM tenants WHERE id = ?`, id)
	t, err := scanSQLiteTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

func (p *sqliteProvider) Upsert(ctx context.Context, t Tenant) error {
	url, trigger, secret := webhookColumns(t)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, webhook_url, webhook_trigger, webhook_secret, api_key_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			webhook_trigger = excluded.webhook_trigger,
			webhook_secret = excluded.webhook_secret,
			api_key_hash = excluded.api_key_hash,
			updated_at = excluded.updated_at`,
		t.ID, url, trigger, secret, t.APIKeyHash, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (p *sqliteProvider) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	return nil
}

func (p *sqliteProvider) List(ctx context.Context) ([]Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, webhook_url, webhook_trigger, webhook_secret, api_key_hash, updated_at
		FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanSQLiteTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *sqliteProvider) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTenant(row rowScanner) (Tenant, error) {
	var (
		id, url, trigger, secret, hash string
		updated                        int64
	)
	if err := row.Scan(&id, &url, &trigger, &secret, &hash, &updated); err != nil {
		return Tenant{}, err
	}
	return tenantFromColumns(id, url, trigger, secret, hash, time.Unix(0, updated)), nil
}
