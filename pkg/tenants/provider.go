package tenants

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a tenant has no stored configuration.
var ErrNotFound = errors.New("tenant not found")

// Provider stores tenant configuration.
type Provider interface {
	Get(ctx context.Context, id string) (Tenant, error)
	// Upsert creates or replaces the tenant and stamps UpdatedAt.
	Upsert(ctx context.Context, t Tenant) error
	// Delete removes the tenant. Deleting an unknown tenant is not an error.
	Delete(ctx context.Context, id string) error
	// List returns all tenants ordered by ID.
	List(ctx context.Context) ([]Tenant, error)
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverFile     = "file"
)

// Drivers lists the accepted store drivers.
var Drivers = []string{DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverFile}

// Config selects and configures a provider.
type Config struct {
	Driver   string
	Path     string // sqlite database or yaml file
	DSN      string // postgres
	RedisURL string
}

// Open creates the provider named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Provider, error) {
	logger = logger.With().Str("component", "tenants").Str("driver", cfg.Driver).Logger()

	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		return NewMemoryProvider(), nil
	case DriverSQLite:
		return NewSQLiteProvider(ctx, cfg.Path)
	case DriverPostgres:
		return NewPostgresProvider(ctx, cfg.DSN, logger)
	case DriverRedis:
		return NewRedisProvider(ctx, cfg.RedisURL, logger)
	case DriverFile:
		return NewFileProvider(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown tenant store driver %q", cfg.Driver)
	}
}
