package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisTenantPrefix = "tenantlink:tenant:"
	redisIndexKey     = "tenantlink:tenants"
)

type redisProvider struct {
	client *redis.Client
}

// NewRedisProvider connects to redisURL and pings it.
func NewRedisProvider(ctx context.Context, redisURL string, logger zerolog.Logger) (Provider, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis parse: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("redis ready")
	return NewRedisProviderFromClient(client), nil
}

// NewRedisProviderFromClient wraps an existing client. Close closes the client.
func NewRedisProviderFromClient(client *redis.Client) Provider {
	return &redisProvider{client: client}
}

func (p *redisProvider) Get(ctx context.Context, id string) (Tenant, error) {
	data, err := p.client.Get(ctx, redisTenantPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}

	var t Tenant
	if err := json.Unmarshal(data, &t); err != nil {
		return Tenant{}, fmt.Errorf("decode tenant %s: %w", id, err)
	}
	return t, nil
}

func (p *redisProvider) Upsert(ctx context.Context, t Tenant) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tenant %s: %w", t.ID, err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisTenantPrefix+t.ID, data, 0)
		pipe.SAdd(ctx, redisIndexKey, t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (p *redisProvider) Delete(ctx context.Context, id string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisTenantPrefix+id)
		pipe.SRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	return nil
}

func (p *redisProvider) List(ctx context.Context) ([]Tenant, error) {
	ids, err := p.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisTenantPrefix + id
	}
	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	out := make([]Tenant, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Indexed but the value is gone; skip rather than fail the listing.
			continue
		}
		var t Tenant
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, fmt.Errorf("decode tenant %s: %w", ids[i], err)
		}
		out = append(out, t)
	}
	sortTenants(out)
	return out, nil
}

func (p *redisProvider) Close() error {
	return p.client.Close()
}
