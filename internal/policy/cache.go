package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache fronts the repository; policies are read on every settlement and
// change rarely.
type Cache interface {
	Get(ctx context.Context, tenantID string) (Policy, bool, error)
	Set(ctx context.Context, tenantID string, p Policy) error
	Invalidate(ctx context.Context, tenantID string) error
}

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func cacheKey(tenantID string) string {
	return "settlement_policy:" + tenantID
}

func (c *RedisCache) Get(ctx context.Context, tenantID string) (Policy, bool, error) {
	val, err := c.rdb.Get(ctx, cacheKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Policy{}, false, nil
	}
	if err != nil {
		return Policy{}, false, fmt.Errorf("get cached policy: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(val, &p); err != nil {
		return Policy{}, false, fmt.Errorf("decode cached policy: %w", err)
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, tenantID string, p Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	return c.rdb.Set(ctx, cacheKey(tenantID), b, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, tenantID string) error {
	return c.rdb.Del(ctx, cacheKey(tenantID)).Err()
}
