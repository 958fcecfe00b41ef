package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perch-labs/switchyard/internal/resolver"
)

const cacheKeyPrefix = "resolver:"

// ResolverCache is the redis-backed resolution cache. Entries expire after
// the configured TTL; lifecycle transitions delete them eagerly through the
// bus.
type ResolverCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewResolverCache(client *redis.Client, ttl time.Duration) *ResolverCache {
	return &ResolverCache{client: client, ttl: ttl}
}

func (c *ResolverCache) Get(ctx context.Context, key string) (*resolver.Entry, error) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.ResolverCache.Get: %w", err)
	}

	var entry resolver.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("redis.ResolverCache.Get: unmarshal: %w", err)
	}

	return &entry, nil
}

func (c *ResolverCache) Set(ctx context.Context, key string, e *resolver.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis.ResolverCache.Set: marshal: %w", err)
	}

	if err := c.client.Set(ctx, cacheKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis.ResolverCache.Set: %w", err)
	}

	return nil
}

func (c *ResolverCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = cacheKeyPrefix + k
	}

	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis.ResolverCache.Delete: %w", err)
	}

	return nil
}
