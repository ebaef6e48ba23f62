package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores blobs under a key prefix, for clients sharing one mirror.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache uses ttl 0 for keys that never expire.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chat:mirror"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, c.key(key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
