package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Limiter decides whether a caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// FixedWindowLimiter counts requests per key in Redis over a fixed window.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	prefix string
	client redis.UniversalClient
	now    func() time.Time
}

// NewFixedWindowLimiter creates a limiter over an existing client.
func NewFixedWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter requires a redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chat:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		prefix: prefix,
		client: client,
		now:    time.Now,
	}, nil
}

// NewRedisClient builds the client shared by the limiter and the mirror cache.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), nil
}

// Allow fails closed: a Redis error denies the request and is returned to the caller.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil {
		return false, errors.New("rate limiter is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}

	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return count <= int64(l.limit), nil
}
