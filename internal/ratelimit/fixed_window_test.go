package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", limit, time.Minute)
	require.NoError(t, err)
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	return limiter, server
}

func TestFixedWindowLimiter_Allow(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}

	ok, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok, "third request should be blocked")

	ok, err = limiter.Allow(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, ok, "other keys have their own window")
}

func TestFixedWindowLimiter_WindowExpires(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	ok, _ := limiter.Allow(ctx, "user-1")
	assert.True(t, ok)
	ok, _ = limiter.Allow(ctx, "user-1")
	assert.False(t, ok)

	next := limiter.now().Add(time.Minute)
	limiter.now = func() time.Time { return next }

	ok, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts a new count")
}

func TestFixedWindowLimiter_FailClosed(t *testing.T) {
	limiter, server := newTestLimiter(t, 1)
	server.Close()

	ok, err := limiter.Allow(context.Background(), "user-1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestNewFixedWindowLimiter_Validation(t *testing.T) {
	_, err := NewFixedWindowLimiter(nil, "", 1, time.Second)
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	_, err = NewFixedWindowLimiter(client, "", 0, time.Second)
	assert.Error(t, err)

	_, err = NewRedisClient(" ", "", 0)
	assert.Error(t, err)
}
