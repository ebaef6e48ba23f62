package mirror

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheContract(t *testing.T, cache Cache) {
	t.Helper()
	ctx := context.Background()

	_, err := cache.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrCacheMiss), "got %v", err)

	require.NoError(t, cache.Set(ctx, "k", []byte(`{"a":1}`)))
	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, cache.Set(ctx, "k", []byte(`{"a":2}`)))
	got, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(got))

	require.NoError(t, cache.Remove(ctx, "k"))
	_, err = cache.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrCacheMiss))

	assert.NoError(t, cache.Remove(ctx, "never-set"))
}

func TestMemoryCache(t *testing.T) {
	cacheContract(t, NewMemoryCache())
}

func TestRedisCache(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCache(client, "test:mirror", 0)
	cacheContract(t, cache)

	require.NoError(t, cache.Set(context.Background(), "credits", []byte("{}")))
	assert.True(t, server.Exists("test:mirror:credits"))
}

func TestBoltCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	cache, err := OpenBoltCache(path)
	require.NoError(t, err)
	cacheContract(t, cache)

	require.NoError(t, cache.Set(context.Background(), "persisted", []byte("yes")))
	require.NoError(t, cache.Close())

	reopened, err := OpenBoltCache(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "persisted")
	require.NoError(t, err)
	assert.Equal(t, "yes", string(got))
}
