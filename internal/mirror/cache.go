// Package mirror keeps a local, optimistic copy of the user's conversations so a
// client can render before the server answers. Local writes are provisional
// until acknowledged, and server state wins on reconcile.
package mirror

import (
	"context"
	"errors"
	"sync"
)

// ErrCacheMiss is returned by Cache.Get for absent keys.
var ErrCacheMiss = errors.New("mirror: cache miss")

// Cache is the persistent local tier: keyed JSON blobs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// MemoryCache is a process-local Cache, used in tests and as a fallback.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string][]byte)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), v...), nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = append([]byte(nil), value...)
	return nil
}

func (c *MemoryCache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}
