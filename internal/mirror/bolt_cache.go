package mirror

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("mirror")

// BoltCache keeps blobs in a single-file bbolt database; the CLI default.
type BoltCache struct {
	db *bolt.DB
}

func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening mirror cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating mirror bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return ErrCacheMiss
		}
		// v is only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (c *BoltCache) Set(ctx context.Context, key string, value []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
}

func (c *BoltCache) Remove(ctx context.Context, key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
