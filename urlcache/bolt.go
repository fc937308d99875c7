package urlcache

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// bucketURLCache holds URL cache entries alongside the record collections
// when sharing a policydb file.
var bucketURLCache = []byte("url_cache")

// Bolt is a KV stored in a bucket of a bbolt database.
type Bolt struct {
	db *bbolt.DB
}

// NewBolt creates the url_cache bucket in db if needed.
// The caller owns db and is responsible for closing it.
func NewBolt(db *bbolt.DB) (*Bolt, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketURLCache)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", bucketURLCache, err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketURLCache).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *Bolt) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketURLCache).Put([]byte(key), value)
	})
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketURLCache).Delete([]byte(key))
	})
}

func (b *Bolt) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketURLCache).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

var _ KV = (*Bolt)(nil)
