// Package policydb provides a bbolt-backed record store.
package policydb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/store"
)

// BoltDB implements store.Store using bbolt.
type BoltDB struct {
	db          *bbolt.DB
	logger      *slog.Logger
	lockTimeout time.Duration
	noSync      bool // disables fsync per transaction (for testing only)
}

// Option configures a BoltDB instance.
type Option func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithLockTimeout sets how long Open waits for the file lock held by
// another process before giving up.
func WithLockTimeout(d time.Duration) Option {
	return func(b *BoltDB) {
		b.lockTimeout = d
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// Open opens (creating if needed) the database at path.
// Failures wrap store.ErrUnavailable.
func Open(path string, opts ...Option) (*BoltDB, error) {
	b := &BoltDB{
		logger:      slog.Default(),
		lockTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: b.lockTimeout,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening database %s: %w", store.ErrUnavailable, path, err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	b.logger.Debug("opened policydb", "path", path, "noSync", b.noSync)
	return b, nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCollections); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketCollections, err)
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing policydb")
	return b.db.Close()
}

// DB returns the underlying bbolt database.
// Used by urlcache to keep its key/value namespace in the same file.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

// Init creates the collection bucket if it does not exist.
func (b *BoltDB) Init(ctx context.Context, collection string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	if collection == "" {
		return fmt.Errorf("%w: collection name is required", store.ErrUnavailable)
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.Bucket(bucketCollections).CreateBucketIfNotExists([]byte(collection))
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection %q: %w", store.ErrUnavailable, collection, err)
	}
	return nil
}

// Upsert stores rec under its id, replacing any previous value.
func (b *BoltDB) Upsert(ctx context.Context, collection string, rec policycache.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrWrite, err)
	}
	if rec.ID == "" {
		return fmt.Errorf("%w: %w", store.ErrWrite, policycache.ErrMissingID)
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return fmt.Errorf("collection %q: %w", collection, store.ErrNotFound)
		}
		return bucket.Put(recordKey(rec.ID), rec.Data)
	})
	if err != nil {
		return fmt.Errorf("%w: upserting %s/%s: %w", store.ErrWrite, collection, rec.ID, err)
	}
	return nil
}

// ListAll returns all records in the collection, ordered by id bytes.
func (b *BoltDB) ListAll(ctx context.Context, collection string) ([]policycache.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrRead, err)
	}

	var records []policycache.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return fmt.Errorf("collection %q: %w", collection, store.ErrNotFound)
		}
		records = make([]policycache.Record, 0, bucket.Stats().KeyN)
		return bucket.ForEach(func(k, v []byte) error {
			records = append(records, policycache.Record{
				ID:   string(k),
				Data: copyBytes(v),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", store.ErrRead, collection, err)
	}
	return records, nil
}

// Get returns a single record.
func (b *BoltDB) Get(ctx context.Context, collection, id string) (policycache.Record, error) {
	if err := ctx.Err(); err != nil {
		return policycache.Record{}, fmt.Errorf("%w: %w", store.ErrRead, err)
	}

	var rec policycache.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return store.ErrNotFound
		}
		val := bucket.Get(recordKey(id))
		if val == nil {
			return store.ErrNotFound
		}
		rec = policycache.Record{ID: id, Data: copyBytes(val)}
		return nil
	})
	return rec, err
}

// Count returns the number of records in the collection.
func (b *BoltDB) Count(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", store.ErrRead, err)
	}

	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return store.ErrNotFound
		}
		n = bucket.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting %s: %w", store.ErrRead, collection, err)
	}
	return n, nil
}

var _ store.Store = (*BoltDB)(nil)
