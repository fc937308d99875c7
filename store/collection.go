package store

import (
	"context"

	policycache "github.com/wolfeidau/policy-cache"
)

// Collection binds a Store to a single collection name.
// It provides the narrower interface used by the sync layer and handlers.
type Collection struct {
	store Store
	name  string
}

// NewCollection creates a collection view and ensures the collection exists.
func NewCollection(ctx context.Context, s Store, name string) (*Collection, error) {
	if err := s.Init(ctx, name); err != nil {
		return nil, err
	}
	return &Collection{store: s, name: name}, nil
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Upsert writes rec, replacing any record with the same id.
func (c *Collection) Upsert(ctx context.Context, rec policycache.Record) error {
	return c.store.Upsert(ctx, c.name, rec)
}

// ListAll returns every record in the collection.
func (c *Collection) ListAll(ctx context.Context) ([]policycache.Record, error) {
	return c.store.ListAll(ctx, c.name)
}

// Get returns a single record.
func (c *Collection) Get(ctx context.Context, id string) (policycache.Record, error) {
	return c.store.Get(ctx, c.name, id)
}

// Count returns the number of records.
func (c *Collection) Count(ctx context.Context) (int, error) {
	return c.store.Count(ctx, c.name)
}
