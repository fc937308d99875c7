// Package store provides durable, offline-readable storage for record
// collections fetched from the remote API.
package store

import (
	"context"
	"errors"

	policycache "github.com/wolfeidau/policy-cache"
)

var (
	// ErrUnavailable is returned when the on-disk store cannot be opened
	// (permissions, lock contention, disk full). Callers should degrade to
	// network-only mode.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrWrite is returned when a single record write fails.
	ErrWrite = errors.New("store: write failed")

	// ErrRead is returned when reading records fails.
	ErrRead = errors.New("store: read failed")

	// ErrNotFound is returned when a record or collection does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Store persists records grouped into named collections.
// Implementations must be safe for concurrent use. Every single-record
// operation is atomic; no transaction spans several records.
type Store interface {
	// Init ensures the named collection exists. It is idempotent across
	// calls and process restarts.
	Init(ctx context.Context, collection string) error

	// Upsert writes rec, replacing any record with the same id.
	// Failures wrap ErrWrite.
	Upsert(ctx context.Context, collection string, rec policycache.Record) error

	// ListAll returns every record in the collection. Order is not
	// guaranteed. Failures wrap ErrRead.
	ListAll(ctx context.Context, collection string) ([]policycache.Record, error)

	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, collection, id string) (policycache.Record, error)

	// Count returns the number of records in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases the underlying database.
	Close() error
}
