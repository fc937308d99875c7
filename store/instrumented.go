package store

import (
	"context"
	"errors"
	"time"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
// name identifies the backing engine in metrics (e.g. "bolt", "sqlite").
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (is *Instrumented) Init(ctx context.Context, collection string) error {
	start := time.Now()
	err := is.store.Init(ctx, collection)
	telemetry.RecordStoreOp(ctx, is.name, collection, "init", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *Instrumented) Upsert(ctx context.Context, collection string, rec policycache.Record) error {
	start := time.Now()
	err := is.store.Upsert(ctx, collection, rec)
	telemetry.RecordStoreOp(ctx, is.name, collection, "upsert", outcomeFromError(err), time.Since(start), int64(len(rec.Data)))
	return err
}

func (is *Instrumented) ListAll(ctx context.Context, collection string) ([]policycache.Record, error) {
	start := time.Now()
	recs, err := is.store.ListAll(ctx, collection)
	var n int64
	for _, rec := range recs {
		n += int64(len(rec.Data))
	}
	telemetry.RecordStoreOp(ctx, is.name, collection, "list", outcomeFromError(err), time.Since(start), n)
	return recs, err
}

func (is *Instrumented) Get(ctx context.Context, collection, id string) (policycache.Record, error) {
	start := time.Now()
	rec, err := is.store.Get(ctx, collection, id)
	telemetry.RecordStoreOp(ctx, is.name, collection, "get", outcomeFromError(err), time.Since(start), int64(len(rec.Data)))
	return rec, err
}

func (is *Instrumented) Count(ctx context.Context, collection string) (int, error) {
	start := time.Now()
	n, err := is.store.Count(ctx, collection)
	telemetry.RecordStoreOp(ctx, is.name, collection, "count", outcomeFromError(err), time.Since(start), 0)
	return n, err
}

func (is *Instrumented) Close() error {
	return is.store.Close()
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

var _ Store = (*Instrumented)(nil)
