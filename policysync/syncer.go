// Package policysync keeps local record collections up to date from the
// remote API. A sync fetches the whole collection and upserts every record
// in the order the API returned it; reads always come from the local store.
package policysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/flight"
	"github.com/wolfeidau/policy-cache/telemetry"
	"github.com/wolfeidau/policy-cache/upstream"
)

// Source fetches a whole collection from the network.
// upstream.Client satisfies this interface.
type Source interface {
	FetchCollection(ctx context.Context, path string) ([]json.RawMessage, error)
}

// Collection is the local store the syncer writes to.
// store.Collection satisfies this interface.
type Collection interface {
	Name() string
	Upsert(ctx context.Context, rec policycache.Record) error
	ListAll(ctx context.Context) ([]policycache.Record, error)
}

// Syncer synchronises one collection.
type Syncer struct {
	name    string
	local   Collection
	source  Source
	path    string
	idField string
	online  upstream.Connectivity
	onError OnError
	logger  *slog.Logger
	now     func() time.Time
	flights flight.Group[Result]
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithPath sets the API path of the collection. Defaults to "/<name>".
func WithPath(path string) Option {
	return func(s *Syncer) {
		s.path = path
	}
}

// WithIDField sets the gjson path of the record id.
func WithIDField(field string) Option {
	return func(s *Syncer) {
		s.idField = field
	}
}

// WithConnectivity sets the online check. Defaults to always online.
func WithConnectivity(c upstream.Connectivity) Option {
	return func(s *Syncer) {
		s.online = c
	}
}

// WithOnError sets the partial failure policy.
func WithOnError(mode OnError) Option {
	return func(s *Syncer) {
		s.onError = mode
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// New creates a Syncer for local. A nil local runs in network-only mode:
// nothing is persisted and LoadPolicies returns what the API returned.
func New(name string, local Collection, source Source, opts ...Option) *Syncer {
	s := &Syncer{
		name:    name,
		local:   local,
		source:  source,
		path:    "/" + name,
		idField: policycache.DefaultIDField,
		online:  upstream.Static(true),
		onError: AbortRemaining,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sync", "collection", name)
	return s
}

// Name returns the collection name.
func (s *Syncer) Name() string {
	return s.name
}

// SyncFromNetwork fetches the collection and upserts every record locally.
// Offline, it returns immediately with Skipped set. Fetch failures abort the
// sync; upsert failures follow the OnError mode. Nothing is rolled back.
// Concurrent calls share one run.
func (s *Syncer) SyncFromNetwork(ctx context.Context) Result {
	if s.local == nil {
		return Result{Collection: s.name, Err: errors.New("no local store")}
	}

	res, _, err := s.flights.Do(ctx, s.name, s.sync)
	if err != nil {
		// Caller gave up; the shared run continues for other waiters.
		return Result{Collection: s.name, Err: err}
	}
	return res
}

// LoadPolicies syncs and then returns every locally stored record, which
// is the best data available now: possibly stale, possibly just updated.
// The error is non-nil only when the local read fails.
func (s *Syncer) LoadPolicies(ctx context.Context) ([]policycache.Record, Result, error) {
	if s.local == nil {
		return s.loadNetworkOnly(ctx)
	}

	res := s.SyncFromNetwork(ctx)

	records, err := s.local.ListAll(ctx)
	if err != nil {
		return nil, res, fmt.Errorf("listing %s: %w", s.name, err)
	}
	return records, res, nil
}

func (s *Syncer) sync(ctx context.Context) (Result, error) {
	start := s.now()
	res := Result{Collection: s.name}
	defer func() {
		res.Duration = s.now().Sub(start)
		telemetry.RecordSync(ctx, s.name, res.Status(), res.Upserted, res.Failed, res.Duration)
	}()

	if !s.online.Online(ctx) {
		s.logger.Debug("offline, skipping sync")
		res.Skipped = true
		return res, nil
	}

	raws, err := s.source.FetchCollection(telemetry.WithResource(ctx, s.name), s.path)
	if err != nil {
		s.logger.Warn("fetch failed, keeping local copy", "error", err)
		res.Err = err
		return res, nil
	}
	res.Fetched = len(raws)

	var errs []error
	for i, raw := range raws {
		err := s.upsert(ctx, raw)
		if err == nil {
			res.Upserted++
			continue
		}

		res.Failed++
		errs = append(errs, fmt.Errorf("record %d: %w", i, err))
		s.logger.Error("upsert failed", "index", i, "error", err)
		if s.onError == AbortRemaining {
			break
		}
	}
	res.Err = errors.Join(errs...)

	s.logger.Info("sync complete",
		"fetched", res.Fetched,
		"upserted", res.Upserted,
		"failed", res.Failed,
		"status", res.Status(),
	)
	return res, nil
}

func (s *Syncer) upsert(ctx context.Context, raw json.RawMessage) error {
	rec, err := policycache.NewRecord(raw, s.idField)
	if err != nil {
		return err
	}
	return s.local.Upsert(ctx, rec)
}

// loadNetworkOnly serves records straight from the API when there is no
// local store. Offline or on failure it returns no records.
func (s *Syncer) loadNetworkOnly(ctx context.Context) ([]policycache.Record, Result, error) {
	start := s.now()
	res := Result{Collection: s.name}

	var records []policycache.Record
	switch {
	case !s.online.Online(ctx):
		res.Skipped = true
	default:
		raws, err := s.source.FetchCollection(telemetry.WithResource(ctx, s.name), s.path)
		if err != nil {
			res.Err = err
			break
		}
		res.Fetched = len(raws)
		records = make([]policycache.Record, 0, len(raws))
		var errs []error
		for i, raw := range raws {
			rec, err := policycache.NewRecord(raw, s.idField)
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("record %d: %w", i, err))
				continue
			}
			records = append(records, rec)
		}
		res.Err = errors.Join(errs...)
	}

	res.Duration = s.now().Sub(start)
	return records, res, nil
}
