// Package urlcache caches arbitrary JSON resources keyed by URL with a
// freshness window. Staleness is only evaluated on read: expired entries
// stay in place until overwritten or purged, and GetCached serves them when
// the network is unavailable.
package urlcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/policy-cache/flight"
	"github.com/wolfeidau/policy-cache/telemetry"
)

// DefaultMaxAge is the default freshness window.
const DefaultMaxAge = time.Hour

// Fetcher retrieves a JSON resource from the network.
// upstream.Client satisfies this interface.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string) (json.RawMessage, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (json.RawMessage, error)

// FetchJSON calls f.
func (f FetcherFunc) FetchJSON(ctx context.Context, url string) (json.RawMessage, error) {
	return f(ctx, url)
}

// Cache is the URL cache.
type Cache struct {
	kv      KV
	codec   *codec
	fetcher Fetcher
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
	fetches flight.Group[json.RawMessage]
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxAge sets the freshness window used by Get and GetCached.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) {
		c.maxAge = d
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithFetcher sets the network source used by GetCached.
func WithFetcher(f Fetcher) Option {
	return func(c *Cache) {
		c.fetcher = f
	}
}

// New creates a Cache persisting entries in kv.
func New(kv KV, opts ...Option) (*Cache, error) {
	cdc, err := newCodec()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		kv:     kv,
		codec:  cdc,
		maxAge: DefaultMaxAge,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "urlcache")
	return c, nil
}

// Close releases codec resources. It does not close the KV.
func (c *Cache) Close() {
	c.codec.close()
}

// MaxAge returns the configured freshness window.
func (c *Cache) MaxAge() time.Duration {
	return c.maxAge
}

// Set stores payload under key stamped with the current time,
// replacing any previous entry.
func (c *Cache) Set(ctx context.Context, key string, payload json.RawMessage) error {
	value, err := c.codec.encode(Entry{Data: payload, Timestamp: c.now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := c.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Get returns the payload for key if it is younger than the default maxAge.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	return c.GetWithin(ctx, key, c.maxAge)
}

// GetWithin returns the payload for key if now - timestamp < maxAge.
// Missing, expired and unreadable entries all report no value.
func (c *Cache) GetWithin(ctx context.Context, key string, maxAge time.Duration) (json.RawMessage, bool) {
	e, ok := c.lookup(ctx, key)
	if !ok || !c.fresh(e, maxAge) {
		return nil, false
	}
	return e.Data, true
}

// GetCached returns a fresh cached payload without touching the network.
// Otherwise it fetches url, stores the result and returns it. When the fetch
// fails it serves the last stored payload regardless of age, or no value.
// Network errors are never returned; the CacheResult describes what happened
// and is CacheEmpty exactly when the payload is nil.
func (c *Cache) GetCached(ctx context.Context, url string) (json.RawMessage, telemetry.CacheResult) {
	payload, result := c.getCached(ctx, url)
	telemetry.RecordURLCacheLookup(ctx, result)
	return payload, result
}

func (c *Cache) getCached(ctx context.Context, url string) (json.RawMessage, telemetry.CacheResult) {
	e, found := c.lookup(ctx, url)
	if found && c.fresh(e, c.maxAge) {
		return e.Data, telemetry.CacheHit
	}

	payload, err := c.fetch(ctx, url)
	if err == nil {
		return payload, telemetry.CacheMiss
	}

	c.logger.Warn("fetch failed, falling back to stored value",
		"url", url,
		"stored", found,
		"error", err,
	)

	if found {
		return e.Data, telemetry.CacheStale
	}
	return nil, telemetry.CacheEmpty
}

func (c *Cache) fetch(ctx context.Context, url string) (json.RawMessage, error) {
	if c.fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}

	payload, _, err := c.fetches.Do(ctx, url, func(ctx context.Context) (json.RawMessage, error) {
		payload, err := c.fetcher.FetchJSON(telemetry.WithResource(ctx, "url_cache"), url)
		if err != nil {
			return nil, err
		}
		if !json.Valid(payload) {
			return nil, fmt.Errorf("response for %s is not valid JSON", url)
		}
		if err := c.Set(ctx, url, payload); err != nil {
			// Still serve the fetched payload; it will be refetched next time.
			c.logger.Error("storing fetched payload", "url", url, "error", err)
		}
		return payload, nil
	})
	return payload, err
}

// Purge deletes entries stored more than olderThan ago, along with entries
// that can no longer be decoded. It returns the number of keys removed.
func (c *Cache) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		value, err := c.kv.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("reading %s: %w", key, err)
		}

		e, err := c.codec.decode(value)
		if err == nil && c.fresh(e, olderThan) {
			continue
		}

		if err := c.kv.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("deleting %s: %w", key, err)
		}
		removed++
	}

	telemetry.RecordURLCachePurge(ctx, removed)
	c.logger.Info("purged url cache", "removed", removed, "scanned", len(keys), "olderThan", olderThan)
	return removed, nil
}

// Keys lists cached URLs.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.kv.Keys(ctx)
}

// lookup reads and decodes the entry for key regardless of age.
func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool) {
	value, err := c.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("reading entry", "key", key, "error", err)
		}
		return Entry{}, false
	}

	e, err := c.codec.decode(value)
	if err != nil {
		c.logger.Warn("decoding entry", "key", key, "error", err)
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) fresh(e Entry, maxAge time.Duration) bool {
	return c.now().UnixMilli()-e.Timestamp < maxAge.Milliseconds()
}
