package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/policy-cache/credentials"
	"github.com/wolfeidau/policy-cache/policysync"
	"github.com/wolfeidau/policy-cache/server"
	"github.com/wolfeidau/policy-cache/store"
	"github.com/wolfeidau/policy-cache/store/policydb"
	"github.com/wolfeidau/policy-cache/store/sqlitedb"
	"github.com/wolfeidau/policy-cache/upstream"
	"github.com/wolfeidau/policy-cache/urlcache"
)

// app holds the components shared by commands.
type app struct {
	logger      *slog.Logger
	store       store.Store // nil when the local database is unavailable
	bolt        *policydb.BoltDB
	client      *upstream.Client
	collections []server.Collection
	urlCache    *urlcache.Cache
	creds       credentials.Credentials
	closers     []func() error
}

// openApp wires the local store, the API client, syncers and the URL cache.
// A local store that cannot be opened is logged and the collections run
// network-only.
func (g *Globals) openApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	if err := a.resolveCredentials(ctx, g); err != nil {
		return nil, err
	}

	if err := a.openStore(g); err != nil {
		logger.Warn("local store unavailable, running network-only", "path", g.DB, "error", err)
	}

	if g.APIURL != "" {
		client, err := upstream.New(g.APIURL,
			upstream.WithBearerToken(a.creds.APIToken),
			upstream.WithRecordsPath(g.RecordsPath),
		)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.client = client
		logger.Debug("api client configured", "base_url", client.BaseURL())
	}

	if err := a.openCollections(ctx, g); err != nil {
		_ = a.Close()
		return nil, err
	}

	if err := a.openURLCache(ctx, g); err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

// resolveCredentials fills secrets from the credentials template. Values
// given as flags or environment variables take precedence.
func (a *app) resolveCredentials(ctx context.Context, g *Globals) error {
	if g.Credentials != "" {
		resolver := credentials.NewResolver(credentials.WithLogger(a.logger.With("component", "credentials")))
		creds, err := resolver.ResolveFile(ctx, g.Credentials)
		if err != nil {
			return err
		}
		a.creds = *creds
	}
	if g.APIToken != "" {
		a.creds.APIToken = g.APIToken
	}
	if g.RedisPassword != "" {
		a.creds.RedisPassword = g.RedisPassword
	}
	return nil
}

func (a *app) openStore(g *Globals) error {
	switch g.Engine {
	case "sqlite":
		db, err := sqlitedb.Open(g.DB)
		if err != nil {
			return err
		}
		a.store = store.NewInstrumented(db, "sqlite")
		a.closers = append(a.closers, db.Close)
	default:
		db, err := policydb.Open(g.DB, policydb.WithLogger(a.logger.With("component", "policydb")))
		if err != nil {
			return err
		}
		a.bolt = db
		a.store = store.NewInstrumented(db, "bolt")
		a.closers = append(a.closers, db.Close)
	}
	return nil
}

func (a *app) openCollections(ctx context.Context, g *Globals) error {
	onError, err := policysync.ParseOnError(g.OnError)
	if err != nil {
		return err
	}

	var online upstream.Connectivity = upstream.Static(!g.Offline)
	if !g.Offline && g.ProbeURL != "" {
		online = upstream.NewProbe(g.ProbeURL, upstream.WithProbeInterval(g.ProbeInterval))
	}

	var source policysync.Source = offlineSource{}
	if a.client != nil {
		source = a.client
	} else {
		online = upstream.Static(false)
	}

	for _, name := range g.Collections {
		var local *store.Collection
		if a.store != nil {
			local, err = store.NewCollection(ctx, a.store, name)
			if err != nil {
				a.logger.Warn("collection unavailable, running network-only", "collection", name, "error", err)
				local = nil
			}
		}

		opts := []policysync.Option{
			policysync.WithIDField(g.IDField),
			policysync.WithConnectivity(online),
			policysync.WithOnError(onError),
			policysync.WithLogger(a.logger),
		}
		if path, ok := g.Paths[name]; ok {
			opts = append(opts, policysync.WithPath(path))
		}

		// A nil *store.Collection must not become a non-nil interface.
		var syncer *policysync.Syncer
		if local != nil {
			syncer = policysync.New(name, local, source, opts...)
		} else {
			syncer = policysync.New(name, nil, source, opts...)
		}
		a.collections = append(a.collections, server.Collection{Syncer: syncer, Local: local})
	}
	return nil
}

func (a *app) openURLCache(ctx context.Context, g *Globals) error {
	var kv urlcache.KV
	switch g.URLCache {
	case "redis":
		client, err := urlcache.DialRedis(ctx, g.RedisAddr, a.creds.RedisPassword, g.RedisDB)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		kv = urlcache.NewRedis(client)
	case "bolt":
		if a.bolt == nil {
			a.logger.Warn("bolt url cache needs the bolt engine, using memory")
			kv = urlcache.NewMemory()
			break
		}
		bkv, err := urlcache.NewBolt(a.bolt.DB())
		if err != nil {
			return err
		}
		kv = bkv
	default:
		kv = urlcache.NewMemory()
	}

	opts := []urlcache.Option{
		urlcache.WithMaxAge(g.MaxAge),
		urlcache.WithLogger(a.logger),
	}
	if a.client != nil {
		opts = append(opts, urlcache.WithFetcher(a.client))
	}

	cache, err := urlcache.New(kv, opts...)
	if err != nil {
		return err
	}
	a.urlCache = cache
	a.closers = append(a.closers, func() error { cache.Close(); return nil })
	return nil
}

// collection returns the named collection.
func (a *app) collection(name string) (server.Collection, error) {
	for _, c := range a.collections {
		if c.Syncer.Name() == name {
			return c, nil
		}
	}
	return server.Collection{}, fmt.Errorf("unknown collection %q", name)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
