package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/policy-cache/policysync"
	"github.com/wolfeidau/policy-cache/server"
	"github.com/wolfeidau/policy-cache/telemetry"
)

var stdout io.Writer = os.Stdout

// offlineSource stands in for the API client when no API URL is configured.
type offlineSource struct{}

func (offlineSource) FetchCollection(context.Context, string) ([]json.RawMessage, error) {
	return nil, errors.New("no api url configured")
}

// ServeCmd runs the HTTP facade.
type ServeCmd struct {
	Address        string        `help:"Address to listen on." default:":8080"`
	AuthToken      string        `help:"Bearer token required by the facade (empty disables auth)."`
	MaxConnections int           `help:"Maximum concurrent connections (0 for unlimited)." default:"256"`
	SyncInterval   time.Duration `help:"Background sync interval (0 disables)." default:"0"`
	Prometheus     bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint   string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export."`
}

func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownMetrics(flushCtx)
	}()

	a, err := g.openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var scheduler *policysync.Scheduler
	if c.SyncInterval > 0 {
		syncers := make([]*policysync.Syncer, 0, len(a.collections))
		for _, coll := range a.collections {
			syncers = append(syncers, coll.Syncer)
		}
		scheduler = policysync.NewScheduler(c.SyncInterval, logger, syncers...)
	}

	authToken := c.AuthToken
	if authToken == "" {
		authToken = a.creds.AuthToken
	}

	var api server.Resolver
	if a.client != nil {
		api = a.client
	}

	srv, err := server.New(server.Config{
		Address:        c.Address,
		AuthToken:      authToken,
		MaxConnections: c.MaxConnections,
		Collections:    a.collections,
		URLCache:       a.urlCache,
		API:            api,
		Scheduler:      scheduler,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// SyncCmd syncs collections once and prints one result per line.
type SyncCmd struct {
	Names []string `arg:"" optional:"" name:"collection" help:"Collections to sync (default: all configured)."`
}

func (c *SyncCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	a, err := g.openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	names := c.Names
	if len(names) == 0 {
		names = g.Collections
	}

	enc := json.NewEncoder(stdout)
	failed := 0
	for _, name := range names {
		coll, err := a.collection(name)
		if err != nil {
			return err
		}
		res := coll.Syncer.SyncFromNetwork(ctx)
		if res.Status() == policysync.StatusFailed {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d syncs failed", failed, len(names))
	}
	return nil
}

// ListCmd prints the locally stored records of a collection.
type ListCmd struct {
	Name string `arg:"" name:"collection" help:"Collection to list."`
}

func (c *ListCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	a, err := g.openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	coll, err := a.collection(c.Name)
	if err != nil {
		return err
	}
	if coll.Local == nil {
		return errors.New("local store unavailable")
	}

	records, err := coll.Local.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := fmt.Fprintf(stdout, "%s\n", rec.Data); err != nil {
			return err
		}
	}
	return nil
}

// FetchCmd fetches a resource through the URL cache.
type FetchCmd struct {
	URL string `arg:"" help:"Absolute URL or path relative to the API URL."`
}

func (c *FetchCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	a, err := g.openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	payload, result := a.urlCache.GetCached(ctx, c.URL)
	logger.Info("url cache lookup", "url", c.URL, "cache_result", string(result))
	if payload == nil {
		return fmt.Errorf("no value available for %s", c.URL)
	}
	_, err = fmt.Fprintf(stdout, "%s\n", payload)
	return err
}

// PurgeCmd deletes URL cache entries older than a cutoff.
type PurgeCmd struct {
	OlderThan time.Duration `help:"Delete entries stored longer ago than this." default:"24h"`
}

func (c *PurgeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	a, err := g.openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	removed, err := a.urlCache.Purge(ctx, c.OlderThan)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "removed %d entries\n", removed)
	return err
}
