// Package server provides the local HTTP facade over the record collections
// and the URL cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/policy-cache/policysync"
	"github.com/wolfeidau/policy-cache/store"
	"github.com/wolfeidau/policy-cache/telemetry"
	"github.com/wolfeidau/policy-cache/urlcache"
)

// Collection wires one named collection into the facade.
type Collection struct {
	// Syncer loads and syncs the collection. Required.
	Syncer *policysync.Syncer

	// Local is the local store used for single record reads and stats.
	// Nil when the store is unavailable and the collection runs network-only.
	Local *store.Collection
}

// Resolver confines /api references to the remote API.
// upstream.Client satisfies this interface.
type Resolver interface {
	ResolveRelative(ref string) (string, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every request
	// except /health and /metrics.
	AuthToken string

	// MaxConnections caps concurrent connections. Zero means unlimited.
	MaxConnections int

	// Collections served under /collections/{name}.
	Collections []Collection

	// URLCache serves /api/{path...}. Nil disables the route.
	URLCache *urlcache.Cache

	// API checks /api references before they reach the URL cache. When nil
	// only references without a scheme or host are accepted.
	API Resolver

	// Scheduler, when set, is started and stopped with the server.
	Scheduler *policysync.Scheduler

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP facade.
type Server struct {
	config      Config
	httpServer  *http.Server
	logger      *slog.Logger
	collections map[string]Collection
	urlCache    *urlcache.Cache
	scheduler   *policysync.Scheduler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	collections := make(map[string]Collection, len(cfg.Collections))
	for _, c := range cfg.Collections {
		if c.Syncer == nil {
			return nil, errors.New("collection without syncer")
		}
		name := c.Syncer.Name()
		if _, dup := collections[name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", name)
		}
		collections[name] = c
	}

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		collections: collections,
		urlCache:    cfg.URLCache,
		scheduler:   cfg.Scheduler,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // a sync may run before the response is written
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /collections/{name}", s.handleListCollection)
	mux.HandleFunc("GET /collections/{name}/{id}", s.handleGetRecord)
	mux.HandleFunc("POST /collections/{name}/sync", s.handleSyncCollection)

	mux.HandleFunc("GET /api/{path...}", s.handleAPI)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, collection, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Endpoint = deriveEndpoint(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"endpoint", tags.Endpoint,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Collection != "" {
			attrs = append(attrs, "collection", tags.Collection)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln, applying the connection cap.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"collections", len(s.collections),
		"max_connections", s.config.MaxConnections,
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveEndpoint classifies the request path for logs and metrics.
// Handlers may refine it with telemetry.SetEndpoint.
func deriveEndpoint(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/collections/"):
		return "collections"
	case strings.HasPrefix(path, "/api/"):
		return "api"
	default:
		return "unknown"
	}
}
