package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/policysync"
	"github.com/wolfeidau/policy-cache/store"
	"github.com/wolfeidau/policy-cache/telemetry"
)

const (
	headerSyncStatus = "X-Sync-Status"
	headerCache      = "X-Cache"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Collections  map[string]int `json:"collections"`
	URLCacheKeys int            `json:"url_cache_keys"`
}

// handleStats reports local record counts and URL cache size.
// Collections without a local store report -1.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Collections: make(map[string]int, len(s.collections))}

	for name, c := range s.collections {
		if c.Local == nil {
			resp.Collections[name] = -1
			continue
		}
		n, err := c.Local.Count(r.Context())
		if err != nil {
			s.logger.Error("counting records", "collection", name, "error", err)
			writeError(w, http.StatusInternalServerError, "reading local store")
			return
		}
		resp.Collections[name] = n
	}

	if s.urlCache != nil {
		keys, err := s.urlCache.Keys(r.Context())
		if err != nil {
			s.logger.Error("listing url cache keys", "error", err)
			writeError(w, http.StatusInternalServerError, "reading url cache")
			return
		}
		resp.URLCacheKeys = len(keys)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListCollection serves the best available copy of a collection:
// it syncs first, then returns everything held locally.
func (s *Server) handleListCollection(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}
	telemetry.SetEndpoint(r, "collection_list")

	records, res, err := c.Syncer.LoadPolicies(r.Context())
	w.Header().Set(headerSyncStatus, res.Status())
	if err != nil {
		s.logger.Error("loading collection", "collection", c.Syncer.Name(), "error", err)
		writeError(w, http.StatusInternalServerError, "reading local store")
		return
	}
	telemetry.SetCacheResult(r, syncCacheResult(res))

	digest := policycache.DigestRecords(records)
	w.Header().Set("ETag", digest.ETag())
	w.Header().Set("Cache-Control", "no-cache")
	if digest.MatchesETag(r.Header.Get("If-None-Match")) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(policycache.Records(records))
}

// handleGetRecord serves one record from the local store without syncing.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}
	telemetry.SetEndpoint(r, "collection_get")

	if c.Local == nil {
		writeError(w, http.StatusServiceUnavailable, "local store unavailable")
		return
	}

	rec, err := c.Local.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.logger.Error("reading record", "collection", c.Syncer.Name(), "error", err)
		writeError(w, http.StatusInternalServerError, "reading local store")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(rec.Data)
}

// handleSyncCollection runs a sync and reports its result.
func (s *Server) handleSyncCollection(w http.ResponseWriter, r *http.Request) {
	c, ok := s.collection(w, r)
	if !ok {
		return
	}
	telemetry.SetEndpoint(r, "collection_sync")

	res := c.Syncer.SyncFromNetwork(r.Context())
	w.Header().Set(headerSyncStatus, res.Status())
	writeJSON(w, http.StatusOK, res)
}

// handleAPI proxies a JSON resource through the URL cache.
// The cache never surfaces network errors; 404 means no value is available.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if s.urlCache == nil {
		writeError(w, http.StatusNotFound, "url cache disabled")
		return
	}

	ref := "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		ref += "?" + r.URL.RawQuery
	}

	if err := s.checkRef(ref); err != nil {
		s.logger.Warn("rejected api reference", "ref", ref, "error", err)
		writeError(w, http.StatusBadRequest, "reference outside api")
		return
	}

	payload, result := s.urlCache.GetCached(r.Context(), ref)
	telemetry.SetCacheResult(r, result)
	w.Header().Set(headerCache, string(result))

	if result == telemetry.CacheEmpty {
		writeError(w, http.StatusNotFound, "no value available")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// checkRef rejects references that would make the URL cache fetch from
// anywhere but the remote API.
func (s *Server) checkRef(ref string) error {
	if s.config.API != nil {
		_, err := s.config.API.ResolveRelative(ref)
		return err
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return err
	}
	if parsed.Scheme != "" || parsed.Host != "" || strings.HasPrefix(ref, "//") {
		return fmt.Errorf("%q is not a relative reference", ref)
	}
	return nil
}

// collection resolves {name}, writing a 404 when it is not configured.
func (s *Server) collection(w http.ResponseWriter, r *http.Request) (Collection, bool) {
	name := r.PathValue("name")
	c, ok := s.collections[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown collection")
		return Collection{}, false
	}
	telemetry.SetCollection(r, name)
	return c, true
}

// syncCacheResult maps a sync outcome onto the cache result vocabulary
// used in logs and metrics.
func syncCacheResult(res policysync.Result) telemetry.CacheResult {
	switch res.Status() {
	case policysync.StatusOK:
		return telemetry.CacheMiss
	case policysync.StatusOffline:
		return telemetry.CacheHit
	default:
		return telemetry.CacheStale
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
