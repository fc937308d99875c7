package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fetch performs one GET through an instrumented transport and drains the body.
func fetch(t *testing.T, ctx context.Context, url string) {
	t.Helper()
	client := &http.Client{Transport: NewInstrumentedTransport(nil, "api")}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
}

func TestInstrumentedTransport_LabelsByResource(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"P1"}]`))
	}))
	defer srv.Close()

	ctx := context.Background()
	fetch(t, WithResource(ctx, "policies"), srv.URL+"/policies")
	fetch(t, WithResource(ctx, "policies"), srv.URL+"/policies")
	fetch(t, WithResource(ctx, "users"), srv.URL+"/users")
	fetch(t, ctx, srv.URL+"/quotes")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "policy_cache_upstream_fetch_total")
	require.Len(t, dps, 3)

	counts := map[string]int64{}
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "outcome", FetchOK))
		v, _ := dp.Attributes.Value("resource")
		counts[v.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"policies": 2, "users": 1, "api": 1}, counts)

	bytesDps := findCounter(rm, "policy_cache_upstream_fetch_bytes_total")
	var total int64
	for _, dp := range bytesDps {
		total += dp.Value
	}
	require.EqualValues(t, 4*len(`[{"id":"P1"}]`), total)

	hist := findHistogram(rm, "policy_cache_upstream_fetch_duration_seconds")
	require.Len(t, hist, 3)
}

func TestInstrumentedTransport_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"ok", http.StatusOK, FetchOK},
		{"no content", http.StatusNoContent, FetchOK},
		{"not found", http.StatusNotFound, FetchNotFound},
		{"unauthorized", http.StatusUnauthorized, FetchClientError},
		{"unavailable", http.StatusServiceUnavailable, FetchServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := setupTestMetrics(t)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			fetch(t, WithResource(context.Background(), "admins"), srv.URL)

			dps := findCounter(collectMetrics(t, reader), "policy_cache_upstream_fetch_total")
			require.Len(t, dps, 1)
			require.True(t, hasAttr(dps[0].Attributes, "resource", "admins"))
			require.True(t, hasAttr(dps[0].Attributes, "outcome", tt.want))
		})
	}
}

func TestInstrumentedTransport_TransportFailures(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		reader := setupTestMetrics(t)

		fetch(t, WithResource(context.Background(), "policies"), "http://127.0.0.1:1")

		dps := findCounter(collectMetrics(t, reader), "policy_cache_upstream_fetch_total")
		require.Len(t, dps, 1)
		require.True(t, hasAttr(dps[0].Attributes, "resource", "policies"))
		require.True(t, hasAttr(dps[0].Attributes, "outcome", FetchError))
	})

	t.Run("canceled", func(t *testing.T) {
		reader := setupTestMetrics(t)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		fetch(t, WithResource(ctx, "url_cache"), srv.URL)

		dps := findCounter(collectMetrics(t, reader), "policy_cache_upstream_fetch_total")
		require.Len(t, dps, 1)
		require.True(t, hasAttr(dps[0].Attributes, "resource", "url_cache"))
		require.True(t, hasAttr(dps[0].Attributes, "outcome", FetchCanceled))
	})
}

func TestInstrumentedTransport_RecordsOnceAtEOFAndClose(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "api")}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)

	_, _ = io.ReadAll(resp.Body)
	dps := findCounter(collectMetrics(t, reader), "policy_cache_upstream_fetch_total")
	require.Len(t, dps, 1, "recorded at EOF before close")

	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	dps = findCounter(collectMetrics(t, reader), "policy_cache_upstream_fetch_total")
	require.EqualValues(t, 1, dps[0].Value)
}

func TestResource(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, "api", Resource(ctx, "api"))
	require.Equal(t, "users", Resource(WithResource(ctx, "users"), "api"))
	require.Equal(t, "api", Resource(WithResource(ctx, ""), "api"))
}

func TestInstrumentedTransport_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	// must not panic when metrics are not initialised
	fetch(t, context.Background(), srv.URL)
}

var _ http.RoundTripper = (*InstrumentedTransport)(nil)
