package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testGlobals(t *testing.T, apiURL string) *Globals {
	t.Helper()
	return &Globals{
		DB:            filepath.Join(t.TempDir(), "policy-cache.db"),
		Engine:        "bolt",
		APIURL:        apiURL,
		IDField:       "id",
		Collections:   []string{"policies"},
		Paths:         map[string]string{},
		OnError:       "abort",
		ProbeInterval: time.Second,
		URLCache:      "bolt",
		MaxAge:        time.Hour,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/policies":
			_, _ = w.Write([]byte(`[{"id":"P1"},{"id":"P2"}]`))
		case "/quotes":
			_, _ = w.Write([]byte(`{"open":3}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncThenList(t *testing.T) {
	api := newAPI(t)
	g := testGlobals(t, api.URL)
	out := captureStdout(t)

	require.NoError(t, (&SyncCmd{}).Run(g, discardLogger()))
	require.Contains(t, out.String(), `"status":"ok"`)

	out.Reset()
	require.NoError(t, (&ListCmd{Name: "policies"}).Run(g, discardLogger()))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Equal(t, []string{`{"id":"P1"}`, `{"id":"P2"}`}, lines)
}

func TestSync_FailureReturnsError(t *testing.T) {
	api := newAPI(t)
	g := testGlobals(t, api.URL)
	g.Paths = map[string]string{"policies": "/missing"}
	captureStdout(t)

	require.Error(t, (&SyncCmd{}).Run(g, discardLogger()))
}

func TestSync_UnknownCollection(t *testing.T) {
	g := testGlobals(t, "")
	captureStdout(t)

	require.Error(t, (&SyncCmd{Names: []string{"claims"}}).Run(g, discardLogger()))
}

func TestSync_NoAPIIsOffline(t *testing.T) {
	g := testGlobals(t, "")
	out := captureStdout(t)

	require.NoError(t, (&SyncCmd{}).Run(g, discardLogger()))
	require.Contains(t, out.String(), `"status":"offline"`)
}

func TestFetchAndPurge(t *testing.T) {
	api := newAPI(t)
	g := testGlobals(t, api.URL)
	out := captureStdout(t)

	require.NoError(t, (&FetchCmd{URL: "/quotes"}).Run(g, discardLogger()))
	require.JSONEq(t, `{"open":3}`, strings.TrimSpace(out.String()))

	// the entry persisted in the bolt file survives the api going away
	api.Close()
	out.Reset()
	g.APIURL = ""
	require.NoError(t, (&FetchCmd{URL: "/quotes"}).Run(g, discardLogger()))
	require.JSONEq(t, `{"open":3}`, strings.TrimSpace(out.String()))

	out.Reset()
	require.NoError(t, (&PurgeCmd{OlderThan: 0}).Run(g, discardLogger()))
	require.Equal(t, "removed 1 entries\n", out.String())

	require.Error(t, (&FetchCmd{URL: "/quotes"}).Run(g, discardLogger()))
}

func TestOpenApp_StoreUnavailable(t *testing.T) {
	api := newAPI(t)
	g := testGlobals(t, api.URL)
	g.DB = filepath.Join(t.TempDir(), "missing", "dir", "db")

	a, err := g.openApp(context.Background(), discardLogger())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	coll, err := a.collection("policies")
	require.NoError(t, err)
	require.Nil(t, coll.Local)

	records, res, err := coll.Syncer.LoadPolicies(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status())
	require.Len(t, records, 2)
}

func TestOpenApp_SQLite(t *testing.T) {
	api := newAPI(t)
	g := testGlobals(t, api.URL)
	g.Engine = "sqlite"
	captureStdout(t)

	require.NoError(t, (&SyncCmd{}).Run(g, discardLogger()))

	a, err := g.openApp(context.Background(), discardLogger())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	coll, err := a.collection("policies")
	require.NoError(t, err)
	n, err := coll.Local.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestOpenApp_Credentials(t *testing.T) {
	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(api.Close)

	t.Setenv("TEST_INSURER_TOKEN", "from-template")
	path := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"api_token": {{ env "TEST_INSURER_TOKEN" | json }},
		"auth_token": "facade"
	}`), 0o600))

	g := testGlobals(t, api.URL)
	g.Credentials = path
	captureStdout(t)

	require.NoError(t, (&SyncCmd{}).Run(g, discardLogger()))
	require.Equal(t, "Bearer from-template", gotAuth)

	t.Run("flag wins over template", func(t *testing.T) {
		g.APIToken = "from-flag"
		require.NoError(t, (&SyncCmd{}).Run(g, discardLogger()))
		require.Equal(t, "Bearer from-flag", gotAuth)
	})

	t.Run("missing template fails", func(t *testing.T) {
		g.Credentials = filepath.Join(t.TempDir(), "missing")
		_, err := g.openApp(context.Background(), discardLogger())
		require.Error(t, err)
	})
}
