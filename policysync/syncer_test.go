package policysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/store"
	"github.com/wolfeidau/policy-cache/store/policydb"
	"github.com/wolfeidau/policy-cache/upstream"
)

type fakeSource struct {
	mu      sync.Mutex
	records []string
	err     error
	calls   atomic.Int32
	block   chan struct{}
}

func (f *fakeSource) set(records ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *fakeSource) FetchCollection(_ context.Context, _ string) ([]json.RawMessage, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]json.RawMessage, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, json.RawMessage(r))
	}
	return out, nil
}

// flakyCollection fails upserts for selected ids and records upsert order.
type flakyCollection struct {
	*store.Collection
	failIDs map[string]bool

	mu    sync.Mutex
	order []string
}

func (f *flakyCollection) Upsert(ctx context.Context, rec policycache.Record) error {
	f.mu.Lock()
	f.order = append(f.order, rec.ID)
	f.mu.Unlock()
	if f.failIDs[rec.ID] {
		return fmt.Errorf("%w: injected", store.ErrWrite)
	}
	return f.Collection.Upsert(ctx, rec)
}

func newTestCollection(t *testing.T, failIDs ...string) *flakyCollection {
	t.Helper()
	db, err := policydb.Open(filepath.Join(t.TempDir(), "test.db"), policydb.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	coll, err := store.NewCollection(context.Background(), db, "policies")
	require.NoError(t, err)

	fail := make(map[string]bool)
	for _, id := range failIDs {
		fail[id] = true
	}
	return &flakyCollection{Collection: coll, failIDs: fail}
}

func ids(records []policycache.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestSyncFromNetwork_UpsertsInFetchedOrder(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{}
	src.set(`{"id":"C"}`, `{"id":"A"}`, `{"id":"B"}`)
	s := New("policies", coll, src)

	res := s.SyncFromNetwork(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, StatusOK, res.Status())
	require.Equal(t, 3, res.Fetched)
	require.Equal(t, 3, res.Upserted)
	require.Equal(t, []string{"C", "A", "B"}, coll.order)

	records, err := coll.ListAll(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B", "C"}, ids(records))
}

func TestSyncFromNetwork_DuplicateIDLastWins(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{}
	src.set(`{"id":"A","v":1}`, `{"id":"A","v":2}`)
	s := New("policies", coll, src)

	res := s.SyncFromNetwork(context.Background())
	require.Equal(t, StatusOK, res.Status())

	rec, err := coll.Get(context.Background(), "A")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"A","v":2}`, string(rec.Data))
}

func TestSyncFromNetwork_SuccessiveSyncsOverwrite(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{}
	s := New("policies", coll, src)
	ctx := context.Background()

	src.set(`{"id":"A","status":"draft"}`, `{"id":"B"}`)
	s.SyncFromNetwork(ctx)
	src.set(`{"id":"A","status":"bound"}`)
	s.SyncFromNetwork(ctx)

	rec, err := coll.Get(ctx, "A")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"A","status":"bound"}`, string(rec.Data))

	// records missing from a later fetch are not deleted
	_, err = coll.Get(ctx, "B")
	require.NoError(t, err)
}

func TestSyncFromNetwork_OfflineSkipsFetch(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{}
	src.set(`{"id":"A"}`)
	s := New("policies", coll, src, WithConnectivity(upstream.Static(false)))

	res := s.SyncFromNetwork(context.Background())
	require.True(t, res.Skipped)
	require.NoError(t, res.Err)
	require.Equal(t, StatusOffline, res.Status())
	require.Zero(t, src.calls.Load())
}

func TestSyncFromNetwork_FetchFailureKeepsLocal(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{}
	s := New("policies", coll, src)
	ctx := context.Background()

	src.set(`{"id":"A"}`)
	s.SyncFromNetwork(ctx)

	src.err = fmt.Errorf("%w: connection refused", upstream.ErrNetwork)
	res := s.SyncFromNetwork(ctx)
	require.ErrorIs(t, res.Err, upstream.ErrNetwork)
	require.Equal(t, StatusFailed, res.Status())
	require.Zero(t, res.Upserted)

	records, err := coll.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids(records))
}

func TestSyncFromNetwork_PartialFailure(t *testing.T) {
	tests := []struct {
		name         string
		mode         OnError
		wantIDs      []string
		wantUpserted int
		wantFailed   int
		wantOrder    []string
	}{
		{
			name:         "abort remaining",
			mode:         AbortRemaining,
			wantIDs:      []string{"1"},
			wantUpserted: 1,
			wantFailed:   1,
			wantOrder:    []string{"1", "2"},
		},
		{
			name:         "continue best effort",
			mode:         ContinueBestEffort,
			wantIDs:      []string{"1", "3"},
			wantUpserted: 2,
			wantFailed:   1,
			wantOrder:    []string{"1", "2", "3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := newTestCollection(t, "2")
			src := &fakeSource{}
			src.set(`{"id":1}`, `{"id":2}`, `{"id":3}`)
			s := New("policies", coll, src, WithOnError(tt.mode))

			res := s.SyncFromNetwork(context.Background())
			require.ErrorIs(t, res.Err, store.ErrWrite)
			require.Equal(t, StatusPartial, res.Status())
			require.Equal(t, 3, res.Fetched)
			require.Equal(t, tt.wantUpserted, res.Upserted)
			require.Equal(t, tt.wantFailed, res.Failed)
			require.Equal(t, tt.wantOrder, coll.order)

			records, err := coll.ListAll(context.Background())
			require.NoError(t, err)
			require.ElementsMatch(t, tt.wantIDs, ids(records))
		})
	}
}

func TestSyncFromNetwork_FirstUpsertFails(t *testing.T) {
	coll := newTestCollection(t, "A")
	src := &fakeSource{}
	src.set(`{"id":"A"}`, `{"id":"B"}`)
	s := New("policies", coll, src)

	res := s.SyncFromNetwork(context.Background())
	require.Equal(t, StatusFailed, res.Status())
	require.Zero(t, res.Upserted)
}

func TestSyncFromNetwork_RecordWithoutIDFails(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{}
	src.set(`{"id":"A"}`, `{"name":"no id"}`, `{"id":"C"}`)
	s := New("policies", coll, src, WithOnError(ContinueBestEffort))

	res := s.SyncFromNetwork(context.Background())
	require.ErrorIs(t, res.Err, policycache.ErrMissingID)
	require.Equal(t, 2, res.Upserted)
	require.Equal(t, 1, res.Failed)
	// rejected before reaching the store
	require.Equal(t, []string{"A", "C"}, coll.order)
}

func TestSyncFromNetwork_CustomIDField(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{}
	src.set(`{"policy":{"number":"P-1"}}`)
	s := New("policies", coll, src, WithIDField("policy.number"))

	res := s.SyncFromNetwork(context.Background())
	require.NoError(t, res.Err)

	_, err := coll.Get(context.Background(), "P-1")
	require.NoError(t, err)
}

func TestSyncFromNetwork_ConcurrentCallsShareFetch(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{block: make(chan struct{})}
	src.set(`{"id":"A"}`)
	s := New("policies", coll, src)

	const n = 5
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.SyncFromNetwork(context.Background())
			assert.Equal(t, StatusOK, res.Status())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(src.block)
	wg.Wait()

	require.Equal(t, int32(1), src.calls.Load())
}

func TestLoadPolicies(t *testing.T) {
	t.Run("returns synced records", func(t *testing.T) {
		coll := newTestCollection(t)
		src := &fakeSource{}
		src.set(`{"id":"A"}`, `{"id":"B"}`)
		s := New("policies", coll, src)

		records, res, err := s.LoadPolicies(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusOK, res.Status())
		require.ElementsMatch(t, []string{"A", "B"}, ids(records))
	})

	t.Run("offline returns cached records", func(t *testing.T) {
		coll := newTestCollection(t)
		src := &fakeSource{}
		src.set(`{"id":"A"}`)
		ctx := context.Background()
		New("policies", coll, src).SyncFromNetwork(ctx)

		offline := New("policies", coll, src, WithConnectivity(upstream.Static(false)))
		records, res, err := offline.LoadPolicies(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusOffline, res.Status())
		require.Equal(t, []string{"A"}, ids(records))
	})

	t.Run("first run offline is empty", func(t *testing.T) {
		coll := newTestCollection(t)
		s := New("policies", coll, &fakeSource{}, WithConnectivity(upstream.Static(false)))

		records, res, err := s.LoadPolicies(context.Background())
		require.NoError(t, err)
		require.True(t, res.Skipped)
		require.Empty(t, records)
	})

	t.Run("fetch failure returns cached records", func(t *testing.T) {
		coll := newTestCollection(t)
		src := &fakeSource{}
		src.set(`{"id":"A"}`)
		s := New("policies", coll, src)
		ctx := context.Background()
		s.SyncFromNetwork(ctx)

		src.err = errors.New("boom")
		records, res, err := s.LoadPolicies(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, res.Status())
		require.Equal(t, []string{"A"}, ids(records))
	})

	t.Run("network only without local store", func(t *testing.T) {
		src := &fakeSource{}
		src.set(`{"id":"A"}`, `{"id":"B"}`)
		s := New("policies", nil, src)

		records, res, err := s.LoadPolicies(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusOK, res.Status())
		require.Equal(t, []string{"A", "B"}, ids(records))

		syncRes := s.SyncFromNetwork(context.Background())
		require.Error(t, syncRes.Err)
	})
}

func TestResultJSON(t *testing.T) {
	res := Result{
		Collection: "policies",
		Fetched:    3,
		Upserted:   1,
		Failed:     1,
		Err:        errors.New("record 1: write failed"),
		Duration:   1500 * time.Millisecond,
	}

	b, err := json.Marshal(res)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"collection": "policies",
		"status": "partial",
		"fetched": 3,
		"upserted": 1,
		"failed": 1,
		"error": "record 1: write failed",
		"duration_ms": 1500
	}`, string(b))
}

func TestParseOnError(t *testing.T) {
	tests := []struct {
		in      string
		want    OnError
		wantErr bool
	}{
		{in: "", want: AbortRemaining},
		{in: "abort", want: AbortRemaining},
		{in: "Continue", want: ContinueBestEffort},
		{in: "best-effort", want: ContinueBestEffort},
		{in: "retry", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOnError(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
