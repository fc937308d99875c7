package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	require.True(t, Static(true).Online(context.Background()))
	require.False(t, Static(false).Online(context.Background()))
}

func TestProbe_CachesResult(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	p := NewProbe(srv.URL,
		WithProbeInterval(time.Minute),
		WithProbeNow(func() time.Time { return now }),
	)

	// any response counts as reachable
	require.True(t, p.Online(context.Background()))
	require.True(t, p.Online(context.Background()))
	require.Equal(t, int32(1), hits.Load())

	now = now.Add(time.Minute)
	require.True(t, p.Online(context.Background()))
	require.Equal(t, int32(2), hits.Load())
}

func TestProbe_Offline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProbe(url, WithProbeTimeout(time.Second))
	require.False(t, p.Online(context.Background()))
}
