package policysync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_RunOnce(t *testing.T) {
	policies := newTestCollection(t)
	src := &fakeSource{}
	src.set(`{"id":"A"}`)

	sched := NewScheduler(time.Hour, nil,
		New("policies", policies, src),
		New("users", nil, src),
	)

	results := sched.RunOnce(context.Background())
	require.Len(t, results, 2)
	require.Equal(t, StatusOK, results[0].Status())
	require.Equal(t, "users", results[1].Collection)
	require.Error(t, results[1].Err)
}

func TestScheduler_StartSyncsImmediately(t *testing.T) {
	coll := newTestCollection(t)
	src := &fakeSource{}
	src.set(`{"id":"A"}`)

	sched := NewScheduler(time.Hour, nil, New("policies", coll, src))
	require.NoError(t, sched.Start(context.Background()))

	require.Eventually(t, func() bool {
		return src.calls.Load() == 1
	}, time.Second, 10*time.Millisecond)

	sched.Stop()
	// stopping twice is a no-op
	sched.Stop()

	_, err := coll.Get(context.Background(), "A")
	require.NoError(t, err)
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	sched := NewScheduler(0, nil)
	sched.Stop()
	require.Equal(t, DefaultInterval, sched.interval)
}
