// Package flight collapses concurrent calls for the same key into one
// in-flight operation. When several requests ask for the same uncached
// resource (or the same collection sync) only one upstream fetch runs.
package flight

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Func performs the shared work. The context passed to Func is detached from
// any single caller so that one caller timing out does not cancel the work
// for other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent calls for the same key using singleflight.
// It uses DoChan so each caller can respect its own context deadline without
// cancelling the in-flight call for others. The zero value is ready to use.
type Group[T any] struct {
	group singleflight.Group
}

// Do runs fn once per key among concurrent callers.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before fn completes, Do returns the
// context error but the in-flight call continues for other waiters.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}
