package imagecache

import (
	"context"
	"image"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"img-cache/internal/fingerprint"
)

// registry guarantees at most one pending load per key. Registering a key
// and joining an existing load happen in the same critical section inside
// singleflight, so two callers can never both start a load for one key.
//
// Loads run to completion on their own goroutine. A caller that gives up
// stops waiting but does not cancel the load, which still fills the cache
// for whoever asks next.
type registry struct {
	group   singleflight.Group
	pending atomic.Int64
	metrics *Metrics
}

type loadFunc func() (image.Image, error)

// do runs fn for key unless a load for key is already pending, in which case
// it waits for that load instead. shared reports whether the result was
// delivered to more than one caller.
func (r *registry) do(ctx context.Context, key fingerprint.Key, fn loadFunc) (img image.Image, shared bool, err error) {
	ch := r.group.DoChan(key.String(), func() (interface{}, error) {
		r.pending.Add(1)
		r.metrics.inflight(1)
		defer func() {
			r.pending.Add(-1)
			r.metrics.inflight(-1)
		}()
		return fn()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(image.Image), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// inFlight returns the number of keys with a pending load.
func (r *registry) inFlight() int {
	return int(r.pending.Load())
}
