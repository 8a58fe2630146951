// Package parallel implements the fan-out executor the router hands a
// batch of per-target callables to: run all of them concurrently, wait
// for all, and on any failure propagate the first error after
// best-effort cancellation of the rest. Grounded on the teacher's
// waitgroup-based fan-out in driver/conn.go (wgroup.Go), generalized
// to golang.org/x/sync/errgroup so cancellation is a first-class
// context rather than ad hoc bookkeeping.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// UpdateCallable is one target's contribution to an update dispatch:
// it runs the update and returns the rows affected.
type UpdateCallable func(ctx context.Context) (int64, error)

// SelectCallable is one target's contribution to a query dispatch: it
// runs the query and returns the raw result value (the router supplies
// whatever concrete type its caller needs, typically result.Result).
type SelectCallable[T any] func(ctx context.Context) (T, error)

// ExecuteUpdateCallable runs every callable concurrently and returns
// the sum of their update counts. The spec's "matching single-node
// semantics for multi-replica writes" is the caller's responsibility:
// this function just adds what it's given. On first failure, the
// group's context is canceled so the remaining in-flight callables
// get a chance to abort, and that first error is returned.
func ExecuteUpdateCallable(ctx context.Context, callables []UpdateCallable) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	counts := make([]int64, len(callables))
	for i, c := range callables {
		i, c := i, c
		g.Go(func() error {
			n, err := c(gctx)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// ExecuteSelectCallable runs every callable concurrently and returns
// their results in submission order. Same first-failure policy as
// ExecuteUpdateCallable.
func ExecuteSelectCallable[T any](ctx context.Context, callables []SelectCallable[T]) ([]T, error) {
	g, gctx := errgroup.WithContext(ctx)
	out := make([]T, len(callables))
	for i, c := range callables {
		i, c := i, c
		g.Go(func() error {
			v, err := c(gctx)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
