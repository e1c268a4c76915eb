package concurrent

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 10

// ParallelForEach runs fn for every item with at most maxConcurrency calls in
// flight. Unlike a fail-fast group it runs every item and returns all failures
// combined, indexed in the order items were given. Items not started because
// ctx ended report ctx.Err().
func ParallelForEach[T any](ctx context.Context, items []T, fn func(context.Context, T) error, maxConcurrency int) error {
	if len(items) == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultConcurrency
	}

	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// ParallelMap applies fn to every item with bounded concurrency and returns the
// results in input order alongside the combined failures.
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error), maxConcurrency int) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	results := make([]R, len(items))
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	err := ParallelForEach(ctx, idx, func(ctx context.Context, i int) error {
		r, err := fn(ctx, items[i])
		results[i] = r
		return err
	}, maxConcurrency)
	return results, err
}
