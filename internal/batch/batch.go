// Package batch runs per-item work in fixed-size concurrent batches with a
// pause between batches, keeping upstream request rates bounded.
package batch

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options bounds a batched run.
type Options struct {
	Size  int
	Delay time.Duration
}

// DefaultOptions is ten items per batch with a half-second pause.
func DefaultOptions() Options {
	return Options{Size: 10, Delay: 500 * time.Millisecond}
}

// Run calls fn for every item. Items in one batch run concurrently; batches
// run in order. A failing item does not stop the others. Run returns the
// number of failed items, or ctx.Err() if cancelled between batches.
func Run[T any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, item T) error) (int, error) {
	if opts.Size <= 0 {
		opts.Size = len(items)
	}
	var failed atomic.Int64

	for start := 0; start < len(items); start += opts.Size {
		if start > 0 && opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return int(failed.Load()), ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return int(failed.Load()), err
		}

		end := start + opts.Size
		if end > len(items) {
			end = len(items)
		}
		var g errgroup.Group
		for _, item := range items[start:end] {
			g.Go(func() error {
				if err := fn(ctx, item); err != nil {
					failed.Add(1)
				}
				return nil
			})
		}
		g.Wait()
	}
	return int(failed.Load()), nil
}
