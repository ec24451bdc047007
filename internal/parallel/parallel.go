// Package parallel runs independent work items with bounded concurrency.
package parallel

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// ItemError records the failure of the item at Index.
type ItemError struct {
	Index int
	Err   error
}

func (e ItemError) Error() string {
	return e.Err.Error()
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// Report summarizes a Run. Every item is counted exactly once.
type Report struct {
	Succeeded int
	Errors    []ItemError
}

// Failed returns the number of items that did not succeed.
func (r Report) Failed() int {
	return len(r.Errors)
}

// FailedIndexes returns the indexes of failed items in ascending order.
func (r Report) FailedIndexes() []int {
	idx := make([]int, len(r.Errors))
	for i, e := range r.Errors {
		idx[i] = e.Index
	}
	return idx
}

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	counter *Counter
}

// WithCounter records each outcome on c.
func WithCounter(c *Counter) Option {
	return func(o *runOptions) {
		o.counter = c
	}
}

// Run calls fn once for every item with at most limit calls in flight. A
// failing or panicking item never affects the others. Items not yet started
// when ctx is cancelled are reported as failed with the context error.
func Run[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error, opts ...Option) Report {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if limit <= 0 {
		limit = 1
	}

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(i int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			report.Succeeded++
		} else {
			report.Errors = append(report.Errors, ItemError{Index: i, Err: err})
		}
		if o.counter != nil {
			o.counter.Add(err == nil)
		}
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(i, eris.Wrap(err, "parallel: not started"))
				return nil
			}
			record(i, safeCall(ctx, item, fn))
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Errors, func(a, b int) bool {
		return report.Errors[a].Index < report.Errors[b].Index
	})
	return report
}

func safeCall[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("parallel: panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
