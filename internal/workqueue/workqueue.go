// Package workqueue provides the bounded fan-out worker pool used by
// internal/syncrefs for its parallel per-sub-repo synthetic-ref pushes
// and its pull-side synthetic-ref fetches.
package workqueue

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is min(NumCPU, 16), the default parallelism cap,
// overridable via internal/config.
func DefaultLimit() int {
	n := runtime.NumCPU()
	if n > 16 {
		return 16
	}
	if n < 1 {
		return 1
	}
	return n
}

// Run executes one task per item in items, with at most limit running
// concurrently, and returns the first error encountered (cancelling the
// remaining in-flight tasks via ctx). A limit <= 0 means DefaultLimit().
func Run[T any](ctx context.Context, limit int, items []T, task func(context.Context, T) error) error {
	if limit <= 0 {
		limit = DefaultLimit()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		item := item
		g.Go(func() error {
			return task(gctx, item)
		})
	}
	return g.Wait()
}

// RunCollect is Run, but gathers one result per item alongside errors:
// results[i] and errs[i] are whatever task(items[i]) returned, even when
// it failed. Both slices are returned after every task has finished
// running (a failure does not cancel siblings early), which syncrefs
// needs to know which sub-pushes of a partially-failed fan-out landed.
func RunCollect[T, R any](ctx context.Context, limit int, items []T, task func(context.Context, T) (R, error)) ([]R, []error) {
	if limit <= 0 {
		limit = DefaultLimit()
	}
	results := make([]R, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := task(ctx, item)
			results[i] = r
			errs[i] = err
		}()
	}
	wg.Wait()
	return results, errs
}
