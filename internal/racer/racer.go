// Package racer implements the "select first success, cancel the rest"
// pattern shared by every direct/indirect and parent-candidate race in
// the core.
package racer

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Leg is one candidate attempt in a race. It must return promptly once its
// ctx is cancelled.
type Leg[T any] func(ctx context.Context) (T, error)

// Result pairs a Leg's outcome with a caller-supplied label, used to build
// composite error messages naming which legs failed.
type Result[T any] struct {
	Label string
	Value T
	Err   error
}

// First runs every leg concurrently. The first leg to succeed wins: its
// sibling legs' context is cancelled, and onLoserSuccess (if non-nil) is
// invoked for every other leg that nonetheless succeeds after losing, so
// the caller can dispose of it. If every leg fails, ok is false and
// failures carries every leg's label and error for composite error
// reporting.
func First[T any](ctx context.Context, onLoserSuccess func(Result[T]), legs map[string]Leg[T]) (value T, ok bool, failures []Result[T]) {
	n := len(legs)
	resCh := make(chan Result[T], n)

	legCtx, cancelAll := context.WithCancel(ctx)

	// g only ever manages goroutine lifetime here, never error-triggered
	// cancellation: a losing leg's ordinary failure must not cancel its
	// siblings, only a winning success does (via cancelAll below), so every
	// Go func always returns nil.
	var g errgroup.Group
	for label, leg := range legs {
		label, leg := label, leg
		g.Go(func() error {
			v, err := leg(legCtx)
			resCh <- Result[T]{Label: label, Value: v, Err: err}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(resCh)
	}()

	for r := range resCh {
		if r.Err == nil {
			cancelAll()
			go func() {
				for rest := range resCh {
					if rest.Err == nil && onLoserSuccess != nil {
						onLoserSuccess(rest)
					}
				}
			}()
			return r.Value, true, nil
		}
		failures = append(failures, r)
	}
	cancelAll()
	return value, false, failures
}
