package async

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Future is the pending result of a function that only returns an error.
type Future struct {
	err  error
	done chan struct{}
}

// Await blocks until the function returns.
func (f *Future) Await() error {
	<-f.done
	return f.err
}

// AwaitWithTimeout waits up to timeout. It returns ErrTimeout when the
// function is still running; the function itself keeps running.
func (f *Future) AwaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.err
	case <-timer.C:
		return ErrTimeout
	}
}

// Done is closed when the function has returned.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsComplete reports whether the function has returned, without blocking.
func (f *Future) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Exec runs fn(ctx, param) in a new goroutine. A context that is already
// cancelled completes the future with ctx.Err() without calling fn. A panic in
// fn is recovered and reported as the future's error.
func Exec[T any](ctx context.Context, param T, fn func(context.Context, T) error) *Future {
	f := &Future{done: make(chan struct{})}

	go func() {
		defer close(f.done)
		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		f.err = call(ctx, param, fn)
	}()

	return f
}

// ExecEach runs fn once per param with at most limit calls in flight. The
// returned futures are in param order. Calls still waiting for a slot when
// ctx is cancelled complete with ctx.Err().
func ExecEach[T any](ctx context.Context, limit int, params []T, fn func(context.Context, T) error) []*Future {
	sem := make(chan struct{}, max(limit, 1))
	futures := make([]*Future, len(params))
	for i, p := range params {
		futures[i] = Exec(ctx, p, func(ctx context.Context, p T) error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-sem }()
			return fn(ctx, p)
		})
	}
	return futures
}

// AwaitAll waits for every future and joins their errors.
func AwaitAll(futures ...*Future) error {
	errs := make([]error, 0, len(futures))
	for _, f := range futures {
		if err := f.Await(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AwaitAny returns the index and error of the first future to complete.
func AwaitAny(futures ...*Future) (int, error) {
	if len(futures) == 0 {
		return -1, ErrNoFutures
	}

	type result struct {
		index int
		err   error
	}
	// Buffered so that losers never block after the winner is read.
	done := make(chan result, len(futures))
	for i, f := range futures {
		go func() {
			done <- result{i, f.Await()}
		}()
	}

	res := <-done
	return res.index, res.err
}

func call[T any](ctx context.Context, param T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("async: panic: %v", r)
		}
	}()
	return fn(ctx, param)
}
