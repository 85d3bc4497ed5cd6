package client

import (
	"context"
	"sync"
)

// Future is a single-shot result. The first Complete or Fail wins; later
// calls are ignored.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete resolves the future with v. It reports whether this call won.
func (f *Future[T]) Complete(v T) bool {
	won := false
	f.once.Do(func() {
		f.val = v
		won = true
		close(f.done)
	})
	return won
}

// Fail resolves the future with err. It reports whether this call won.
func (f *Future[T]) Fail(err error) bool {
	won := false
	f.once.Do(func() {
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the future is resolved either way.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (f *Future[T]) Result() (T, error) {
	if !f.Resolved() {
		var zero T
		return zero, ErrPending
	}
	return f.val, f.err
}
