package executor

import (
	"context"
	"errors"
	"sync"
)

// Future is the eventual result of an asynchronous task.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that is already resolved.
func Completed[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(value, err)
	return f
}

// complete resolves the future. Only the first call has an effect.
func (f *Future[T]) complete(value T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Await blocks until the future is resolved or ctx is done. A future that
// is already resolved wins over a done ctx.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.value, f.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}

// Result is the outcome of one task in a fan-out.
type Result[T any] struct {
	Name  string
	Value T
	Err   error
}

// Failed reports whether the task failed.
func (r Result[T]) Failed() bool {
	return r.Err != nil
}

// joinResultErrors combines every failure in results, or returns nil.
func joinResultErrors[T any](results []Result[T]) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
