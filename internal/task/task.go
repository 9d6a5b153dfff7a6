// Package task composes native jobs without blocking the caller.
//
// A Task is a single-assignment future. Sequence folds dependent steps into
// one Task that runs them strictly one after another, and Queue serialises
// independent operations against one native handle.
package task

import (
	"context"
	"fmt"
	"sync"
)

// Task is the eventual result of an asynchronous operation.
type Task[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newTask[T any]() *Task[T] {
	return &Task[T]{done: make(chan struct{})}
}

func (t *Task[T]) complete(value T, err error) {
	t.once.Do(func() {
		t.value = value
		t.err = err
		close(t.done)
	})
}

// Go runs fn on its own goroutine. A panic in fn fails the task.
func Go[T any](fn func() (T, error)) *Task[T] {
	t := newTask[T]()
	go func() {
		var (
			value T
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				t.complete(zero, fmt.Errorf("task panicked: %v", r))
				return
			}
			t.complete(value, err)
		}()
		value, err = fn()
	}()
	return t
}

// Resolved returns a task that already succeeded with value.
func Resolved[T any](value T) *Task[T] {
	t := newTask[T]()
	t.complete(value, nil)
	return t
}

// Failed returns a task that already failed with err.
func Failed[T any](err error) *Task[T] {
	t := newTask[T]()
	var zero T
	t.complete(zero, err)
	return t
}

// Then starts fn with t's value once t succeeds. A failure of t skips fn
// and carries over unchanged.
func Then[T, U any](t *Task[T], fn func(T) (U, error)) *Task[U] {
	return Go(func() (U, error) {
		<-t.done
		if t.err != nil {
			var zero U
			return zero, t.err
		}
		return fn(t.value)
	})
}

// Done is closed once the task has a result.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Wait blocks until the task completes or ctx is done. Giving up on the
// wait does not stop the underlying work.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result blocks until the task completes.
func (t *Task[T]) Result() (T, error) {
	<-t.done
	return t.value, t.err
}

// Err blocks until the task completes and returns only its error.
func (t *Task[T]) Err() error {
	<-t.done
	return t.err
}
