package task

import "sync"

// Queue runs operations in the order they were enqueued with at most one
// running at a time. Unlike Sequence, a failed item does not affect the
// items after it. The zero value is ready to use.
type Queue struct {
	mu   sync.Mutex
	tail chan struct{}
}

// Enqueue schedules fn after everything already on q and returns its task
// without waiting.
func Enqueue[T any](q *Queue, fn func() (T, error)) *Task[T] {
	q.mu.Lock()
	prev := q.tail
	cur := make(chan struct{})
	q.tail = cur
	q.mu.Unlock()

	return Go(func() (T, error) {
		defer close(cur)
		if prev != nil {
			<-prev
		}
		return fn()
	})
}

// Do enqueues fn and waits for it.
func Do[T any](q *Queue, fn func() (T, error)) (T, error) {
	return Enqueue(q, fn).Result()
}
