package ring

import "go.intuitus.dev/driver/fault"

// Queue is a bounded FIFO hand-off between two stages. Push and pop never
// block; a consumer that wants to park selects on Ready.
type Queue[T any] struct {
	ch chan T
}

// NewQueue returns a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPush appends v, or fails with fault.ErrQueueFull.
func (q *Queue[T]) TryPush(v T) error {
	select {
	case q.ch <- v:
		return nil
	default:
		return fault.New(fault.QueueFull, "hand-off")
	}
}

// TryPop removes the oldest item, or fails with fault.ErrEmpty.
func (q *Queue[T]) TryPop() (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	default:
		var zero T
		return zero, fault.ErrEmpty
	}
}

// Ready is readable whenever an item is queued. Receiving from it pops that
// item.
func (q *Queue[T]) Ready() <-chan T {
	return q.ch
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
