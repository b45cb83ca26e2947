// Package flight provides the settle-once, notify-all primitive behind the
// session's pending connects and the coordinator's refresh waiters.
//
// A Queue collects Waiters while a shared operation is in progress. When the
// operation finishes, its owner drains the queue and settles the batch with
// the single outcome, in enqueue order. Queue is not safe for concurrent use:
// owners guard it with the same mutex that guards their "in progress" flag,
// so the check-and-enqueue and the drain are each one critical section.
package flight

import (
	"context"
	"sync"
)

// Waiter is a one-shot completion handle.
type Waiter[T any] struct {
	once     sync.Once
	done     chan struct{}
	val      T
	err      error
	onSettle func(T, error)
}

// NewWaiter creates a Waiter. onSettle, if non-nil, runs once on the
// settling goroutine after the outcome is recorded.
func NewWaiter[T any](onSettle func(T, error)) *Waiter[T] {
	return &Waiter[T]{
		done:     make(chan struct{}),
		onSettle: onSettle,
	}
}

// Settle records the outcome. Only the first call has any effect; it
// reports whether this call was the one that settled the waiter.
func (w *Waiter[T]) Settle(val T, err error) bool {
	settled := false
	w.once.Do(func() {
		w.val, w.err = val, err
		close(w.done)
		settled = true
	})
	if settled && w.onSettle != nil {
		w.onSettle(val, err)
	}
	return settled
}

// Done is closed once the waiter is settled.
func (w *Waiter[T]) Done() <-chan struct{} {
	return w.done
}

// Result returns the settled outcome. It must only be called after Done is closed.
func (w *Waiter[T]) Result() (T, error) {
	return w.val, w.err
}

// Wait blocks until the waiter is settled or ctx ends.
func (w *Waiter[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-w.done:
		return w.val, w.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Queue is a FIFO of waiters for one in-flight operation.
type Queue[T any] struct {
	waiters []*Waiter[T]
}

// Push appends w.
func (q *Queue[T]) Push(w *Waiter[T]) {
	q.waiters = append(q.waiters, w)
}

// Len returns the number of queued waiters.
func (q *Queue[T]) Len() int {
	return len(q.waiters)
}

// Drain removes and returns every queued waiter.
func (q *Queue[T]) Drain() Batch[T] {
	b := Batch[T](q.waiters)
	q.waiters = nil
	return b
}

// Batch is a drained snapshot of a Queue.
type Batch[T any] []*Waiter[T]

// Settle settles every waiter in order with the same outcome. A panicking
// onSettle is recovered and passed to onPanic (when non-nil); delivery to
// the remaining waiters continues.
func (b Batch[T]) Settle(val T, err error, onPanic func(any)) {
	for _, w := range b {
		settleOne(w, val, err, onPanic)
	}
}

func settleOne[T any](w *Waiter[T], val T, err error, onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	w.Settle(val, err)
}
