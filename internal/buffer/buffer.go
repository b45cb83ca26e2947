// Package buffer provides an ordered, growable FIFO that never blocks producers.
package buffer

import (
	"context"
	"sync"
)

// Growable is a thread-safe FIFO whose ring doubles when full, so a
// producer on a read loop never waits on a slow consumer.
type Growable[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	count  int
	closed bool
	notify chan struct{} // closed and replaced whenever an item arrives or the buffer closes

	// Stats
	totalReceived int64
	totalSent     int64
	resizeCount   int
}

// NewGrowable creates a buffer with the given initial capacity.
func NewGrowable[T any](initialCapacity int) *Growable[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &Growable[T]{
		buf:    make([]T, initialCapacity),
		notify: make(chan struct{}),
	}
}

// Send appends item, growing the ring if it is full.
// Returns false if the buffer is closed.
func (b *Growable[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.count == len(b.buf) {
		b.grow()
	}

	b.buf[(b.head+b.count)%len(b.buf)] = item
	b.count++
	b.totalReceived++
	b.wake()
	return true
}

// Receive blocks until an item is available, the buffer is closed and
// empty, or ctx ends. ok is false in the latter two cases.
func (b *Growable[T]) Receive(ctx context.Context) (item T, ok bool) {
	for {
		b.mu.Lock()
		if b.count > 0 {
			item = b.pop()
			b.mu.Unlock()
			return item, true
		}
		if b.closed {
			b.mu.Unlock()
			return item, false
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return item, false
		}
	}
}

// TryReceive returns the next item without blocking.
func (b *Growable[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// Close stops accepting items. Receivers still get what is buffered.
func (b *Growable[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.wake()
}

// Len returns the number of buffered items.
func (b *Growable[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
}

// Stats returns buffer statistics.
func (b *Growable[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:         b.count,
		Capacity:      len(b.buf),
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		ResizeCount:   b.resizeCount,
	}
}

// pop removes the head item. Must be called with lock held and count > 0.
func (b *Growable[T]) pop() T {
	var zero T
	item := b.buf[b.head]
	b.buf[b.head] = zero // release reference for GC
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.totalSent++
	return item
}

// grow doubles the ring, unwrapping it to start at index 0. Must be called with lock held.
func (b *Growable[T]) grow() {
	next := make([]T, len(b.buf)*2)
	n := copy(next, b.buf[b.head:])
	copy(next[n:], b.buf[:b.head])
	b.buf = next
	b.head = 0
	b.resizeCount++
}

// wake releases every goroutine blocked in Receive. Must be called with lock held.
func (b *Growable[T]) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}
