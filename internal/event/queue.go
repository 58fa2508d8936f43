package event

import (
	"go.uber.org/atomic"
)

// Queue is a bounded single-producer/single-consumer ring. The producer is an
// interrupt handler, the consumer a foreground polling loop; neither side
// blocks. Capacity is rounded up to a power of two.
type Queue[T any] struct {
	buf  []T
	mask uint32

	head     atomic.Uint32 // next slot to read, written by the consumer only
	tail     atomic.Uint32 // next slot to write, written by the producer only
	overflow atomic.Uint64
}

// NewQueue creates a queue holding at least size elements.
func NewQueue[T any](size int) *Queue[T] {
	n := 1
	for n < size {
		n <<= 1
	}
	return &Queue[T]{buf: make([]T, n), mask: uint32(n - 1)}
}

// Push appends v. It returns false, and counts an overflow, when the ring is full.
func (q *Queue[T]) Push(v T) bool {
	t := q.tail.Load()
	if t-q.head.Load() == uint32(len(q.buf)) {
		q.overflow.Inc()
		return false
	}
	q.buf[t&q.mask] = v
	q.tail.Store(t + 1)
	return true
}

// Pop removes the oldest element.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	h := q.head.Load()
	if h == q.tail.Load() {
		return zero, false
	}
	v := q.buf[h&q.mask]
	q.buf[h&q.mask] = zero
	q.head.Store(h + 1)
	return v, true
}

// Drain discards everything currently queued. Consumer side only.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		if _, ok := q.Pop(); !ok {
			return n
		}
		n++
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the ring size.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Overflows returns how many pushes were rejected because the ring was full.
func (q *Queue[T]) Overflows() uint64 {
	return q.overflow.Load()
}
