// Package lockfree provides the bounded, allocation-free queues used to move
// data between the real-time processing thread and everything else.
package lockfree

import (
	"sync/atomic"
)

// Ring is a bounded single-producer single-consumer ring buffer.
//
// Exactly one goroutine may call Push and exactly one goroutine may call Pop
// or Drain. Push never blocks: when the ring is full the value is dropped and
// counted.
type Ring[T any] struct {
	buf  []T
	mask uint64

	head atomic.Uint64 // next slot to write, owned by the producer
	_    [56]byte
	tail atomic.Uint64 // next slot to read, owned by the consumer
	_    [56]byte

	dropped atomic.Uint64
}

// NewRing creates a ring holding at least capacity elements. Capacity is
// rounded up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	size := nextPowerOf2(capacity)
	return &Ring[T]{
		buf:  make([]T, size),
		mask: uint64(size - 1),
	}
}

// Cap returns the number of slots.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Push appends v. It returns false if the ring was full.
func (r *Ring[T]) Push(v T) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}
	r.buf[head&r.mask] = v
	r.head.Store(head + 1)
	return true
}

// Pop removes the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return zero, false
	}
	v := r.buf[tail&r.mask]
	r.buf[tail&r.mask] = zero
	r.tail.Store(tail + 1)
	return v, true
}

// Drain moves up to len(dst) elements into dst and returns how many were
// copied.
func (r *Ring[T]) Drain(dst []T) int {
	tail := r.tail.Load()
	head := r.head.Load()
	n := int(head - tail)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(tail+uint64(i))&r.mask]
	}
	r.tail.Store(tail + uint64(n))
	return n
}

// Len returns the number of queued elements. The value is a snapshot and may
// be stale by the time it is used.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Dropped returns how many pushes were rejected because the ring was full.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}

func nextPowerOf2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
