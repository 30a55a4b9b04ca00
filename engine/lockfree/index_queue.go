package lockfree

import (
	"sync/atomic"
)

type cell struct {
	seq atomic.Uint64
	val uint32
}

// IndexQueue is a bounded multi-producer multi-consumer FIFO of small
// integer indices. Push and Pop never block and never allocate.
type IndexQueue struct {
	cells []cell
	mask  uint64

	enq atomic.Uint64
	_   [56]byte
	deq atomic.Uint64
	_   [56]byte
}

// NewIndexQueue creates a queue with room for at least capacity indices.
func NewIndexQueue(capacity int) *IndexQueue {
	size := nextPowerOf2(capacity)
	q := &IndexQueue{
		cells: make([]cell, size),
		mask:  uint64(size - 1),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Cap returns the number of slots.
func (q *IndexQueue) Cap() int {
	return len(q.cells)
}

// Push enqueues v and returns false if the queue is full.
func (q *IndexQueue) Push(v uint32) bool {
	pos := q.enq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if q.enq.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.enq.Load()
		case dif < 0:
			return false
		default:
			pos = q.enq.Load()
		}
	}
}

// Pop dequeues the oldest index.
func (q *IndexQueue) Pop() (uint32, bool) {
	pos := q.deq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if q.deq.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.deq.Load()
		case dif < 0:
			return 0, false
		default:
			pos = q.deq.Load()
		}
	}
}
