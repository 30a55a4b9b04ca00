// Package queue runs control-thread mutations one at a time on a single
// worker goroutine.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("queue not initialized")
	ErrClosed     = errors.New("queue closed")
)

// Op is a mutation applied on the worker. It receives a context canceled
// on shutdown and should not block for long.
type Op interface {
	Apply(ctx context.Context) error
}

// Func adapts a function to Op.
type Func func(ctx context.Context) error

func (f Func) Apply(ctx context.Context) error { return f(ctx) }

// Queue serializes operations onto one goroutine.
type Queue struct {
	ch     chan Op
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// OnError receives errors of operations enqueued without waiting.
	OnError func(error)
}

// New creates a queue with room for buffer pending operations.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ch: make(chan Op, buffer), ctx: ctx, cancel: cancel}
}

// Start launches the worker. Further calls do nothing.
func (q *Queue) Start() {
	q.once.Do(func() {
		q.wg.Add(1)
		go q.run()
	})
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.drain(10 * time.Millisecond)
			return
		case op := <-q.ch:
			q.apply(op)
		}
	}
}

// drain applies what is already queued, giving up after d.
func (q *Queue) drain(d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case op := <-q.ch:
			q.apply(op)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (q *Queue) apply(op Op) {
	if op == nil {
		return
	}
	if err := op.Apply(q.ctx); err != nil && q.OnError != nil {
		q.OnError(err)
	}
}

// Enqueue schedules op without waiting for it. It blocks only while the
// buffer is full.
func (q *Queue) Enqueue(op Op) error {
	if q == nil || q.ch == nil {
		return ErrNotStarted
	}
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case q.ch <- op:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// RunSync enqueues fn and waits for its result. A nil queue runs fn on
// the caller's goroutine.
func (q *Queue) RunSync(fn Func) error {
	if q == nil || q.ch == nil {
		return fn(context.Background())
	}
	done := make(chan error, 1)
	err := q.Enqueue(Func(func(ctx context.Context) error {
		done <- fn(ctx)
		return nil
	}))
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-q.ctx.Done():
		// the worker may still have run it while draining
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker and waits for it.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}
