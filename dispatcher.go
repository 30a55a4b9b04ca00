package patchbay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaban/patchbay/engine/queue"
	"github.com/shaban/patchbay/internal/logging"
)

// OperationType names a topology operation for logs and statistics.
type OperationType string

const (
	OpStartEngine    OperationType = "start_engine"
	OpStopEngine     OperationType = "stop_engine"
	OpCreateTrack    OperationType = "create_track"
	OpRemoveTrack    OperationType = "remove_track"
	OpConnect        OperationType = "connect"
	OpDisconnect     OperationType = "disconnect"
	OpRouteOutput    OperationType = "route_output"
	OpConnectSend    OperationType = "connect_send"
	OpDisconnectSend OperationType = "disconnect_send"
	OpAddPlugin      OperationType = "add_plugin"
	OpRemovePlugin   OperationType = "remove_plugin"
	OpMovePlugin     OperationType = "move_plugin"
	OpExposeDevice   OperationType = "expose_device"
	OpUnexposeDevice OperationType = "unexpose_device"
	OpRefreshSolo    OperationType = "refresh_solo"
	OpSaveState      OperationType = "save_state"
	OpLoadState      OperationType = "load_state"
	OpFlush          OperationType = "flush"
)

// DispatcherStats summarizes the operations run so far.
type DispatcherStats struct {
	Operations      uint64
	Failures        uint64
	LastDuration    time.Duration
	SlowestOp       OperationType
	SlowestDuration time.Duration
}

// Dispatcher serializes topology changes onto one worker goroutine. Every
// operation runs with the engine gate held, so the processing thread skips
// at most the cycles that overlap it.
type Dispatcher struct {
	engine *Engine
	q      *queue.Queue
	log    *logging.Logger

	// maxOperationDuration is the target; slower operations are reported.
	maxOperationDuration time.Duration

	// set while an operation body runs on the worker
	busy atomic.Bool

	mu    sync.Mutex
	stats DispatcherStats
}

// NewDispatcher creates a dispatcher for e. Start it before use.
func NewDispatcher(e *Engine) *Dispatcher {
	d := &Dispatcher{
		engine:               e,
		q:                    queue.New(100),
		log:                  e.log.With("dispatcher"),
		maxOperationDuration: 300 * time.Millisecond,
	}
	d.q.OnError = e.errorHandler.HandleError
	return d
}

// Start launches the worker. Further calls do nothing.
func (d *Dispatcher) Start() { d.q.Start() }

// Stop waits for queued operations and stops the worker. Later operations
// fail with queue.ErrClosed.
func (d *Dispatcher) Stop() { d.q.Close() }

// Flush waits until every operation queued so far has run.
func (d *Dispatcher) Flush() error {
	return d.run(OpFlush, func() error { return nil })
}

// Stats returns a snapshot of the statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// run executes fn on the worker and waits for it.
func (d *Dispatcher) run(op OperationType, fn func() error) error {
	return d.q.RunSync(func(context.Context) error { return d.execute(op, fn) })
}

// enqueue schedules fn without waiting. Its error goes to the engine's
// error handler.
func (d *Dispatcher) enqueue(op OperationType, fn func() error) error {
	return d.q.Enqueue(queue.Func(func(context.Context) error { return d.execute(op, fn) }))
}

func (d *Dispatcher) execute(op OperationType, fn func() error) error {
	start := time.Now()
	d.engine.gate.Lock()
	d.busy.Store(true)
	err := fn()
	d.busy.Store(false)
	// solo changes made by the operation itself were only marked dirty
	if d.engine.soloDirty.Swap(false) {
		d.engine.refreshSolo()
	}
	d.engine.gate.Unlock()
	elapsed := time.Since(start)

	d.mu.Lock()
	d.stats.Operations++
	d.stats.LastDuration = elapsed
	if err != nil {
		d.stats.Failures++
	}
	if elapsed > d.stats.SlowestDuration {
		d.stats.SlowestOp, d.stats.SlowestDuration = op, elapsed
	}
	d.mu.Unlock()

	if elapsed > d.maxOperationDuration {
		d.engine.errorHandler.HandleError(
			fmt.Errorf("%s took %v, target is %v", op, elapsed, d.maxOperationDuration))
	}
	if err != nil {
		d.log.Debugf("%s failed after %v: %v", op, elapsed, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if op != OpFlush && op != OpRefreshSolo {
		d.log.Debugf("%s done in %v", op, elapsed)
	}
	return nil
}
