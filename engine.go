// Package patchbay is a real-time port-graph routing engine. An Engine owns
// typed ports, the connection graph between them, tracks made of an input
// stage and a mixer strip, and the hardware ports of external devices. One
// processing thread calls Process once per cycle; every structural change
// runs on the dispatcher with that thread excluded.
package patchbay

import (
	"cmp"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/shaban/patchbay/devices"
	"github.com/shaban/patchbay/engine/ccbind"
	"github.com/shaban/patchbay/engine/fader"
	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
	"github.com/shaban/patchbay/engine/processor"
	"github.com/shaban/patchbay/engine/registry"
	"github.com/shaban/patchbay/internal/logging"
	"github.com/shaban/patchbay/plugins"
)

// Engine is the routing engine.
type Engine struct {
	id           ident.ID
	cfg          Config
	log          *logging.Logger
	errorHandler ErrorHandler
	midiMode     fader.MIDIMode

	// gate excludes the processing cycle from structural changes. The
	// dispatcher holds it across every operation; Process only tries it.
	gate sync.Mutex

	// mu guards the track map for readers outside the dispatcher.
	mu     sync.RWMutex
	tracks map[ident.ID]*Track
	master *Track
	seq    uint64

	// order is the processing order, written with the gate held.
	order []*Track

	reg       *registry.Registry
	graph     *graph.Graph
	solo      *fader.SoloState
	catalog   *plugins.Catalog
	cc        *ccbind.Table
	hw        *devices.Hardware
	transport *Transport

	dispatcher    *Dispatcher
	serializer    *Serializer
	deviceMonitor *DeviceMonitor

	running   atomic.Bool
	soloDirty atomic.Bool
	skipped   atomic.Uint64

	// owned by the processing thread, reallocated with the gate held
	prepared   bool
	outL, outR []float32
	outFrames  int
}

// NewEngine creates an engine with its master track. Zero config fields
// take their defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(os.Stderr, "patchbay")
	}
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		cfg.Logger.SetLevel(level)
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = NewLoggingErrorHandler(nil, cfg.Logger)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = plugins.Builtin()
	}
	mode, _ := cfg.midiMode()

	e := &Engine{
		id:           ident.New(),
		cfg:          cfg,
		log:          cfg.Logger.With("engine"),
		errorHandler: cfg.ErrorHandler,
		midiMode:     mode,
		tracks:       make(map[ident.ID]*Track),
		reg:          registry.New(),
		solo:         &fader.SoloState{},
		catalog:      cfg.Catalog,
		transport:    &Transport{},
	}
	e.graph = graph.New(e.reg)
	e.cc = ccbind.New(e.reg)
	e.hw = devices.NewHardware(cfg.MIDIDriver, cfg.AudioDevices)
	e.hw.SetCCHandler(e.handleCC)

	master, err := e.addTrack(TrackConfig{Name: "Master", Kind: processor.TrackBus}, nil)
	if err != nil {
		return nil, err
	}
	e.master = master
	if err := e.reorder(); err != nil {
		return nil, err
	}

	e.dispatcher = NewDispatcher(e)
	e.dispatcher.Start()
	e.serializer = NewSerializer(e)
	e.deviceMonitor = NewDeviceMonitor(e)
	return e, nil
}

// Start scans devices, exposes the configured inputs, allocates every
// buffer and starts the device monitor.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	err := e.dispatcher.run(OpStartEngine, func() error {
		if err := e.hw.Scan(); err != nil {
			e.errorHandler.HandleError(err)
		}
		for _, name := range e.cfg.MIDIInputs {
			if _, err := e.exposeMIDI(name); err != nil {
				e.errorHandler.HandleError(err)
			}
		}
		if e.cfg.AudioInput != "" {
			if _, err := e.exposeAudio(e.cfg.AudioInput, e.cfg.AudioInputChannels); err != nil {
				e.errorHandler.HandleError(err)
			}
		}
		e.prepare()
		return nil
	})
	if err != nil {
		e.running.Store(false)
		return err
	}
	if e.cfg.MIDIDriver != nil || e.cfg.AudioDevices != nil {
		if err := e.deviceMonitor.Start(); err != nil {
			e.errorHandler.HandleError(err)
		}
	}
	e.log.Infof("started at %.0f Hz, %d frames", e.cfg.SampleRate, e.cfg.BufferSize)
	return nil
}

// Stop releases the buffers. Process outputs silence until Start is
// called again.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.deviceMonitor.Stop()
	return e.dispatcher.run(OpStopEngine, func() error {
		e.release()
		return nil
	})
}

// Close stops the engine, the dispatcher and every device listener.
func (e *Engine) Close() error {
	err := e.Stop()
	e.dispatcher.Stop()
	e.hw.Close()
	return err
}

func (e *Engine) ID() ident.ID    { return e.id }
func (e *Engine) Name() string    { return e.cfg.Name }
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Config returns the normalized configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *registry.Registry { return e.reg }
func (e *Engine) Graph() *graph.Graph          { return e.graph }
func (e *Engine) Catalog() *plugins.Catalog    { return e.catalog }
func (e *Engine) Transport() *Transport        { return e.transport }
func (e *Engine) Hardware() *devices.Hardware  { return e.hw }

// Bindings returns the CC binding table. It is safe for use from any
// goroutine.
func (e *Engine) Bindings() *ccbind.Table { return e.cc }

func (e *Engine) Dispatcher() *Dispatcher       { return e.dispatcher }
func (e *Engine) Serializer() *Serializer       { return e.serializer }
func (e *Engine) DeviceMonitor() *DeviceMonitor { return e.deviceMonitor }

// Master returns the master bus. Every new audio track is routed to it.
func (e *Engine) Master() *Track {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.master
}

// Track returns the track with the given ID.
func (e *Engine) Track(id ident.ID) (*Track, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tracks[id]
	return t, ok
}

// Tracks returns every track except the master, in creation order.
func (e *Engine) Tracks() []*Track {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Track, 0, len(e.tracks))
	for _, t := range e.tracks {
		if t != e.master {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *Track) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Designation returns an "owner/port" description of a port.
func (e *Engine) Designation(id ident.ID) string { return e.reg.Designation(id) }

// Skipped returns how many cycles were silenced because a structural
// change held the gate.
func (e *Engine) Skipped() uint64 { return e.skipped.Load() }

// prepare allocates every buffer. Called with the gate held.
func (e *Engine) prepare() {
	sr, n := e.cfg.SampleRate, e.cfg.BufferSize
	e.hw.Prepare(sr, n)
	for _, t := range e.tracks {
		t.prepare(sr, n)
	}
	e.outL = make([]float32, n)
	e.outR = make([]float32, n)
	e.outFrames = 0
	e.prepared = true
}

func (e *Engine) release() {
	e.prepared = false
	for _, t := range e.tracks {
		t.release()
	}
	e.hw.Release()
	e.outL, e.outR = nil, nil
}

// Process runs one cycle of frames frames. It never blocks: when a
// structural change holds the gate, or the engine is not started, the
// cycle is silent and Process returns false.
func (e *Engine) Process(frames int) bool {
	if !e.gate.TryLock() {
		e.skipped.Add(1)
		return false
	}
	defer e.gate.Unlock()
	if !e.prepared || frames <= 0 || frames > len(e.outL) {
		e.outFrames = 0
		return false
	}

	ti := port.TimeInfo{GlobalFrame: e.transport.Position(), Frames: uint32(frames)}
	e.hw.Process(ti)
	for _, t := range e.order {
		t.process(ti)
	}
	outs := e.master.Outputs()
	copy(e.outL[:frames], outs[0].Buffer()[:frames])
	copy(e.outR[:frames], outs[1].Buffer()[:frames])
	e.outFrames = frames
	e.transport.advance(int64(frames))
	return true
}

// ReadOutput copies the master output of the last cycle into l and r.
// Frames the last cycle did not produce are silent.
func (e *Engine) ReadOutput(l, r []float32) {
	n := 0
	if e.gate.TryLock() {
		n = min(e.outFrames, len(l), len(r))
		copy(l[:n], e.outL[:n])
		copy(r[:n], e.outR[:n])
		e.gate.Unlock()
	}
	clear(l[n:])
	clear(r[n:])
}

// handleCC runs on the MIDI driver's goroutine.
func (e *Engine) handleCC(buf [3]byte, deviceID string) {
	e.cc.Apply(buf, deviceID)
}

// soloChanged is the change hook of every solo and listen port. It
// schedules one recomputation however many ports change before it runs.
// While an operation is running the worker refreshes when it finishes,
// so the hook never queues work from the worker onto itself.
func (e *Engine) soloChanged(*port.Port) {
	if e.dispatcher == nil || !e.soloDirty.CompareAndSwap(false, true) {
		return
	}
	if e.dispatcher.busy.Load() {
		return
	}
	err := e.dispatcher.enqueue(OpRefreshSolo, func() error { return nil })
	if err != nil {
		e.soloDirty.Store(false)
	}
}
