// Package port implements the typed terminals of the signal graph.
//
// A Port is a closed tagged union over four kinds: audio, CV (modulation),
// event (MIDI) and control. All kinds share the same lifecycle:
//
//	p := port.New("In L", port.KindAudio, port.FlowInput, port.OwnerFader)
//	p.Prepare(48000, 512) // allocate, off the processing thread
//	p.Clear(ti)           // every cycle, before sources are summed in
//	p.Process(ti)         // every cycle, once all sources are final
//	p.Release()
//
// Incoming connections are resolved by the graph package and attached to
// the destination with AttachInputs, so processing never looks anything up.
package port

import (
	"math"
	"sync/atomic"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/lockfree"
)

const (
	// DefaultEventCapacity is the number of events an event port holds per
	// cycle. Further events are dropped and counted.
	DefaultEventCapacity = 512
	// MirrorCapacity is the size of the ring an output event port mirrors
	// its traffic into.
	MirrorCapacity = 1024
)

// Range is the declared numeric range of a port.
type Range struct {
	Min  float32 `json:"min"`
	Max  float32 `json:"max"`
	Zero float32 `json:"zero"`
}

// Clamp limits v to [Min, Max].
func (r Range) Clamp(v float32) float32 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// TimeInfo describes the frame range handled by one Clear or Process call.
type TimeInfo struct {
	// GlobalFrame is the timeline position of the frame at Offset.
	GlobalFrame int64
	// Offset is the first frame inside the port buffer.
	Offset uint32
	// Frames is the number of frames to handle.
	Frames uint32
}

// End returns the buffer index one past the last frame.
func (ti TimeInfo) End() uint32 {
	return ti.Offset + ti.Frames
}

// Link is a resolved incoming connection.
type Link struct {
	Src        *Port
	Multiplier float32
	Enabled    bool
}

// Port is a typed, buffer-holding terminal of the signal graph.
type Port struct {
	id  Identity
	rng Range

	prepared   bool
	sampleRate float64
	maxFrames  int

	inputs []Link

	// audio and cv
	buf  []float32
	peak atomic.Uint32

	// event
	events EventList
	mirror *lockfree.Ring[Event]

	// control
	ctrl *control
}

// Option configures a port at construction time.
type Option func(*Port)

// WithID sets the port identifier instead of minting a new one.
func WithID(id ident.ID) Option {
	return func(p *Port) { p.id.ID = id }
}

// WithFlags adds flags to the port identity.
func WithFlags(f Flags) Option {
	return func(p *Port) { p.id.Flags |= f }
}

// WithTrack records the owning track.
func WithTrack(id ident.ID) Option {
	return func(p *Port) { p.id.TrackID = id }
}

// WithPlugin records the owning plugin.
func WithPlugin(id ident.ID) Option {
	return func(p *Port) { p.id.PluginID = id }
}

func WithSymbol(s string) Option {
	return func(p *Port) { p.id.Symbol = s }
}

func WithGroup(g string) Option {
	return func(p *Port) { p.id.Group = g }
}

func WithUnit(u Unit) Option {
	return func(p *Port) { p.id.Unit = u }
}

func WithHardwareID(hw string) Option {
	return func(p *Port) { p.id.HardwareID = hw }
}

func WithIndex(i int) Option {
	return func(p *Port) { p.id.Index = i }
}

// WithRange sets the declared range. The zero point is clamped into it.
func WithRange(min, max float32) Option {
	return func(p *Port) {
		p.rng.Min, p.rng.Max = min, max
		p.rng.Zero = p.rng.Clamp(p.rng.Zero)
	}
}

// WithDefault sets the default value of a control port.
func WithDefault(v float32) Option {
	return func(p *Port) {
		if p.ctrl != nil {
			p.ctrl.def = v
		}
	}
}

// WithScalePoints attaches labelled values to a control port.
func WithScalePoints(points ...ScalePoint) Option {
	return func(p *Port) {
		if p.ctrl != nil {
			p.ctrl.scalePoints = append([]ScalePoint(nil), points...)
		}
	}
}

// New creates an unprepared port with a fresh identifier.
func New(label string, kind Kind, flow Flow, owner OwnerKind, opts ...Option) *Port {
	p := &Port{
		id: Identity{
			ID:    ident.New(),
			Owner: owner,
			Kind:  kind,
			Flow:  flow,
			Label: label,
		},
	}
	switch kind {
	case KindAudio, KindCV:
		p.rng = Range{Min: -1, Max: 1}
	case KindControl:
		p.rng = Range{Min: 0, Max: 1}
		p.ctrl = &control{}
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.id.Flags.Has(FlagToggle) {
		p.rng = Range{Min: 0, Max: 1}
	}
	if p.ctrl != nil {
		p.ctrl.def = p.snap(p.rng.Clamp(p.ctrl.def))
		p.ctrl.store(p.ctrl.def, p.ctrl.def)
		p.ctrl.cur.Store(math.Float32bits(p.ctrl.def))
	}
	return p
}

// Clone copies the port for a new owner. The identity is copied and its ID
// treated per mode. Control values and the range are copied; buffers are
// not, so the clone must be prepared before use.
func (p *Port) Clone(mode ident.CloneMode, opts ...Option) *Port {
	c := &Port{
		id:  p.id.Clone(mode),
		rng: p.rng,
	}
	if p.ctrl != nil {
		c.ctrl = p.ctrl.clone()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (p *Port) ID() ident.ID                  { return p.id.ID }
func (p *Port) Identity() Identity            { return p.id }
func (p *Port) Kind() Kind                    { return p.id.Kind }
func (p *Port) Flow() Flow                    { return p.id.Flow }
func (p *Port) Label() string                 { return p.id.Label }
func (p *Port) Range() Range                  { return p.rng }
func (p *Port) Is(f Flags) bool               { return p.id.Flags.Has(f) }
func (p *Port) IsPrepared() bool              { return p.prepared }
func (p *Port) SampleRate() float64           { return p.sampleRate }
func (p *Port) MaxFrames() int                { return p.maxFrames }
func (p *Port) String() string                { return p.id.String() }
func (p *Port) Inputs() []Link                { return p.inputs }
func (p *Port) HasInputs() bool               { return len(p.inputs) > 0 }
func (p *Port) Buffer() []float32             { return p.buf }
func (p *Port) Events() *EventList            { return &p.events }
func (p *Port) Mirror() *lockfree.Ring[Event] { return p.mirror }

// AttachInputs replaces the resolved incoming links. Only the graph calls
// this, while the processing thread is excluded.
func (p *Port) AttachInputs(links []Link) {
	p.inputs = links
}

// Prepare allocates the kind-specific buffer. Calling it again with the same
// parameters does nothing; different parameters re-allocate.
func (p *Port) Prepare(sampleRate float64, maxFrames int) {
	if p.prepared && p.sampleRate == sampleRate && p.maxFrames == maxFrames {
		return
	}
	p.sampleRate = sampleRate
	p.maxFrames = maxFrames

	switch p.id.Kind {
	case KindAudio, KindCV:
		p.buf = make([]float32, maxFrames)
	case KindEvent:
		if cap(p.events.events) == 0 {
			p.events.events = make([]Event, 0, DefaultEventCapacity)
		}
		p.events.Clear()
		if p.id.Flow == FlowOutput && p.mirror == nil {
			p.mirror = lockfree.NewRing[Event](MirrorCapacity)
		}
	}
	p.prepared = true
}

// Release frees the buffers. The port must be prepared again before use.
func (p *Port) Release() {
	p.buf = nil
	p.events.events = nil
	p.prepared = false
}

// Clear resets the part of the buffer about to be written this cycle.
func (p *Port) Clear(ti TimeInfo) {
	if !p.prepared {
		assertf(false, "clear before prepare on %s", p.id)
		return
	}
	switch p.id.Kind {
	case KindAudio, KindCV:
		start, end, ok := p.span(ti)
		if ok {
			clear(p.buf[start:end])
		}
	case KindEvent:
		p.events.RemoveRange(ti.Offset, ti.End())
	}
}

// Process resolves the port's value for the given range from its incoming
// links. Owners call it on their output ports after writing them, which
// updates meters and the event mirror.
func (p *Port) Process(ti TimeInfo) {
	if !p.prepared {
		assertf(false, "process before prepare on %s", p.id)
		return
	}
	switch p.id.Kind {
	case KindAudio, KindCV:
		p.processSamples(ti)
	case KindEvent:
		p.processEvents(ti)
	case KindControl:
		p.processControl(ti)
	}
}

func (p *Port) span(ti TimeInfo) (start, end uint32, ok bool) {
	end = ti.End()
	if int(end) > len(p.buf) {
		assertf(false, "range %d..%d exceeds buffer of %d frames on %s", ti.Offset, end, len(p.buf), p.id)
		end = uint32(len(p.buf))
	}
	if ti.Offset >= end {
		return 0, 0, false
	}
	return ti.Offset, end, true
}

func (p *Port) processSamples(ti TimeInfo) {
	start, end, ok := p.span(ti)
	if !ok {
		return
	}
	dst := p.buf[start:end]
	for i := range p.inputs {
		l := &p.inputs[i]
		if !l.Enabled || l.Src == nil || len(l.Src.buf) < int(end) {
			continue
		}
		src := l.Src.buf[start:end]
		if l.Multiplier == 1 {
			for j, v := range src {
				dst[j] += v
			}
			continue
		}
		m := l.Multiplier
		for j, v := range src {
			dst[j] += v * m
		}
	}
	if p.id.Kind == KindCV {
		for j, v := range dst {
			dst[j] = p.rng.Clamp(v)
		}
	}
	p.meter(dst)
}

func (p *Port) processEvents(ti TimeInfo) {
	start, end := ti.Offset, ti.End()
	for i := range p.inputs {
		l := &p.inputs[i]
		if !l.Enabled || l.Src == nil || l.Src.id.Kind != KindEvent {
			continue
		}
		for _, ev := range l.Src.events.Range(start, end) {
			if !p.events.Contains(ev) {
				p.events.Add(ev)
			}
		}
	}
	if p.mirror != nil {
		for _, ev := range p.events.Range(start, end) {
			p.mirror.Push(ev)
		}
	}
}

func (p *Port) meter(samples []float32) {
	peak := math.Float32frombits(p.peak.Load())
	for _, v := range samples {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	p.peak.Store(math.Float32bits(peak))
}

// Peak returns the largest absolute sample seen since the last ResetPeak.
// Safe to call from any goroutine.
func (p *Port) Peak() float32 {
	return math.Float32frombits(p.peak.Load())
}

// ResetPeak clears the peak meter.
func (p *Port) ResetPeak() {
	p.peak.Store(0)
}
