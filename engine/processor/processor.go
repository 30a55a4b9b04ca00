// Package processor implements the track input stage: it turns timeline
// material and live input into the ports that feed a track's strip, keeps
// the per-channel MIDI controller values current and hands received
// material to the recorder.
package processor

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/lockfree"
	"github.com/shaban/patchbay/engine/port"
)

const (
	NumChannels = 16
	NumCCs      = 128

	ccCount = NumChannels * NumCCs
	// control indices: CCs, then pitch bend, then channel pressure
	pitchBendBase = ccCount
	pressureBase  = pitchBendBase + NumChannels
	trackedCount  = pressureBase + NumChannels
)

// TrackKind selects the signals a stage carries and where they come from.
type TrackKind int

const (
	// TrackAudio plays audio regions and records audio.
	TrackAudio TrackKind = iota
	// TrackMIDI plays and records events and outputs events.
	TrackMIDI
	// TrackInstrument plays and records events that drive an instrument.
	TrackInstrument
	// TrackBus sums whatever is routed into it.
	TrackBus
)

func (k TrackKind) String() string {
	switch k {
	case TrackAudio:
		return "audio"
	case TrackMIDI:
		return "midi"
	case TrackInstrument:
		return "instrument"
	case TrackBus:
		return "bus"
	}
	return fmt.Sprintf("TrackKind(%d)", int(k))
}

func (k TrackKind) HasAudio() bool  { return k == TrackAudio || k == TrackBus }
func (k TrackKind) HasEvents() bool { return k == TrackMIDI || k == TrackInstrument }

// HasRegions reports whether the kind generates output from timeline
// material.
func (k TrackKind) HasRegions() bool { return k != TrackBus }

// Material renders recorded regions for a cycle. Implementations write
// into the given slices and event list; they must not block or allocate.
type Material interface {
	Render(ti port.TimeInfo, l, r []float32, events *port.EventList)
}

// LaneSource generates events from automation lanes, for example
// controller lanes of a MIDI track.
type LaneSource interface {
	LaneEvents(ti port.TimeInfo, out *port.EventList)
}

// Recorder persists received material. It is called after the outputs of
// the cycle are final and sees the live input, not the outputs.
type Recorder interface {
	RecordAudio(ti port.TimeInfo, l, r []float32)
	RecordEvents(ti port.TimeInfo, events []port.Event)
	RecordControl(ti port.TimeInfo, p *port.Port)
}

// Transport reports playback state.
type Transport interface {
	Rolling() bool
	Recording() bool
}

// Config configures a stage.
type Config struct {
	ID        ident.ID
	TrackID   ident.ID
	Kind      TrackKind
	Material  Material
	Lanes     LaneSource
	Recorder  Recorder
	Transport Transport
	PortIDs   map[string]ident.ID
}

// Processor is a track input stage.
type Processor struct {
	id      ident.ID
	trackID ident.ID
	kind    TrackKind

	material  Material
	lanes     LaneSource
	recorder  Recorder
	transport Transport

	InL, InR, OutL, OutR *port.Port
	MidiIn, MidiOut      *port.Port

	MonoSum    *port.Port
	InputGain  *port.Port
	OutputGain *port.Port
	Monitor    *port.Port

	cc        [NumChannels][NumCCs]*port.Port
	pitchBend [NumChannels]*port.Port
	pressure  [NumChannels]*port.Port

	// fixed at construction so a cycle only ranges over them
	inputs, outputs []*port.Port
	basics          []*port.Port
	controls        []*port.Port
	ports           []*port.Port

	changed *lockfree.IndexQueue
	pending [trackedCount]atomic.Bool

	armed atomic.Bool
}

// New creates a stage and its ports.
func New(cfg Config) *Processor {
	if cfg.ID.IsNil() {
		cfg.ID = ident.New()
	}
	p := &Processor{
		id:        cfg.ID,
		trackID:   cfg.TrackID,
		kind:      cfg.Kind,
		material:  cfg.Material,
		lanes:     cfg.Lanes,
		recorder:  cfg.Recorder,
		transport: cfg.Transport,
	}

	mk := func(label, sym string, kind port.Kind, flow port.Flow, opts ...port.Option) *port.Port {
		opts = append(opts, port.WithSymbol(sym), port.WithTrack(cfg.TrackID), port.WithGroup("input"))
		if id, ok := cfg.PortIDs[sym]; ok {
			opts = append(opts, port.WithID(id))
		}
		return port.New(label, kind, flow, port.OwnerProcessor, opts...)
	}

	if cfg.Kind.HasAudio() {
		p.InL = mk("In L", "in_l", port.KindAudio, port.FlowInput, port.WithFlags(port.FlagStereoL))
		p.InR = mk("In R", "in_r", port.KindAudio, port.FlowInput, port.WithFlags(port.FlagStereoR))
		p.OutL = mk("Out L", "out_l", port.KindAudio, port.FlowOutput, port.WithFlags(port.FlagStereoL))
		p.OutR = mk("Out R", "out_r", port.KindAudio, port.FlowOutput, port.WithFlags(port.FlagStereoR))
	}
	if cfg.Kind.HasEvents() {
		p.MidiIn = mk("MIDI In", "midi_in", port.KindEvent, port.FlowInput)
		p.MidiOut = mk("MIDI Out", "midi_out", port.KindEvent, port.FlowOutput)
	}

	p.MonoSum = mk("Mono", "mono_sum", port.KindControl, port.FlowInput,
		port.WithFlags(port.FlagToggle|port.FlagMonoSum))
	p.InputGain = mk("Input Gain", "input_gain", port.KindControl, port.FlowInput,
		port.WithRange(0, 4), port.WithDefault(1), port.WithFlags(port.FlagInputGain|port.FlagAutomatable))
	p.OutputGain = mk("Output Gain", "output_gain", port.KindControl, port.FlowInput,
		port.WithRange(0, 4), port.WithDefault(1), port.WithFlags(port.FlagOutputGain|port.FlagAutomatable))
	p.Monitor = mk("Monitor", "monitor", port.KindControl, port.FlowInput,
		port.WithFlags(port.FlagToggle|port.FlagMonitor))

	if cfg.Kind.HasEvents() {
		p.changed = lockfree.NewIndexQueue(trackedCount)
		derived := func(sym string) port.Option {
			return port.WithID(ident.Derive(cfg.ID, sym))
		}
		for ch := 0; ch < NumChannels; ch++ {
			for n := 0; n < NumCCs; n++ {
				sym := fmt.Sprintf("cc_%d_%d", ch, n)
				p.cc[ch][n] = p.tracked(ch*NumCCs+n, mk(fmt.Sprintf("Ch%d CC%d", ch+1, n), sym,
					port.KindControl, port.FlowInput, derived(sym), port.WithIndex(n),
					port.WithFlags(port.FlagMidiCC|port.FlagAutomatable)))
			}
			sym := fmt.Sprintf("pitch_bend_%d", ch)
			p.pitchBend[ch] = p.tracked(pitchBendBase+ch, mk(fmt.Sprintf("Ch%d Pitch Bend", ch+1), sym,
				port.KindControl, port.FlowInput, derived(sym), port.WithIndex(ch),
				port.WithRange(-1, 1), port.WithFlags(port.FlagPitchBend|port.FlagAutomatable)))
			sym = fmt.Sprintf("pressure_%d", ch)
			p.pressure[ch] = p.tracked(pressureBase+ch, mk(fmt.Sprintf("Ch%d Pressure", ch+1), sym,
				port.KindControl, port.FlowInput, derived(sym), port.WithIndex(ch),
				port.WithFlags(port.FlagChannelPressure|port.FlagAutomatable)))
		}
	}
	p.collectPorts()
	return p
}

func (p *Processor) collectPorts() {
	if p.kind.HasAudio() {
		p.inputs = append(p.inputs, p.InL, p.InR)
		p.outputs = append(p.outputs, p.OutL, p.OutR)
	}
	if p.kind.HasEvents() {
		p.inputs = append(p.inputs, p.MidiIn)
		p.outputs = append(p.outputs, p.MidiOut)
	}
	p.basics = []*port.Port{p.MonoSum, p.InputGain, p.OutputGain, p.Monitor}
	p.controls = append(p.controls, p.basics...)
	if p.kind.HasEvents() {
		for ch := range p.cc {
			p.controls = append(p.controls, p.cc[ch][:]...)
		}
		p.controls = append(p.controls, p.pitchBend[:]...)
		p.controls = append(p.controls, p.pressure[:]...)
	}
	p.ports = append(p.ports, p.inputs...)
	p.ports = append(p.ports, p.outputs...)
	p.ports = append(p.ports, p.controls...)

	// callers may append to what the accessors return
	p.inputs = slices.Clip(p.inputs)
	p.outputs = slices.Clip(p.outputs)
	p.controls = slices.Clip(p.controls)
	p.ports = slices.Clip(p.ports)
}

// tracked installs the change hook that queues idx once until drained.
func (p *Processor) tracked(idx int, c *port.Port) *port.Port {
	c.SetOnChange(func(*port.Port) {
		if !p.pending[idx].Swap(true) {
			p.changed.Push(uint32(idx))
		}
	})
	return c
}

func (p *Processor) ID() ident.ID      { return p.id }
func (p *Processor) TrackID() ident.ID { return p.trackID }
func (p *Processor) Kind() TrackKind   { return p.kind }

// SetRecordArmed arms the stage for recording. Armed stages also pass
// live input through.
func (p *Processor) SetRecordArmed(on bool) { p.armed.Store(on) }
func (p *Processor) RecordArmed() bool      { return p.armed.Load() }

func (p *Processor) SetMonitoring(on bool) { p.Monitor.SetToggled(on) }
func (p *Processor) Monitoring() bool      { return p.Monitor.Toggled() }

// CC returns the controller port for a channel and controller number.
func (p *Processor) CC(channel, controller int) *port.Port {
	if channel < 0 || channel >= NumChannels || controller < 0 || controller >= NumCCs {
		return nil
	}
	return p.cc[channel][controller]
}

func (p *Processor) PitchBend(channel int) *port.Port {
	if channel < 0 || channel >= NumChannels {
		return nil
	}
	return p.pitchBend[channel]
}

func (p *Processor) Pressure(channel int) *port.Port {
	if channel < 0 || channel >= NumChannels {
		return nil
	}
	return p.pressure[channel]
}

func (p *Processor) trackedPort(idx int) *port.Port {
	switch {
	case idx < pitchBendBase:
		return p.cc[idx/NumCCs][idx%NumCCs]
	case idx < pressureBase:
		return p.pitchBend[idx-pitchBendBase]
	default:
		return p.pressure[idx-pressureBase]
	}
}

// DrainChanged calls fn for every controller port whose value changed
// since the previous drain, each at most once.
func (p *Processor) DrainChanged(fn func(*port.Port)) int {
	if p.changed == nil {
		return 0
	}
	n := 0
	for {
		idx, ok := p.changed.Pop()
		if !ok {
			return n
		}
		p.pending[idx].Store(false)
		fn(p.trackedPort(int(idx)))
		n++
	}
}

// Inputs returns the signal input ports.
func (p *Processor) Inputs() []*port.Port { return p.inputs }

// Outputs returns the signal output ports.
func (p *Processor) Outputs() []*port.Port { return p.outputs }

// Controls returns the control ports, controller ports included.
func (p *Processor) Controls() []*port.Port { return p.controls }

func (p *Processor) Ports() []*port.Port { return p.ports }

func (p *Processor) Prepare(sampleRate float64, maxFrames int) {
	for _, pt := range p.Ports() {
		pt.Prepare(sampleRate, maxFrames)
	}
}

func (p *Processor) Release() {
	for _, pt := range p.Ports() {
		pt.Release()
	}
}

func (p *Processor) rolling() bool {
	return p.transport != nil && p.transport.Rolling()
}

func (p *Processor) recording() bool {
	return p.recorder != nil && p.armed.Load() && p.transport != nil && p.transport.Recording()
}

// passesInput reports whether live input reaches the outputs.
func (p *Processor) passesInput() bool {
	return p.kind == TrackBus || p.Monitor.Toggled() || p.armed.Load()
}

// Process runs one cycle: timeline material, lane events, live input and
// controller updates, final outputs, then recording.
func (p *Processor) Process(ti port.TimeInfo) {
	for _, c := range p.basics {
		c.Process(ti)
	}
	for _, in := range p.inputs {
		in.Clear(ti)
		in.Process(ti)
	}
	for _, out := range p.outputs {
		out.Clear(ti)
	}
	if p.kind.HasAudio() && int(ti.End()) > len(p.OutL.Buffer()) {
		return
	}

	start, end := ti.Offset, ti.End()
	var outL, outR []float32
	var outEvents *port.EventList
	if p.kind.HasAudio() {
		outL, outR = p.OutL.Buffer()[start:end], p.OutR.Buffer()[start:end]
	}
	if p.kind.HasEvents() {
		outEvents = p.MidiOut.Events()
	}

	if p.kind.HasRegions() && p.material != nil && p.rolling() {
		p.material.Render(ti, outL, outR, outEvents)
	}
	if p.kind.HasEvents() && p.lanes != nil && p.rolling() {
		p.lanes.LaneEvents(ti, outEvents)
	}

	if p.kind.HasAudio() && p.passesInput() {
		p.mixInput(outL, outR, start, end)
	}
	if p.kind.HasEvents() {
		live := p.MidiIn.Events().Range(start, end)
		if p.passesInput() {
			for _, ev := range live {
				if !outEvents.Contains(ev) {
					outEvents.Add(ev)
				}
			}
		}
		p.updateControllers(live)
	}

	if p.kind.HasAudio() {
		if g := p.OutputGain.Real(); g != 1 {
			for i := range outL {
				outL[i] *= g
				outR[i] *= g
			}
		}
	}
	for _, out := range p.outputs {
		out.Process(ti)
	}

	switch {
	case p.recording():
		p.record(ti)
	case p.recorder != nil:
		// changes made before recording starts are not recorded later
		p.DrainChanged(func(*port.Port) {})
	}
}

func (p *Processor) mixInput(outL, outR []float32, start, end uint32) {
	inL, inR := p.InL.Buffer()[start:end], p.InR.Buffer()[start:end]
	g := p.InputGain.Real()
	if p.MonoSum.Toggled() {
		for i := range outL {
			m := (inL[i] + inR[i]) * 0.5 * g
			outL[i] += m
			outR[i] += m
		}
		return
	}
	for i := range outL {
		outL[i] += inL[i] * g
		outR[i] += inR[i] * g
	}
}

// updateControllers mirrors live controller traffic into the controller
// ports.
func (p *Processor) updateControllers(events []port.Event) {
	for i := range events {
		msg := events[i].Message()
		var ch, n, val uint8
		var rel int16
		var abs uint16
		switch {
		case msg.GetControlChange(&ch, &n, &val):
			p.cc[ch&0x0f][n&0x7f].SetReal(float32(val) / 127)
		case msg.GetPitchBend(&ch, &rel, &abs):
			p.pitchBend[ch&0x0f].SetReal(float32(rel) / 8192)
		case msg.GetAfterTouch(&ch, &val):
			p.pressure[ch&0x0f].SetReal(float32(val) / 127)
		}
	}
}

func (p *Processor) record(ti port.TimeInfo) {
	start, end := ti.Offset, ti.End()
	if p.kind.HasAudio() {
		p.recorder.RecordAudio(ti, p.InL.Buffer()[start:end], p.InR.Buffer()[start:end])
	}
	if p.kind.HasEvents() {
		if live := p.MidiIn.Events().Range(start, end); len(live) > 0 {
			p.recorder.RecordEvents(ti, live)
		}
		p.DrainChanged(func(c *port.Port) { p.recorder.RecordControl(ti, c) })
	}
}

// State is the persisted form of a stage. Controller port identifiers
// are derived from the stage ID and not stored.
type State struct {
	ID         ident.ID            `json:"id"`
	Kind       TrackKind           `json:"kind"`
	MonoSum    bool                `json:"monoSum"`
	InputGain  float32             `json:"inputGain"`
	OutputGain float32             `json:"outputGain"`
	Monitor    bool                `json:"monitor"`
	Armed      bool                `json:"armed"`
	Ports      map[string]ident.ID `json:"ports"`
}

func (p *Processor) State() State {
	ids := make(map[string]ident.ID)
	for _, pt := range p.Inputs() {
		ids[pt.Identity().Symbol] = pt.ID()
	}
	for _, pt := range p.Outputs() {
		ids[pt.Identity().Symbol] = pt.ID()
	}
	for _, pt := range p.basics {
		ids[pt.Identity().Symbol] = pt.ID()
	}
	return State{
		ID:         p.id,
		Kind:       p.kind,
		MonoSum:    p.MonoSum.Toggled(),
		InputGain:  p.InputGain.Real(),
		OutputGain: p.OutputGain.Real(),
		Monitor:    p.Monitor.Toggled(),
		Armed:      p.armed.Load(),
		Ports:      ids,
	}
}

func (p *Processor) ApplyState(s State) {
	p.MonoSum.SetToggled(s.MonoSum)
	p.InputGain.SetReal(s.InputGain)
	p.OutputGain.SetReal(s.OutputGain)
	p.Monitor.SetToggled(s.Monitor)
	p.armed.Store(s.Armed)
}
