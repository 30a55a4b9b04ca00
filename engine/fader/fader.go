// Package fader implements the gain stage: amplitude, balance, mute, solo,
// listen, mono compatibility and phase invert, with click-free transitions.
package fader

import (
	"sync/atomic"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

// DefaultFadeFrames is the length of mute/solo and gain ramps.
const DefaultFadeFrames = 1024

// Position is the owner context of a gain stage.
type Position int

const (
	PositionMonitor Position = iota
	PositionPreview
	// PositionPreFader is the pass-through tap point feeding pre-fader sends.
	PositionPreFader
	PositionPostFader
)

func (p Position) String() string {
	switch p {
	case PositionMonitor:
		return "monitor"
	case PositionPreview:
		return "preview"
	case PositionPreFader:
		return "prefader"
	case PositionPostFader:
		return "fader"
	default:
		return "unknown"
	}
}

// Signal selects what a gain stage conditions.
type Signal int

const (
	SignalAudio Signal = iota
	SignalEvent
)

// MIDIMode selects how an event gain stage applies its amplitude.
type MIDIMode int

const (
	// MIDIModeVelocity scales note-on velocities.
	MIDIModeVelocity MIDIMode = iota
	// MIDIModeCCVolume emits controller 7 whenever the value changes.
	MIDIModeCCVolume
)

// SoloState is shared by every gain stage of an engine. The engine
// publishes it after solo or routing changes; faders read it once per cycle.
type SoloState struct {
	anySoloed   atomic.Bool
	anyListened atomic.Bool
}

// Publish stores the engine-wide solo summary.
func (s *SoloState) Publish(anySoloed, anyListened bool) {
	s.anySoloed.Store(anySoloed)
	s.anyListened.Store(anyListened)
}

func (s *SoloState) AnySoloed() bool   { return s.anySoloed.Load() }
func (s *SoloState) AnyListened() bool { return s.anyListened.Load() }

// Config configures a gain stage.
type Config struct {
	ID         ident.ID
	TrackID    ident.ID
	Position   Position
	Signal     Signal
	MIDIMode   MIDIMode
	FadeFrames int
	Solo       *SoloState
	// PortIDs restores port identifiers by symbol, used when loading.
	PortIDs map[string]ident.ID
}

// Fader is a gain stage.
type Fader struct {
	id       ident.ID
	trackID  ident.ID
	position Position
	signal   Signal
	midiMode MIDIMode
	solo     *SoloState

	Amp        *port.Port
	Balance    *port.Port
	Mute       *port.Port
	Solo       *port.Port
	Listen     *port.Port
	MonoCompat *port.Port
	Phase      *port.Port

	InL, InR, OutL, OutR *port.Port
	MidiIn, MidiOut      *port.Port

	controls, inputs, outputs []*port.Port

	impliedSolo atomic.Bool

	// processing state, owned by the processing thread
	fadeFrames int
	fadeIn     int
	fadeOut    int
	gain       float32
	gainReady  bool
	wasMuted   bool
	lastCC     int
}

// New creates a gain stage and its ports.
func New(cfg Config) *Fader {
	if cfg.ID.IsNil() {
		cfg.ID = ident.New()
	}
	if cfg.FadeFrames <= 0 {
		cfg.FadeFrames = DefaultFadeFrames
	}
	f := &Fader{
		id:         cfg.ID,
		trackID:    cfg.TrackID,
		position:   cfg.Position,
		signal:     cfg.Signal,
		midiMode:   cfg.MIDIMode,
		solo:       cfg.Solo,
		fadeFrames: cfg.FadeFrames,
		lastCC:     -1,
	}

	mk := func(label, sym string, kind port.Kind, flow port.Flow, opts ...port.Option) *port.Port {
		opts = append(opts, port.WithSymbol(sym), port.WithTrack(cfg.TrackID), port.WithGroup(cfg.Position.String()))
		if id, ok := cfg.PortIDs[sym]; ok {
			opts = append(opts, port.WithID(id))
		}
		return port.New(label, kind, flow, port.OwnerFader, opts...)
	}
	toggle := func(label, sym string, role port.Flags) *port.Port {
		return mk(label, sym, port.KindControl, port.FlowInput, port.WithFlags(port.FlagToggle|role))
	}

	f.Amp = mk("Volume", "amp", port.KindControl, port.FlowInput,
		port.WithRange(0, MaxAmp), port.WithDefault(1), port.WithUnit(port.UnitDB),
		port.WithFlags(port.FlagAmplitude|port.FlagAutomatable))
	f.Balance = mk("Balance", "balance", port.KindControl, port.FlowInput,
		port.WithDefault(0.5), port.WithFlags(port.FlagBalance|port.FlagAutomatable))
	f.Mute = toggle("Mute", "mute", port.FlagMute)
	f.Solo = toggle("Solo", "solo", port.FlagSolo)
	f.Listen = toggle("Listen", "listen", port.FlagListen)
	f.MonoCompat = toggle("Mono", "mono_compat", port.FlagMonoCompat)
	f.Phase = toggle("Phase Invert", "phase_invert", port.FlagPhaseInvert)

	switch cfg.Signal {
	case SignalAudio:
		f.InL = mk("In L", "in_l", port.KindAudio, port.FlowInput, port.WithFlags(port.FlagStereoL))
		f.InR = mk("In R", "in_r", port.KindAudio, port.FlowInput, port.WithFlags(port.FlagStereoR))
		f.OutL = mk("Out L", "out_l", port.KindAudio, port.FlowOutput, port.WithFlags(port.FlagStereoL))
		f.OutR = mk("Out R", "out_r", port.KindAudio, port.FlowOutput, port.WithFlags(port.FlagStereoR))
	case SignalEvent:
		f.MidiIn = mk("MIDI In", "midi_in", port.KindEvent, port.FlowInput)
		f.MidiOut = mk("MIDI Out", "midi_out", port.KindEvent, port.FlowOutput)
	}
	f.controls = []*port.Port{f.Amp, f.Balance, f.Mute, f.Solo, f.Listen, f.MonoCompat, f.Phase}
	if cfg.Signal == SignalEvent {
		f.inputs, f.outputs = []*port.Port{f.MidiIn}, []*port.Port{f.MidiOut}
	} else {
		f.inputs, f.outputs = []*port.Port{f.InL, f.InR}, []*port.Port{f.OutL, f.OutR}
	}
	return f
}

func (f *Fader) ID() ident.ID           { return f.id }
func (f *Fader) TrackID() ident.ID      { return f.trackID }
func (f *Fader) Position() Position     { return f.position }
func (f *Fader) Signal() Signal         { return f.signal }
func (f *Fader) MIDIMode() MIDIMode     { return f.midiMode }
func (f *Fader) SetMIDIMode(m MIDIMode) { f.midiMode = m }

// Controls returns the control ports.
func (f *Fader) Controls() []*port.Port { return f.controls }

// Inputs returns the signal input ports.
func (f *Fader) Inputs() []*port.Port { return f.inputs }

// Outputs returns the signal output ports.
func (f *Fader) Outputs() []*port.Port { return f.outputs }

// Ports returns every port of the stage.
func (f *Fader) Ports() []*port.Port {
	ps := f.Controls()
	ps = append(ps, f.Inputs()...)
	return append(ps, f.Outputs()...)
}

// Prepare allocates every port and resets the ramps.
func (f *Fader) Prepare(sampleRate float64, maxFrames int) {
	for _, p := range f.Ports() {
		p.Prepare(sampleRate, maxFrames)
	}
	f.gainReady = false
	f.fadeIn, f.fadeOut = 0, 0
	f.lastCC = -1
}

func (f *Fader) Release() {
	for _, p := range f.Ports() {
		p.Release()
	}
}

// SetAmp sets the linear amplitude, clamped to [0, 2].
func (f *Fader) SetAmp(amp float32) { f.Amp.SetReal(amp) }
func (f *Fader) AmpValue() float32  { return f.Amp.Real() }

// SetFaderPosition sets the amplitude from a fader position in [0, 1].
func (f *Fader) SetFaderPosition(pos float32) {
	f.Amp.SetReal(PositionToAmp(clampUnit(pos)))
}

// FaderPosition returns the fader position of the current amplitude.
func (f *Fader) FaderPosition() float32 {
	return AmpToPosition(f.Amp.Real())
}

// DBString returns the current amplitude in decibels for display.
func (f *Fader) DBString() string {
	return DBString(f.Amp.Real())
}

func (f *Fader) SetMuted(on bool)       { f.Mute.SetToggled(on) }
func (f *Fader) Muted() bool            { return f.Mute.Toggled() }
func (f *Fader) SetSoloed(on bool)      { f.Solo.SetToggled(on) }
func (f *Fader) Soloed() bool           { return f.Solo.Toggled() }
func (f *Fader) SetListened(on bool)    { f.Listen.SetToggled(on) }
func (f *Fader) Listened() bool         { return f.Listen.Toggled() }
func (f *Fader) SetMonoCompat(on bool)  { f.MonoCompat.SetToggled(on) }
func (f *Fader) SetPhaseInvert(on bool) { f.Phase.SetToggled(on) }

// ImpliedSolo reports whether another soloed track is routed through or
// from this one. The engine derives it; the stage only caches it.
func (f *Fader) ImpliedSolo() bool { return f.impliedSolo.Load() }

// SetImpliedSolo is called by the engine after recomputing solo state.
func (f *Fader) SetImpliedSolo(on bool) { f.impliedSolo.Store(on) }

// silenced reports whether the stage should be silent this cycle.
func (f *Fader) silenced() bool {
	if f.Mute.Toggled() {
		return true
	}
	if f.position != PositionPostFader || f.solo == nil {
		return false
	}
	if !f.solo.AnySoloed() {
		return false
	}
	return !f.Solo.Toggled() && !f.impliedSolo.Load() && !f.Listen.Toggled()
}

// Process conditions the inputs into the outputs for one cycle.
func (f *Fader) Process(ti port.TimeInfo) {
	if f.signal == SignalEvent {
		f.processEvents(ti)
		return
	}
	f.processAudio(ti)
}

func (f *Fader) processAudio(ti port.TimeInfo) {
	start, end := int(ti.Offset), int(ti.End())
	inL, inR := f.InL.Buffer(), f.InR.Buffer()
	outL, outR := f.OutL.Buffer(), f.OutR.Buffer()
	if end > len(inL) || end > len(outL) {
		return
	}

	if f.position == PositionPreFader {
		copy(outL[start:end], inL[start:end])
		copy(outR[start:end], inR[start:end])
		f.OutL.Process(ti)
		f.OutR.Process(ti)
		return
	}

	// cached once per cycle
	target := f.Amp.Real()
	muted := f.silenced()
	balL, balR := BalanceGains(f.Balance.Real())
	invert := f.Phase.Toggled()
	mono := f.MonoCompat.Toggled()

	if !f.gainReady {
		f.gain = target
		f.wasMuted = muted
		f.gainReady = true
	}
	// a reversal picks up the ramp at the level the previous one reached
	if muted != f.wasMuted {
		if muted {
			f.fadeOut, f.fadeIn = f.fadeFrames-f.fadeIn, 0
		} else {
			f.fadeIn, f.fadeOut = f.fadeFrames-f.fadeOut, 0
		}
		f.wasMuted = muted
	}

	step := float32(MaxAmp) / float32(f.fadeFrames)
	frames := float32(f.fadeFrames)
	for i := start; i < end; i++ {
		switch {
		case f.gain < target:
			f.gain = min(f.gain+step, target)
		case f.gain > target:
			f.gain = max(f.gain-step, target)
		}

		var fade float32 = 1
		switch {
		case f.fadeOut > 0:
			fade = float32(f.fadeOut) / frames
			f.fadeOut--
		case muted:
			fade = 0
		case f.fadeIn > 0:
			fade = 1 - float32(f.fadeIn)/frames
			f.fadeIn--
		}

		g := f.gain * fade
		l := inL[i] * g * balL
		r := inR[i] * g * balR
		if invert {
			l, r = -l, -r
		}
		if mono {
			m := (l + r) * 0.5
			l, r = m, m
		}
		outL[i] = l
		outR[i] = r
	}
	f.OutL.Process(ti)
	f.OutR.Process(ti)
}

func (f *Fader) processEvents(ti port.TimeInfo) {
	in := f.MidiIn.Events().Range(ti.Offset, ti.End())
	out := f.MidiOut.Events()
	muted := f.silenced()
	amp := f.Amp.Real()

	for i := range in {
		ev := in[i]
		msg := ev.Message()
		var ch, key, vel uint8
		isOn := msg.GetNoteOn(&ch, &key, &vel)

		if muted {
			if msg.GetNoteOff(&ch, &key, &vel) || (isOn && vel == 0) {
				out.Add(ev)
			}
			continue
		}
		if f.midiMode == MIDIModeVelocity && isOn && vel > 0 {
			scaled := float32(vel)*amp + 0.5
			switch {
			case scaled < 1:
				scaled = 1
			case scaled > 127:
				scaled = 127
			}
			ev.Data[2] = uint8(scaled)
		}
		out.Add(ev)
	}

	if f.midiMode == MIDIModeCCVolume && !muted {
		val := int(AmpToPosition(amp)*127 + 0.5)
		if val != f.lastCC {
			f.lastCC = val
			for c := byte(0); c < 16; c++ {
				out.Add(port.Event{Frame: ti.Offset, Data: [3]byte{0xB0 | c, 7, byte(val)}, Len: 3})
			}
		}
	}
	f.MidiOut.Process(ti)
}

// State is the persisted form of a gain stage.
type State struct {
	ID         ident.ID            `json:"id"`
	Position   Position            `json:"position"`
	Signal     Signal              `json:"signal"`
	MIDIMode   MIDIMode            `json:"midiMode"`
	Amp        float32             `json:"amp"`
	Balance    float32             `json:"balance"`
	Mute       bool                `json:"mute"`
	Solo       bool                `json:"solo"`
	Listen     bool                `json:"listen"`
	MonoCompat bool                `json:"monoCompat"`
	Phase      bool                `json:"phaseInvert"`
	Ports      map[string]ident.ID `json:"ports"`
}

// State captures the stage for persistence.
func (f *Fader) State() State {
	ids := make(map[string]ident.ID)
	for _, p := range f.Ports() {
		ids[p.Identity().Symbol] = p.ID()
	}
	return State{
		ID:         f.id,
		Position:   f.position,
		Signal:     f.signal,
		MIDIMode:   f.midiMode,
		Amp:        f.Amp.Real(),
		Balance:    f.Balance.Real(),
		Mute:       f.Mute.Toggled(),
		Solo:       f.Solo.Toggled(),
		Listen:     f.Listen.Toggled(),
		MonoCompat: f.MonoCompat.Toggled(),
		Phase:      f.Phase.Toggled(),
		Ports:      ids,
	}
}

// ApplyState restores control values. Identifiers are restored by passing
// State.Ports as Config.PortIDs to New.
func (f *Fader) ApplyState(s State) {
	f.midiMode = s.MIDIMode
	f.Amp.SetReal(s.Amp)
	f.Balance.SetReal(s.Balance)
	f.Mute.SetToggled(s.Mute)
	f.Solo.SetToggled(s.Solo)
	f.Listen.SetToggled(s.Listen)
	f.MonoCompat.SetToggled(s.MonoCompat)
	f.Phase.SetToggled(s.Phase)
}
