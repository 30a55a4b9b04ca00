package plugins

import (
	"fmt"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

// Layout declares the signal ports of a plugin.
type Layout struct {
	AudioIn  int
	AudioOut int
	EventIn  bool
	EventOut bool
}

// Base implements the port bookkeeping shared by every plugin. Concrete
// plugins embed it and provide Process.
type Base struct {
	id      ident.ID
	trackID ident.ID
	info    PluginInfo

	audioIn, audioOut []*port.Port
	eventIn, eventOut []*port.Port
	controls          []*port.Port
	params            map[string]*port.Port
	enabled           *port.Port
}

// NewBase creates the ports described by layout and params.
func NewBase(desc Description, cfg Config, layout Layout) *Base {
	if cfg.ID.IsNil() {
		cfg.ID = ident.New()
	}
	b := &Base{
		id:      cfg.ID,
		trackID: cfg.TrackID,
		info:    desc.PluginInfo,
		params:  make(map[string]*port.Port),
	}
	mk := func(label, sym string, kind port.Kind, flow port.Flow, opts ...port.Option) *port.Port {
		opts = append(opts,
			port.WithSymbol(sym), port.WithPlugin(cfg.ID), port.WithTrack(cfg.TrackID),
			port.WithGroup(desc.Name))
		if id, ok := cfg.PortIDs[sym]; ok {
			opts = append(opts, port.WithID(id))
		}
		return port.New(label, kind, flow, port.OwnerPlugin, opts...)
	}

	sides := []string{"L", "R"}
	for i := 0; i < layout.AudioIn; i++ {
		label, sym := "In", "in"
		var flags port.Flags
		if layout.AudioIn == 2 {
			label += " " + sides[i]
			flags = port.FlagStereoL << i
		}
		sym = fmt.Sprintf("%s_%d", sym, i)
		b.audioIn = append(b.audioIn, mk(label, sym, port.KindAudio, port.FlowInput, port.WithFlags(flags), port.WithIndex(i)))
	}
	for i := 0; i < layout.AudioOut; i++ {
		label, sym := "Out", "out"
		var flags port.Flags
		if layout.AudioOut == 2 {
			label += " " + sides[i]
			flags = port.FlagStereoL << i
		}
		sym = fmt.Sprintf("%s_%d", sym, i)
		b.audioOut = append(b.audioOut, mk(label, sym, port.KindAudio, port.FlowOutput, port.WithFlags(flags), port.WithIndex(i)))
	}
	if layout.EventIn {
		b.eventIn = []*port.Port{mk("MIDI In", "midi_in", port.KindEvent, port.FlowInput)}
	}
	if layout.EventOut {
		b.eventOut = []*port.Port{mk("MIDI Out", "midi_out", port.KindEvent, port.FlowOutput)}
	}

	b.enabled = mk("Enabled", "enabled", port.KindControl, port.FlowInput,
		port.WithFlags(port.FlagToggle|port.FlagPluginEnabled|port.FlagNotOnGUI), port.WithDefault(1))
	b.controls = append(b.controls, b.enabled)

	for i, prm := range desc.Parameters {
		flags := port.FlagAutomatable
		if prm.Toggle {
			flags |= port.FlagToggle
		}
		if prm.Integer {
			flags |= port.FlagInteger
		}
		if prm.Logarithmic {
			flags |= port.FlagLogarithmic
		}
		opts := []port.Option{
			port.WithFlags(flags), port.WithUnit(prm.Unit), port.WithIndex(i),
			port.WithRange(prm.MinValue, prm.MaxValue), port.WithDefault(prm.DefaultValue),
		}
		if len(prm.IndexedValues) > 0 {
			points := make([]port.ScalePoint, len(prm.IndexedValues))
			for j, label := range prm.IndexedValues {
				points[j] = port.ScalePoint{Value: prm.MinValue + float32(j), Label: label}
			}
			opts = append(opts, port.WithScalePoints(points...))
		}
		p := mk(prm.DisplayName, prm.Identifier, port.KindControl, port.FlowInput, opts...)
		b.controls = append(b.controls, p)
		b.params[prm.Identifier] = p
	}
	return b
}

func (b *Base) ID() ident.ID                       { return b.id }
func (b *Base) Name() string                       { return b.info.Name }
func (b *Base) Info() PluginInfo                   { return b.info }
func (b *Base) Controls() []*port.Port             { return b.controls }
func (b *Base) Param(identifier string) *port.Port { return b.params[identifier] }
func (b *Base) Enabled() bool                      { return b.enabled.Toggled() }
func (b *Base) SetEnabled(on bool)                 { b.enabled.SetToggled(on) }

func (b *Base) Inputs(kind port.Kind) []*port.Port {
	switch kind {
	case port.KindAudio:
		return b.audioIn
	case port.KindEvent:
		return b.eventIn
	case port.KindControl:
		return b.controls
	}
	return nil
}

func (b *Base) Outputs(kind port.Kind) []*port.Port {
	switch kind {
	case port.KindAudio:
		return b.audioOut
	case port.KindEvent:
		return b.eventOut
	}
	return nil
}

func (b *Base) Ports() []*port.Port {
	ps := make([]*port.Port, 0, len(b.audioIn)+len(b.audioOut)+len(b.eventIn)+len(b.eventOut)+len(b.controls))
	ps = append(ps, b.audioIn...)
	ps = append(ps, b.audioOut...)
	ps = append(ps, b.eventIn...)
	ps = append(ps, b.eventOut...)
	return append(ps, b.controls...)
}

func (b *Base) Prepare(sampleRate float64, maxFrames int) {
	for _, p := range b.Ports() {
		p.Prepare(sampleRate, maxFrames)
	}
}

func (b *Base) Release() {
	for _, p := range b.Ports() {
		p.Release()
	}
}

// Begin processes the control ports and clears the outputs for the cycle.
// It reports false when the plugin is bypassed, after copying inputs
// straight to outputs.
func (b *Base) Begin(ti port.TimeInfo) bool {
	for _, c := range b.controls {
		c.Process(ti)
	}
	for _, p := range b.audioOut {
		p.Clear(ti)
	}
	for _, p := range b.eventOut {
		p.Clear(ti)
	}
	if b.enabled.Toggled() {
		return true
	}
	b.bypass(ti)
	b.End(ti)
	return false
}

func (b *Base) bypass(ti port.TimeInfo) {
	if len(b.audioIn) > 0 {
		for i, out := range b.audioOut {
			in := b.audioIn[min(i, len(b.audioIn)-1)]
			if dst, src, ok := Span(out, in, ti); ok {
				copy(dst, src)
			}
		}
	}
	if len(b.eventIn) > 0 && len(b.eventOut) > 0 {
		for _, ev := range b.eventIn[0].Events().Range(ti.Offset, ti.End()) {
			b.eventOut[0].Events().Add(ev)
		}
	}
}

// Span returns the cycle's window of two sample buffers. ok is false when
// either port is not prepared for the range.
func Span(out, in *port.Port, ti port.TimeInfo) (dst, src []float32, ok bool) {
	end := int(ti.End())
	if end > len(out.Buffer()) || end > len(in.Buffer()) {
		return nil, nil, false
	}
	return out.Buffer()[ti.Offset:end], in.Buffer()[ti.Offset:end], true
}

// End finalizes the output ports after the plugin wrote them.
func (b *Base) End(ti port.TimeInfo) {
	for _, p := range b.audioOut {
		p.Process(ti)
	}
	for _, p := range b.eventOut {
		p.Process(ti)
	}
}

// State captures the parameter values and port identifiers.
func (b *Base) State() State {
	st := State{
		ID:         b.id,
		Info:       b.info,
		Enabled:    b.enabled.Toggled(),
		Parameters: make(map[string]float32, len(b.params)),
		Ports:      make(map[string]ident.ID),
	}
	for id, p := range b.params {
		st.Parameters[id] = p.Real()
	}
	for _, p := range b.Ports() {
		st.Ports[p.Identity().Symbol] = p.ID()
	}
	return st
}

// ApplyState restores parameter values. Unknown parameters are ignored.
func (b *Base) ApplyState(st State) {
	b.enabled.SetToggled(st.Enabled)
	for id, v := range st.Parameters {
		if p, ok := b.params[id]; ok {
			p.SetReal(v)
		}
	}
}
