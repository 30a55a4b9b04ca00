package plugins

import (
	"math"

	"github.com/shaban/patchbay/engine/port"
	"gitlab.com/gomidi/midi/v2"
)

// ManufacturerID of the built-in plugins.
const ManufacturerID = "ptch"

var (
	GainInfo      = PluginInfo{Name: "Gain", ManufacturerID: ManufacturerID, Type: TypeEffect, Subtype: "gain", Category: "Effect"}
	ThruInfo      = PluginInfo{Name: "Passthrough", ManufacturerID: ManufacturerID, Type: TypeEffect, Subtype: "thru", Category: "Utility"}
	TransposeInfo = PluginInfo{Name: "Transpose", ManufacturerID: ManufacturerID, Type: TypeMIDIEffect, Subtype: "trns", Category: "MIDI"}
	SineInfo      = PluginInfo{Name: "Sine Synth", ManufacturerID: ManufacturerID, Type: TypeInstrument, Subtype: "sine", Category: "Instrument"}
)

func registerBuiltins(c *Catalog) {
	gain := Description{PluginInfo: GainInfo, Parameters: []Parameter{
		{Identifier: "gain", DisplayName: "Gain", MinValue: 0, MaxValue: 2, DefaultValue: 1},
	}}
	c.Register(gain, func(cfg Config) Plugin {
		return &Gain{Base: NewBase(gain, cfg, Layout{AudioIn: 2, AudioOut: 2})}
	})

	thru := Description{PluginInfo: ThruInfo}
	c.Register(thru, func(cfg Config) Plugin {
		return &Passthrough{Base: NewBase(thru, cfg, Layout{AudioIn: 2, AudioOut: 2})}
	})

	transpose := Description{PluginInfo: TransposeInfo, Parameters: []Parameter{
		{Identifier: "semitones", DisplayName: "Semitones", MinValue: -24, MaxValue: 24, Integer: true},
	}}
	c.Register(transpose, func(cfg Config) Plugin {
		return &Transpose{Base: NewBase(transpose, cfg, Layout{EventIn: true, EventOut: true})}
	})

	sine := Description{PluginInfo: SineInfo, Parameters: []Parameter{
		{Identifier: "level", DisplayName: "Level", MinValue: 0, MaxValue: 1, DefaultValue: 0.5},
	}}
	c.Register(sine, func(cfg Config) Plugin {
		return &Sine{Base: NewBase(sine, cfg, Layout{EventIn: true, AudioOut: 2})}
	})
}

// Gain scales a stereo signal.
type Gain struct {
	*Base
}

func (g *Gain) Process(ti port.TimeInfo) {
	if !g.Begin(ti) {
		return
	}
	amp := g.Param("gain").Real()
	for i, out := range g.audioOut {
		dst, src, ok := Span(out, g.audioIn[i], ti)
		if !ok {
			continue
		}
		for j := range dst {
			dst[j] = src[j] * amp
		}
	}
	g.End(ti)
}

// Passthrough copies its input unchanged.
type Passthrough struct {
	*Base
}

func (p *Passthrough) Process(ti port.TimeInfo) {
	if !p.Begin(ti) {
		return
	}
	p.bypass(ti)
	p.End(ti)
}

// Transpose shifts note numbers. Notes pushed outside the MIDI range are
// dropped; every other message passes unchanged.
type Transpose struct {
	*Base
}

func (t *Transpose) Process(ti port.TimeInfo) {
	if !t.Begin(ti) {
		return
	}
	shift := int(t.Param("semitones").Real())
	out := t.eventOut[0].Events()
	for _, ev := range t.eventIn[0].Events().Range(ti.Offset, ti.End()) {
		msg := ev.Message()
		var ch, key, vel uint8
		if msg.GetNoteOn(&ch, &key, &vel) || msg.GetNoteOff(&ch, &key, &vel) {
			k := int(key) + shift
			if k < 0 || k > 127 {
				continue
			}
			ev.Data[1] = byte(k)
		}
		out.Add(ev)
	}
	t.End(ti)
}

// Sine is a monophonic sine instrument with last-note priority.
type Sine struct {
	*Base

	note   uint8
	active bool
	amp    float64
	phase  float64
	step   float64
}

// NoteToFrequency converts a MIDI note number to Hz.
func NoteToFrequency(note uint8) float64 {
	return 440 * math.Pow(2, (float64(note)-69)/12)
}

func (s *Sine) apply(msg midi.Message, sampleRate float64) {
	var ch, key, vel uint8
	switch {
	case msg.GetNoteOn(&ch, &key, &vel):
		if vel == 0 {
			if key == s.note {
				s.active = false
			}
			return
		}
		s.note = key
		s.active = true
		s.amp = float64(vel) / 127
		s.step = 2 * math.Pi * NoteToFrequency(key) / sampleRate
	case msg.GetNoteOff(&ch, &key, &vel):
		if key == s.note {
			s.active = false
		}
	}
}

func (s *Sine) Process(ti port.TimeInfo) {
	if !s.Begin(ti) {
		return
	}
	l, r := s.audioOut[0], s.audioOut[1]
	end := int(ti.End())
	if end > len(l.Buffer()) || end > len(r.Buffer()) {
		return
	}
	level := float64(s.Param("level").Real())
	events := s.eventIn[0].Events().Range(ti.Offset, ti.End())
	next := 0
	bl, br := l.Buffer(), r.Buffer()
	for i := int(ti.Offset); i < end; i++ {
		for next < len(events) && int(events[next].Frame) <= i {
			s.apply(events[next].Message(), l.SampleRate())
			next++
		}
		if !s.active {
			continue
		}
		v := float32(math.Sin(s.phase) * s.amp * level)
		bl[i] = v
		br[i] = v
		s.phase += s.step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	s.End(ti)
}
