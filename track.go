package patchbay

import (
	"fmt"

	"github.com/shaban/patchbay/engine/channel"
	"github.com/shaban/patchbay/engine/fader"
	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
	"github.com/shaban/patchbay/engine/processor"
	"github.com/shaban/patchbay/plugins"
)

// TrackConfig configures a new track.
type TrackConfig struct {
	Name     string
	Kind     processor.TrackKind
	Material processor.Material
	Lanes    processor.LaneSource
	Recorder processor.Recorder
	// Transport defaults to the engine's transport.
	Transport processor.Transport
}

// Track pairs an input stage with a mixer strip. The stage's outputs feed
// the strip's head through locked edges.
type Track struct {
	id    ident.ID
	kind  processor.TrackKind
	seq   uint64
	input *processor.Processor
	strip *channel.Channel
}

// TrackState is the persisted form of a track.
type TrackState struct {
	ID    ident.ID            `json:"id"`
	Kind  processor.TrackKind `json:"kind"`
	Input processor.State     `json:"input"`
	Strip channel.State       `json:"strip"`
}

func stripSignal(k processor.TrackKind) fader.Signal {
	if k == processor.TrackMIDI {
		return fader.SignalEvent
	}
	return fader.SignalAudio
}

// newTrack builds a track and registers its ports. With restore set, the
// stored identifiers are reused.
func (e *Engine) newTrack(cfg TrackConfig, restore *TrackState) (*Track, error) {
	id := ident.New()
	var ps processor.State
	var cs *channel.State
	if restore != nil {
		id, cfg.Kind, ps, cs = restore.ID, restore.Kind, restore.Input, &restore.Strip
		cfg.Name = restore.Strip.Name
	}
	if cfg.Transport == nil {
		cfg.Transport = e.transport
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%s %d", cfg.Kind, e.seq+1)
	}

	t := &Track{id: id, kind: cfg.Kind}
	t.input = processor.New(processor.Config{
		ID:        ps.ID,
		TrackID:   id,
		Kind:      cfg.Kind,
		Material:  cfg.Material,
		Lanes:     cfg.Lanes,
		Recorder:  cfg.Recorder,
		Transport: cfg.Transport,
		PortIDs:   ps.Ports,
	})
	e.reg.Add(t.input.Ports()...)

	strip, err := channel.New(channel.Config{
		TrackID:    id,
		Name:       cfg.Name,
		Signal:     stripSignal(cfg.Kind),
		MIDIMode:   e.midiMode,
		FadeFrames: e.cfg.FadeFrames,
		Solo:       e.solo,
		Graph:      e.graph,
		Registry:   e.reg,
		Restore:    cs,
	})
	if err != nil {
		e.reg.Remove(t.input.Ports()...)
		return nil, err
	}
	t.strip = strip
	e.reg.AddOwner(id, t)

	if err := t.wire(e.graph); err != nil {
		t.destroy(e)
		return nil, fmt.Errorf("track %q: %w", cfg.Name, err)
	}
	f := strip.Fader()
	f.Solo.SetOnChange(e.soloChanged)
	f.Listen.SetOnChange(e.soloChanged)
	return t, nil
}

// wire feeds the strip head from the input stage.
func (t *Track) wire(g *graph.Graph) error {
	head := t.strip.Head()
	if t.kind.HasAudio() {
		ins := head.Outputs(port.KindAudio)
		if err := g.Connect(t.input.OutL.ID(), ins[0].ID(), graph.Locked()); err != nil {
			return err
		}
		if err := g.Connect(t.input.OutR.ID(), ins[1].ID(), graph.Locked()); err != nil {
			return err
		}
	}
	if t.kind.HasEvents() {
		ins := head.Outputs(port.KindEvent)
		if err := g.Connect(t.input.MidiOut.ID(), ins[0].ID(), graph.Locked()); err != nil {
			return err
		}
	}
	return nil
}

// destroy removes every edge touching the track and unregisters it.
func (t *Track) destroy(e *Engine) {
	for _, p := range t.input.Ports() {
		e.graph.DisconnectPort(p.ID())
	}
	e.reg.Remove(t.input.Ports()...)
	if t.strip != nil {
		t.strip.Destroy()
	}
	e.reg.RemoveOwner(t.id)
	t.input.Release()
}

func (t *Track) ID() ident.ID              { return t.id }
func (t *Track) Name() string              { return t.strip.Name() }
func (t *Track) Kind() processor.TrackKind { return t.kind }

// Input returns the track's input stage.
func (t *Track) Input() *processor.Processor { return t.input }

// Strip returns the track's mixer strip.
func (t *Track) Strip() *channel.Channel { return t.strip }

// Fader returns the post-fader gain stage.
func (t *Track) Fader() *fader.Fader { return t.strip.Fader() }

// inputs returns the ports other tracks route into, for one signal kind.
func (t *Track) inputs(kind port.Kind) []*port.Port {
	switch {
	case kind == port.KindAudio && t.kind.HasAudio():
		return []*port.Port{t.input.InL, t.input.InR}
	case kind == port.KindEvent && t.kind.HasEvents():
		return []*port.Port{t.input.MidiIn}
	}
	return nil
}

// Outputs returns the strip's output ports.
func (t *Track) Outputs() []*port.Port { return t.strip.Outputs() }

// Ports returns every port of the track, plugin ports included.
func (t *Track) Ports() []*port.Port {
	ps := t.input.Ports()
	ps = append(ps, t.strip.Ports()...)
	for _, r := range t.strip.Plugins() {
		ps = append(ps, r.Plugin.Ports()...)
	}
	return ps
}

func (t *Track) prepare(sampleRate float64, maxFrames int) {
	t.input.Prepare(sampleRate, maxFrames)
	t.strip.Prepare(sampleRate, maxFrames)
}

func (t *Track) release() {
	t.input.Release()
	t.strip.Release()
}

func (t *Track) process(ti port.TimeInfo) {
	t.input.Process(ti)
	t.strip.Process(ti)
}

// State captures the track for persistence.
func (t *Track) State() TrackState {
	return TrackState{
		ID:    t.id,
		Kind:  t.kind,
		Input: t.input.State(),
		Strip: t.strip.State(),
	}
}

func (t *Track) applyState(st TrackState, cat *plugins.Catalog) error {
	t.input.ApplyState(st.Input)
	return t.strip.ApplyState(st.Strip, cat)
}
