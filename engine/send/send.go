// Package send implements channel sends: scaled taps of a strip's signal
// routed to another destination through the connection graph.
package send

import (
	"errors"
	"fmt"

	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

const (
	// PostFaderStartSlot is the first post-fader slot. Lower slots tap the
	// signal before the fader.
	PostFaderStartSlot = 6
	// NumSlots is the number of send slots on a strip.
	NumSlots = 9
)

var (
	ErrKindMismatch = errors.New("send: destination kind does not match the send")
	ErrInvalidSlot  = fmt.Errorf("send: slot must be between 0 and %d", NumSlots-1)
)

// Config configures a send.
type Config struct {
	ID      ident.ID
	TrackID ident.ID
	Slot    int
	// Kind is port.KindAudio for stereo sends or port.KindEvent for MIDI
	// sends.
	Kind    port.Kind
	Graph   *graph.Graph
	PortIDs map[string]ident.ID
}

// Send is a fixed-slot tap with its own ports. The live edge to its
// destination belongs to the graph.
type Send struct {
	id      ident.ID
	trackID ident.ID
	slot    int
	kind    port.Kind
	g       *graph.Graph

	sidechain bool

	Amount  *port.Port
	Enabled *port.Port

	InL, InR, OutL, OutR *port.Port
	MidiIn, MidiOut      *port.Port
}

// New creates a send and its ports.
func New(cfg Config) (*Send, error) {
	if cfg.Slot < 0 || cfg.Slot >= NumSlots {
		return nil, fmt.Errorf("slot %d: %w", cfg.Slot, ErrInvalidSlot)
	}
	if cfg.Kind != port.KindAudio && cfg.Kind != port.KindEvent {
		return nil, fmt.Errorf("send kind %s: %w", cfg.Kind, ErrKindMismatch)
	}
	if cfg.ID.IsNil() {
		cfg.ID = ident.New()
	}
	s := &Send{
		id:      cfg.ID,
		trackID: cfg.TrackID,
		slot:    cfg.Slot,
		kind:    cfg.Kind,
		g:       cfg.Graph,
	}

	group := fmt.Sprintf("send %d", cfg.Slot+1)
	mk := func(label, sym string, kind port.Kind, flow port.Flow, opts ...port.Option) *port.Port {
		opts = append(opts, port.WithSymbol(sym), port.WithTrack(cfg.TrackID), port.WithGroup(group), port.WithIndex(cfg.Slot))
		if id, ok := cfg.PortIDs[sym]; ok {
			opts = append(opts, port.WithID(id))
		}
		return port.New(label, kind, flow, port.OwnerSend, opts...)
	}

	s.Amount = mk("Amount", "amount", port.KindControl, port.FlowInput,
		port.WithRange(0, 2), port.WithDefault(1),
		port.WithFlags(port.FlagSendAmount|port.FlagAutomatable))
	s.Enabled = mk("Enabled", "enabled", port.KindControl, port.FlowInput,
		port.WithFlags(port.FlagToggle|port.FlagSendEnabled))

	if cfg.Kind == port.KindAudio {
		s.InL = mk("In L", "in_l", port.KindAudio, port.FlowInput, port.WithFlags(port.FlagStereoL))
		s.InR = mk("In R", "in_r", port.KindAudio, port.FlowInput, port.WithFlags(port.FlagStereoR))
		s.OutL = mk("Out L", "out_l", port.KindAudio, port.FlowOutput, port.WithFlags(port.FlagStereoL))
		s.OutR = mk("Out R", "out_r", port.KindAudio, port.FlowOutput, port.WithFlags(port.FlagStereoR))
	} else {
		s.MidiIn = mk("MIDI In", "midi_in", port.KindEvent, port.FlowInput)
		s.MidiOut = mk("MIDI Out", "midi_out", port.KindEvent, port.FlowOutput)
	}
	return s, nil
}

func (s *Send) ID() ident.ID      { return s.id }
func (s *Send) Slot() int         { return s.slot }
func (s *Send) Kind() port.Kind   { return s.kind }
func (s *Send) IsPrefader() bool  { return s.slot < PostFaderStartSlot }
func (s *Send) IsSidechain() bool { return s.sidechain }

func (s *Send) Inputs() []*port.Port {
	if s.kind == port.KindEvent {
		return []*port.Port{s.MidiIn}
	}
	return []*port.Port{s.InL, s.InR}
}

func (s *Send) Outputs() []*port.Port {
	if s.kind == port.KindEvent {
		return []*port.Port{s.MidiOut}
	}
	return []*port.Port{s.OutL, s.OutR}
}

// Ports returns every port of the send.
func (s *Send) Ports() []*port.Port {
	ps := []*port.Port{s.Amount, s.Enabled}
	ps = append(ps, s.Inputs()...)
	return append(ps, s.Outputs()...)
}

func (s *Send) Prepare(sampleRate float64, maxFrames int) {
	for _, p := range s.Ports() {
		p.Prepare(sampleRate, maxFrames)
	}
}

func (s *Send) Release() {
	for _, p := range s.Ports() {
		p.Release()
	}
}

// SetAmount sets the send level as a linear amplitude.
func (s *Send) SetAmount(a float32)  { s.Amount.SetReal(a) }
func (s *Send) AmountValue() float32 { return s.Amount.Real() }

func (s *Send) SetEnabled(on bool) { s.Enabled.SetToggled(on) }
func (s *Send) IsEnabled() bool    { return s.Enabled.Toggled() }

// checkDestination validates a destination before the graph is touched.
func (s *Send) checkDestination(id ident.ID, want port.Kind) error {
	p, ok := s.g.Port(id)
	if !ok {
		return fmt.Errorf("destination %s: %w", id.Short(), graph.ErrUnknownPort)
	}
	if p.Kind() != want {
		return fmt.Errorf("%s send to %s port: %w", s.kind, p.Kind(), ErrKindMismatch)
	}
	if p.Flow() != port.FlowInput {
		return fmt.Errorf("destination %q: %w", p.Label(), graph.ErrDirection)
	}
	return nil
}

// ConnectStereo routes an audio send to the ports l and r, replacing any
// previous destination, and enables the send. Sidechain marks the
// destination as a sidechain input.
func (s *Send) ConnectStereo(l, r ident.ID, sidechain bool) error {
	if s.kind != port.KindAudio {
		return fmt.Errorf("stereo connection on %s send: %w", s.kind, ErrKindMismatch)
	}
	if err := s.checkDestination(l, port.KindAudio); err != nil {
		return err
	}
	if err := s.checkDestination(r, port.KindAudio); err != nil {
		return err
	}

	prev := s.Destinations()
	if err := s.g.DisconnectAll(prev); err != nil {
		return err
	}
	if err := s.g.Connect(s.OutL.ID(), l); err != nil {
		return s.rollback(err, prev)
	}
	if err := s.g.Connect(s.OutR.ID(), r); err != nil {
		return s.rollback(err, prev)
	}
	s.sidechain = sidechain
	s.SetEnabled(true)
	return nil
}

// ConnectMIDI routes an event send to dst, replacing any previous
// destination, and enables the send.
func (s *Send) ConnectMIDI(dst ident.ID) error {
	if s.kind != port.KindEvent {
		return fmt.Errorf("MIDI connection on %s send: %w", s.kind, ErrKindMismatch)
	}
	if err := s.checkDestination(dst, port.KindEvent); err != nil {
		return err
	}
	prev := s.Destinations()
	if err := s.g.DisconnectAll(prev); err != nil {
		return err
	}
	if err := s.g.Connect(s.MidiOut.ID(), dst); err != nil {
		return s.rollback(err, prev)
	}
	s.sidechain = false
	s.SetEnabled(true)
	return nil
}

// Disconnect removes the send's destination edges and disables it.
func (s *Send) Disconnect() error {
	err := s.g.DisconnectAll(s.Destinations())
	s.sidechain = false
	s.SetEnabled(false)
	return err
}

// rollback puts the previous destinations back after cause. A failure to
// do so is added to the returned error.
func (s *Send) rollback(cause error, prev []graph.Connection) error {
	err := s.g.DisconnectAll(s.Destinations())
	if rerr := s.g.Restore(prev); rerr != nil {
		err = errors.Join(err, rerr)
	}
	if err != nil {
		return fmt.Errorf("%w (restoring previous destination: %v)", cause, err)
	}
	return cause
}

// Destinations lists the send's outgoing edges.
func (s *Send) Destinations() []graph.Connection {
	var out []graph.Connection
	for _, p := range s.Outputs() {
		out = append(out, s.g.DestinationsOf(p.ID(), graph.Unlocked)...)
	}
	return out
}

// IsConnected reports whether the send has a destination.
func (s *Send) IsConnected() bool {
	return len(s.Destinations()) > 0
}

// Process writes the scaled tap into the outputs. A disabled send clears
// them.
func (s *Send) Process(ti port.TimeInfo) {
	enabled := s.Enabled.Toggled()
	if s.kind == port.KindEvent {
		s.MidiOut.Clear(ti)
		if enabled {
			for _, ev := range s.MidiIn.Events().Range(ti.Offset, ti.End()) {
				s.MidiOut.Events().Add(ev)
			}
		}
		s.MidiOut.Process(ti)
		return
	}

	start, end := int(ti.Offset), int(ti.End())
	outL, outR := s.OutL.Buffer(), s.OutR.Buffer()
	inL, inR := s.InL.Buffer(), s.InR.Buffer()
	if end > len(outL) || end > len(inL) {
		return
	}
	if !enabled {
		clear(outL[start:end])
		clear(outR[start:end])
	} else {
		amount := s.Amount.Real()
		for i := start; i < end; i++ {
			outL[i] = inL[i] * amount
			outR[i] = inR[i] * amount
		}
	}
	s.OutL.Process(ti)
	s.OutR.Process(ti)
}

// State is the persisted form of a send.
type State struct {
	ID        ident.ID            `json:"id"`
	Slot      int                 `json:"slot"`
	Kind      port.Kind           `json:"kind"`
	Amount    float32             `json:"amount"`
	Enabled   bool                `json:"enabled"`
	Sidechain bool                `json:"sidechain,omitempty"`
	Ports     map[string]ident.ID `json:"ports"`
}

func (s *Send) State() State {
	ids := make(map[string]ident.ID)
	for _, p := range s.Ports() {
		ids[p.Identity().Symbol] = p.ID()
	}
	return State{
		ID:        s.id,
		Slot:      s.slot,
		Kind:      s.kind,
		Amount:    s.Amount.Real(),
		Enabled:   s.Enabled.Toggled(),
		Sidechain: s.sidechain,
		Ports:     ids,
	}
}

// ApplyState restores control values. Destination edges are restored by
// the graph.
func (s *Send) ApplyState(st State) {
	s.Amount.SetReal(st.Amount)
	s.Enabled.SetToggled(st.Enabled)
	s.sidechain = st.Sidechain
}
