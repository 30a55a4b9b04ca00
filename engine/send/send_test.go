package send

import (
	"errors"
	"testing"

	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/port"
	"github.com/shaban/patchbay/engine/registry"
)

var cycle = port.TimeInfo{Frames: 64}

type rig struct {
	reg *registry.Registry
	g   *graph.Graph
}

func newRig() *rig {
	reg := registry.New()
	return &rig{reg: reg, g: graph.New(reg)}
}

func (r *rig) send(t *testing.T, slot int, kind port.Kind) *Send {
	t.Helper()
	s, err := New(Config{Slot: slot, Kind: kind, Graph: r.g})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.reg.Add(s.Ports()...)
	s.Prepare(48000, 64)
	return s
}

func (r *rig) input(label string, kind port.Kind) *port.Port {
	p := port.New(label, kind, port.FlowInput, port.OwnerTrack)
	p.Prepare(48000, 64)
	r.reg.Add(p)
	return p
}

func TestSlots(t *testing.T) {
	r := newRig()
	if !r.send(t, PostFaderStartSlot-1, port.KindAudio).IsPrefader() {
		t.Error("slot below threshold should be pre-fader")
	}
	if r.send(t, PostFaderStartSlot, port.KindAudio).IsPrefader() {
		t.Error("threshold slot should be post-fader")
	}
	if _, err := New(Config{Slot: NumSlots, Kind: port.KindAudio, Graph: r.g}); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("out of range slot error = %v", err)
	}
}

func TestConnectRejectsMismatchBeforeMutation(t *testing.T) {
	r := newRig()
	s := r.send(t, 0, port.KindAudio)
	l := r.input("L", port.KindAudio)
	midiIn := r.input("MIDI", port.KindEvent)

	if err := s.ConnectStereo(l.ID(), midiIn.ID(), false); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("ConnectStereo error = %v, want ErrKindMismatch", err)
	}
	if r.g.Len() != 0 || s.IsConnected() || s.IsEnabled() {
		t.Fatal("rejected connection touched the graph")
	}
	if err := s.ConnectMIDI(midiIn.ID()); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("ConnectMIDI on audio send error = %v", err)
	}
}

func TestConnectProcessDisconnect(t *testing.T) {
	r := newRig()
	s := r.send(t, PostFaderStartSlot, port.KindAudio)
	l := r.input("Bus L", port.KindAudio)
	rr := r.input("Bus R", port.KindAudio)

	if err := s.ConnectStereo(l.ID(), rr.ID(), true); err != nil {
		t.Fatal(err)
	}
	if !s.IsConnected() || !s.IsEnabled() || !s.IsSidechain() || len(s.Destinations()) != 2 {
		t.Fatalf("connected=%v enabled=%v dests=%d", s.IsConnected(), s.IsEnabled(), len(s.Destinations()))
	}

	for i := range s.InL.Buffer() {
		s.InL.Buffer()[i] = 1
		s.InR.Buffer()[i] = -1
	}
	s.SetAmount(0.5)
	s.Process(cycle)

	l.Clear(cycle)
	l.Process(cycle)
	rr.Clear(cycle)
	rr.Process(cycle)
	if l.Buffer()[0] != 0.5 || rr.Buffer()[0] != -0.5 {
		t.Fatalf("destination got %v/%v, want 0.5/-0.5", l.Buffer()[0], rr.Buffer()[0])
	}

	s.SetEnabled(false)
	s.Process(cycle)
	for _, v := range s.OutL.Buffer() {
		if v != 0 {
			t.Fatal("disabled send left output uncleared")
		}
	}

	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if s.IsConnected() || r.g.Len() != 0 || l.HasInputs() {
		t.Fatal("Disconnect left edges behind")
	}
}

func TestReconnectReplacesDestination(t *testing.T) {
	r := newRig()
	s := r.send(t, 1, port.KindEvent)
	a := r.input("A", port.KindEvent)
	b := r.input("B", port.KindEvent)

	if err := s.ConnectMIDI(a.ID()); err != nil {
		t.Fatal(err)
	}
	if err := s.ConnectMIDI(b.ID()); err != nil {
		t.Fatal(err)
	}
	dests := s.Destinations()
	if len(dests) != 1 || dests[0].Dst != b.ID() {
		t.Fatalf("destinations = %+v", dests)
	}

	s.MidiIn.Events().Add(port.NewEvent(4, []byte{0x90, 60, 100}))
	s.Process(cycle)
	b.Clear(cycle)
	b.Process(cycle)
	if b.Events().Len() != 1 {
		t.Fatalf("destination received %d events", b.Events().Len())
	}
}
