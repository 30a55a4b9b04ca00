package patchbay

import (
	"errors"
	"testing"

	"github.com/shaban/patchbay/engine/channel"
	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
	"github.com/shaban/patchbay/engine/processor"
	"github.com/shaban/patchbay/engine/send"
	"github.com/shaban/patchbay/internal/testutil"
	"github.com/shaban/patchbay/plugins"
)

func assertBuffer(t *testing.T, what string, buf []float32, want float32) {
	t.Helper()
	for i, v := range buf {
		if !testutil.Near(float64(v), float64(want), 1e-5) {
			t.Fatalf("%s[%d] = %v, want %v", what, i, v, want)
		}
	}
}

func TestNewEngineHasMaster(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	m := e.Master()
	if m == nil || m.Kind() != processor.TrackBus || m.Name() != "Master" {
		t.Fatalf("master = %+v", m)
	}
	if len(e.Tracks()) != 0 {
		t.Errorf("fresh engine lists %d tracks", len(e.Tracks()))
	}
	if _, ok := e.Track(m.ID()); !ok {
		t.Error("master not found by ID")
	}
	if e.IsRunning() {
		t.Error("engine running before Start")
	}
}

func TestSendDeliversPostFaderSignal(t *testing.T) {
	e, errs := newTestEngine(t, testConfig())
	e.Transport().Play()

	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio, Material: constMaterial(1)})
	b := mustTrack(t, e, TrackConfig{Name: "B", Kind: processor.TrackBus})
	a.Fader().SetAmp(0.5)

	if err := e.RouteOutput(a.ID(), ident.Nil); err != nil {
		t.Fatal(err)
	}
	if err := e.ConnectSend(a.ID(), send.PostFaderStartSlot, b.ID(), false); err != nil {
		t.Fatal(err)
	}
	if !a.Strip().Send(send.PostFaderStartSlot).IsEnabled() {
		t.Fatal("connected send is disabled")
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if !e.Process(testutil.BlockSize) {
		t.Fatal("Process skipped the cycle")
	}

	assertBuffer(t, "B in L", b.Input().InL.Buffer(), 0.5)
	assertBuffer(t, "B in R", b.Input().InR.Buffer(), 0.5)

	l := make([]float32, testutil.BlockSize)
	r := make([]float32, testutil.BlockSize)
	e.ReadOutput(l, r)
	assertBuffer(t, "out L", l, 0.5)
	assertBuffer(t, "out R", r, 0.5)

	if got := e.Transport().Position(); got != testutil.BlockSize {
		t.Errorf("transport at %d, want %d", got, testutil.BlockSize)
	}
	if len(errs.all()) != 0 {
		t.Errorf("unexpected errors: %v", errs.all())
	}
}

func TestInsertPluginScalesTrack(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	e.Transport().Play()
	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio, Material: constMaterial(0.8)})

	p, err := e.AddPlugin(a.ID(), channel.SlotInsert, 0, plugins.GainInfo, false)
	if err != nil {
		t.Fatal(err)
	}
	p.Param("gain").SetReal(0.5)
	if _, err := e.AddPlugin(a.ID(), channel.SlotInsert, 0, plugins.ThruInfo, false); err == nil {
		t.Error("occupied slot replaced without overwrite")
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	e.Process(testutil.BlockSize)

	l := make([]float32, testutil.BlockSize)
	r := make([]float32, testutil.BlockSize)
	e.ReadOutput(l, r)
	assertBuffer(t, "out L", l, 0.4)

	if err := e.RemovePlugin(a.ID(), channel.SlotInsert, 0); err != nil {
		t.Fatal(err)
	}
	e.Process(testutil.BlockSize)
	e.ReadOutput(l, r)
	assertBuffer(t, "out L after removal", l, 0.8)
}

func TestProcessDoesNotAllocate(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	e.Transport().Play()
	mustTrack(t, e, TrackConfig{Name: "Audio", Kind: processor.TrackAudio, Material: constMaterial(0.5)})
	keys := mustTrack(t, e, TrackConfig{Name: "Keys", Kind: processor.TrackMIDI})
	keys.Input().SetMonitoring(true)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	for n := 0; n < 4; n++ {
		e.Process(testutil.BlockSize)
	}

	allocs := testing.AllocsPerRun(100, func() {
		if !e.Process(testutil.BlockSize) {
			t.Fatal("cycle skipped")
		}
	})
	if allocs != 0 {
		t.Errorf("%v allocations per cycle, want 0", allocs)
	}
}

func TestProcessNeverBlocks(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	l := make([]float32, testutil.BlockSize)
	r := make([]float32, testutil.BlockSize)

	if e.Process(testutil.BlockSize) {
		t.Error("Process ran before Start")
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v", err)
	}

	tests := []struct {
		name   string
		frames int
		hold   bool
		want   bool
	}{
		{"full block", testutil.BlockSize, false, true},
		{"short block", 100, false, true},
		{"zero frames", 0, false, false},
		{"oversized block", testutil.BlockSize + 1, false, false},
		{"gate held", testutil.BlockSize, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.hold {
				e.gate.Lock()
				defer e.gate.Unlock()
			}
			if got := e.Process(tt.frames); got != tt.want {
				t.Errorf("Process(%d) = %v, want %v", tt.frames, got, tt.want)
			}
		})
	}
	if e.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", e.Skipped())
	}

	for i := range l {
		l[i], r[i] = 1, 1
	}
	e.ReadOutput(l, r)
	assertBuffer(t, "out after failed cycle", l, 0)

	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.Process(testutil.BlockSize) {
		t.Error("Process ran after Stop")
	}
}

func TestFeedbackIsRefused(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackBus})
	b := mustTrack(t, e, TrackConfig{Name: "B", Kind: processor.TrackBus})

	if err := e.ConnectSend(a.ID(), 0, b.ID(), false); err != nil {
		t.Fatal(err)
	}
	before := len(e.Connections())

	if err := e.ConnectSend(b.ID(), 0, a.ID(), false); !errors.Is(err, ErrFeedback) {
		t.Fatalf("send back = %v, want ErrFeedback", err)
	}
	if s := b.Strip().Send(0); s.IsEnabled() || s.IsConnected() {
		t.Error("refused send left connected")
	}
	err := e.Connect(b.Outputs()[0].ID(), a.Input().InL.ID())
	if !errors.Is(err, ErrFeedback) {
		t.Fatalf("connect back = %v, want ErrFeedback", err)
	}
	if e.Graph().Exists(b.Outputs()[0].ID(), a.Input().InL.ID()) {
		t.Error("refused edge kept")
	}
	if err := e.RouteOutput(e.Master().ID(), a.ID()); !errors.Is(err, ErrMasterTrack) {
		t.Errorf("route master = %v", err)
	}
	if err := e.RouteOutput(e.Master().ID(), ident.Nil); !errors.Is(err, ErrMasterTrack) {
		t.Errorf("unroute master = %v", err)
	}
	if err := e.ConnectSend(a.ID(), 1, a.ID(), false); !errors.Is(err, ErrFeedback) {
		t.Errorf("send to self = %v", err)
	}
	if got := len(e.Connections()); got != before {
		t.Errorf("connections %d -> %d after refused changes", before, got)
	}
}

func TestTopologyErrors(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio})
	m := mustTrack(t, e, TrackConfig{Name: "M", Kind: processor.TrackMIDI})
	head := a.Strip().Head().Outputs(port.KindAudio)[0]

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"remove master", e.RemoveTrack(e.Master().ID()), ErrMasterTrack},
		{"remove unknown", e.RemoveTrack(ident.New()), ErrTrackNotFound},
		{"unlink strip", e.Disconnect(a.Input().OutL.ID(), head.ID()), ErrLocked},
		{"relink strip", e.Connect(a.Input().OutL.ID(), head.ID()), ErrLocked},
		{"missing edge", e.Disconnect(a.Outputs()[0].ID(), a.Input().InL.ID()), graph.ErrNotFound},
		{"kind mismatch", e.Connect(m.Outputs()[0].ID(), a.Input().InL.ID()), graph.ErrKindMismatch},
		{"audio into MIDI", e.RouteOutput(a.ID(), m.ID()), ErrNotRouted},
		{"bad send slot", e.ConnectSend(a.ID(), 99, m.ID(), false), send.ErrInvalidSlot},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, tt.err, tt.want)
		}
	}
}

func TestRemoveTrackDropsConnections(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio})
	b := mustTrack(t, e, TrackConfig{Name: "B", Kind: processor.TrackBus})
	if err := e.ConnectSend(a.ID(), send.PostFaderStartSlot, b.ID(), false); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveTrack(b.ID()); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Track(b.ID()); ok {
		t.Error("removed track still listed")
	}
	if a.Strip().Send(send.PostFaderStartSlot).IsConnected() {
		t.Error("send still points at the removed track")
	}
	for _, c := range e.Graph().Connections(graph.All) {
		for _, p := range b.Ports() {
			if c.Src == p.ID() || c.Dst == p.ID() {
				t.Fatalf("edge %v touches the removed track", c)
			}
		}
	}
	if _, ok := e.Registry().Port(b.Input().InL.ID()); ok {
		t.Error("removed track's ports still registered")
	}
	if err := e.RemoveTrack(b.ID()); !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("second remove = %v", err)
	}
}

func TestProcessingOrderFollowsRouting(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	// created in reverse of signal flow
	c := mustTrack(t, e, TrackConfig{Name: "C", Kind: processor.TrackBus})
	b := mustTrack(t, e, TrackConfig{Name: "B", Kind: processor.TrackBus})
	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio})
	if err := e.RouteOutput(a.ID(), b.ID()); err != nil {
		t.Fatal(err)
	}
	if err := e.RouteOutput(b.ID(), c.ID()); err != nil {
		t.Fatal(err)
	}
	pos := map[ident.ID]int{}
	for i, tr := range e.order {
		pos[tr.ID()] = i
	}
	if !(pos[a.ID()] < pos[b.ID()] && pos[b.ID()] < pos[c.ID()] && pos[c.ID()] < pos[e.Master().ID()]) {
		t.Errorf("order = %v", pos)
	}
}

func TestSoloImplication(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio})
	b := mustTrack(t, e, TrackConfig{Name: "B", Kind: processor.TrackBus})
	c := mustTrack(t, e, TrackConfig{Name: "C", Kind: processor.TrackAudio})
	if err := e.RouteOutput(a.ID(), b.ID()); err != nil {
		t.Fatal(err)
	}
	m := e.Master()

	tests := []struct {
		name    string
		solo    *Track
		implied []*Track
		clear   []*Track
	}{
		{"source", a, []*Track{b, m}, []*Track{c}},
		{"bus", b, []*Track{a, m}, []*Track{c}},
		{"master", m, []*Track{a, b, c}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.SetSolo(tt.solo.ID(), true); err != nil {
				t.Fatal(err)
			}
			if err := e.Dispatcher().Flush(); err != nil {
				t.Fatal(err)
			}
			if !e.solo.AnySoloed() {
				t.Error("solo not published")
			}
			if tt.solo.Fader().ImpliedSolo() {
				t.Error("soloed track marked implied")
			}
			for _, tr := range tt.implied {
				if !tr.Fader().ImpliedSolo() {
					t.Errorf("%s not implied", tr.Name())
				}
			}
			for _, tr := range tt.clear {
				if tr.Fader().ImpliedSolo() {
					t.Errorf("%s implied", tr.Name())
				}
			}

			if err := e.SetSolo(tt.solo.ID(), false); err != nil {
				t.Fatal(err)
			}
			if err := e.Dispatcher().Flush(); err != nil {
				t.Fatal(err)
			}
			if e.solo.AnySoloed() {
				t.Error("solo still published")
			}
			for _, tr := range []*Track{a, b, c, m} {
				if tr.Fader().ImpliedSolo() {
					t.Errorf("%s still implied", tr.Name())
				}
			}
		})
	}
}

// A solo toggled by an operation on the worker is refreshed when the
// operation ends instead of being queued behind it.
func TestSoloChangedInsideOperation(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio})
	mustTrack(t, e, TrackConfig{Name: "B", Kind: processor.TrackAudio})
	if err := e.Dispatcher().Flush(); err != nil {
		t.Fatal(err)
	}
	base := e.Dispatcher().Stats().Operations

	err := e.Dispatcher().run(OpLoadState, func() error {
		a.Fader().SetSoloed(true)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !e.solo.AnySoloed() {
		t.Error("solo state not published when the operation finished")
	}
	if err := e.Dispatcher().Flush(); err != nil {
		t.Fatal(err)
	}
	if got := e.Dispatcher().Stats().Operations - base; got != 2 {
		t.Errorf("%d operations ran, want 2 (nothing queued by the hook)", got)
	}
}

func TestSoloMutesOtherTracks(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	e.Transport().Play()
	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio, Material: constMaterial(0.25)})
	mustTrack(t, e, TrackConfig{Name: "B", Kind: processor.TrackAudio, Material: constMaterial(0.5)})
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.SetSolo(a.ID(), true); err != nil {
		t.Fatal(err)
	}
	if err := e.Dispatcher().Flush(); err != nil {
		t.Fatal(err)
	}

	l := make([]float32, testutil.BlockSize)
	r := make([]float32, testutil.BlockSize)
	// let the mute ramp finish
	for n := 0; n < 3; n++ {
		e.Process(testutil.BlockSize)
	}
	e.ReadOutput(l, r)
	assertBuffer(t, "soloed mix", l, 0.25)
}

func TestCCLearnFromHardware(t *testing.T) {
	drv := &fakeDriver{}
	keys := drv.plug("Keys")
	cfg := testConfig()
	cfg.MIDIDriver = drv
	cfg.MIDIInputs = []string{"Keys"}
	e, _ := newTestEngine(t, cfg)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if !e.Hardware().IsExposed("Keys") {
		t.Fatal("configured MIDI input not exposed")
	}

	a := mustTrack(t, e, TrackConfig{Name: "A", Kind: processor.TrackAudio})
	mute := a.Fader().Mute
	if err := e.LearnCC(mute.ID()); err != nil {
		t.Fatal(err)
	}
	keys.send(0xB0, 7, 127)
	if e.Bindings().Learning() || e.Bindings().Len() != 1 {
		t.Fatalf("learn did not bind: learning=%v len=%d", e.Bindings().Learning(), e.Bindings().Len())
	}
	if !a.Fader().Muted() {
		t.Error("learned CC not applied")
	}
	keys.send(0xB0, 7, 0)
	if a.Fader().Muted() {
		t.Error("CC 0 did not release the toggle")
	}
	keys.send(0xB1, 7, 127)
	if a.Fader().Muted() {
		t.Error("CC on another channel applied")
	}

	if err := e.RemoveTrack(a.ID()); err != nil {
		t.Fatal(err)
	}
	if n := e.Bindings().Len(); n != 0 {
		t.Errorf("%d bindings survive the track", n)
	}
}

func TestExposedMIDIFeedsTrack(t *testing.T) {
	drv := &fakeDriver{}
	keys := drv.plug("Keys")
	cfg := testConfig()
	cfg.MIDIDriver = drv
	e, _ := newTestEngine(t, cfg)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	hw, err := e.ExposeMIDI("Keys")
	if err != nil {
		t.Fatal(err)
	}
	m := mustTrack(t, e, TrackConfig{Name: "M", Kind: processor.TrackMIDI})
	m.Input().SetMonitoring(true)
	if err := e.Connect(hw.ID(), m.Input().MidiIn.ID()); err != nil {
		t.Fatal(err)
	}

	keys.send(0x90, 60, 100)
	e.Process(testutil.BlockSize)
	if n := m.Input().MidiIn.Events().Len(); n != 1 {
		t.Fatalf("track received %d events, want 1", n)
	}
	if n := m.Input().MidiOut.Events().Len(); n != 1 {
		t.Errorf("monitored stage passed %d events, want 1", n)
	}

	if err := e.Unexpose("Keys"); err != nil {
		t.Fatal(err)
	}
	if len(e.Graph().SourcesOf(m.Input().MidiIn.ID(), graph.All)) != 0 {
		t.Error("unexposed device still connected")
	}
}
