package fader

import (
	"math"
	"testing"

	"github.com/shaban/patchbay/engine/port"
	"gitlab.com/gomidi/midi/v2"
)

const frames = 256

var cycle = port.TimeInfo{Frames: frames}

func newAudio(t *testing.T, cfg Config) *Fader {
	t.Helper()
	cfg.Signal = SignalAudio
	f := New(cfg)
	f.Prepare(48000, frames)
	return f
}

func feed(f *Fader, v float32) {
	for i := range f.InL.Buffer() {
		f.InL.Buffer()[i] = v
		f.InR.Buffer()[i] = v
	}
}

func TestAmpPositionRoundTrip(t *testing.T) {
	for _, amp := range []float32{0, 0.001, 0.1, 0.5, 0.7071, 1, 1.5, 2} {
		pos := AmpToPosition(amp)
		if pos < 0 || pos > 1 {
			t.Fatalf("position %v out of range for amp %v", pos, amp)
		}
		back := PositionToAmp(pos)
		if math.Abs(float64(back-amp)) > 1e-4*math.Max(1, float64(amp)) {
			t.Errorf("amp %v -> pos %v -> amp %v", amp, pos, back)
		}
	}
	if AmpToPosition(1) >= AmpToPosition(2) || AmpToPosition(0.5) >= AmpToPosition(1) {
		t.Error("curve is not monotonic")
	}
	if AmpToPosition(5) != 1 || PositionToAmp(3) != 2 {
		t.Error("curve does not clamp")
	}
}

func TestDBString(t *testing.T) {
	tests := []struct {
		amp  float32
		want string
	}{
		{0, "-inf"},
		{1, "0.0"},
		{0.5, "-6.0"},
		{2, "6.0"},
	}
	for _, tt := range tests {
		if got := DBString(tt.amp); got != tt.want {
			t.Errorf("DBString(%v) = %q, want %q", tt.amp, got, tt.want)
		}
	}
}

func TestRepresentationsStayConsistent(t *testing.T) {
	f := New(Config{Position: PositionPostFader})
	f.SetFaderPosition(0.5)
	if got := AmpToPosition(f.AmpValue()); math.Abs(float64(got-0.5)) > 1e-4 {
		t.Errorf("position after SetFaderPosition = %v", got)
	}
	f.SetAmp(3)
	if f.AmpValue() != 2 || f.FaderPosition() != 1 || f.DBString() != "6.0" {
		t.Errorf("clamped amp=%v pos=%v db=%s", f.AmpValue(), f.FaderPosition(), f.DBString())
	}
}

func TestAudioGainAndBalance(t *testing.T) {
	f := newAudio(t, Config{Position: PositionPostFader})
	f.SetAmp(0.5)
	feed(f, 1)
	f.Process(cycle)
	for i := 0; i < frames; i++ {
		if f.OutL.Buffer()[i] != 0.5 || f.OutR.Buffer()[i] != 0.5 {
			t.Fatalf("frame %d: %v/%v, want 0.5", i, f.OutL.Buffer()[i], f.OutR.Buffer()[i])
		}
	}

	f.Balance.SetReal(1)
	f.Process(cycle)
	if f.OutL.Buffer()[0] > 1e-6 || f.OutR.Buffer()[0] != f.AmpValue() {
		t.Errorf("hard right balance: L=%v R=%v", f.OutL.Buffer()[0], f.OutR.Buffer()[0])
	}
}

func TestGainRamps(t *testing.T) {
	f := newAudio(t, Config{Position: PositionPostFader, FadeFrames: 512})
	feed(f, 1)
	f.SetAmp(0)
	f.Process(cycle)
	f.SetAmp(1)
	f.Process(cycle)

	out := f.OutL.Buffer()
	if out[0] <= 0 || out[0] >= 0.1 {
		t.Errorf("ramp should start near zero, got %v", out[0])
	}
	if out[frames-1] <= out[0] || out[frames-1] > 1 {
		t.Errorf("ramp did not rise: first %v last %v", out[0], out[frames-1])
	}
}

func TestMuteFadesToSilence(t *testing.T) {
	f := newAudio(t, Config{Position: PositionPostFader, FadeFrames: 64})
	feed(f, 1)
	f.Process(cycle)

	f.SetMuted(true)
	f.Process(cycle)
	out := f.OutL.Buffer()
	if out[0] <= 0.9 {
		t.Errorf("fade-out should start near unity, got %v", out[0])
	}
	for i := 1; i < 64; i++ {
		if out[i] > out[i-1] {
			t.Fatalf("fade-out not monotonic at %d", i)
		}
	}
	for i := 64; i < frames; i++ {
		if out[i] != 0 {
			t.Fatalf("frame %d not silent after fade-out: %v", i, out[i])
		}
	}

	f.SetMuted(false)
	f.Process(cycle)
	if out[0] != 0 || out[frames-1] != 1 {
		t.Errorf("fade-in: first %v last %v", out[0], out[frames-1])
	}
}

func TestMuteReversalMidFade(t *testing.T) {
	const fadeFrames = 512
	f := newAudio(t, Config{Position: PositionPostFader, FadeFrames: fadeFrames})
	feed(f, 1)

	short := port.TimeInfo{Frames: 128}
	var out []float32
	for _, muted := range []bool{false, true, true, false, true, false, false, false} {
		f.SetMuted(muted)
		f.Process(short)
		out = append(out, f.OutL.Buffer()[:short.Frames]...)
	}

	maxStep := 1.0/fadeFrames + 1e-5
	for i := 1; i < len(out); i++ {
		if d := math.Abs(float64(out[i] - out[i-1])); d > maxStep {
			t.Fatalf("step of %v at frame %d (%v -> %v)", d, i, out[i-1], out[i])
		}
	}
	if out[len(out)-1] < 0.99 {
		t.Errorf("did not return to unity: %v", out[len(out)-1])
	}
}

func TestSoloSilencesOthers(t *testing.T) {
	solo := &SoloState{}
	f := newAudio(t, Config{Position: PositionPostFader, FadeFrames: 16, Solo: solo})
	feed(f, 1)
	f.Process(cycle)

	solo.Publish(true, false)
	f.Process(cycle)
	if f.OutL.Buffer()[frames-1] != 0 {
		t.Fatal("unsoloed stage audible while another track is soloed")
	}

	f.SetImpliedSolo(true)
	f.Process(cycle)
	if f.OutL.Buffer()[frames-1] != 1 {
		t.Fatal("implied solo stage silenced")
	}

	f.SetImpliedSolo(false)
	f.SetSoloed(true)
	f.Process(cycle)
	if f.OutL.Buffer()[frames-1] != 1 {
		t.Fatal("soloed stage silenced")
	}
}

func TestPreFaderPassesThrough(t *testing.T) {
	f := newAudio(t, Config{Position: PositionPreFader})
	f.SetAmp(0)
	f.SetMuted(true)
	feed(f, 0.25)
	f.Process(cycle)
	if f.OutR.Buffer()[10] != 0.25 {
		t.Fatalf("pre-fader stage changed the signal: %v", f.OutR.Buffer()[10])
	}
}

func TestPhaseAndMono(t *testing.T) {
	f := newAudio(t, Config{Position: PositionMonitor})
	for i := range f.InL.Buffer() {
		f.InL.Buffer()[i] = 1
		f.InR.Buffer()[i] = 0
	}
	f.SetPhaseInvert(true)
	f.SetMonoCompat(true)
	f.Process(cycle)
	if f.OutL.Buffer()[0] != -0.5 || f.OutR.Buffer()[0] != -0.5 {
		t.Fatalf("got %v/%v, want -0.5/-0.5", f.OutL.Buffer()[0], f.OutR.Buffer()[0])
	}
}

func newEvent(t *testing.T, mode MIDIMode) *Fader {
	t.Helper()
	f := New(Config{Position: PositionPostFader, Signal: SignalEvent, MIDIMode: mode})
	f.Prepare(48000, frames)
	return f
}

func TestVelocityMode(t *testing.T) {
	f := newEvent(t, MIDIModeVelocity)
	f.SetAmp(0.5)
	f.MidiIn.Events().Add(port.NewEvent(3, midi.NoteOn(1, 64, 100)))
	f.Process(cycle)

	if f.MidiOut.Events().Len() != 1 {
		t.Fatalf("got %d events, want 1", f.MidiOut.Events().Len())
	}
	var ch, key, vel uint8
	if !f.MidiOut.Events().At(0).Message().GetNoteOn(&ch, &key, &vel) || vel != 50 || ch != 1 {
		t.Fatalf("note on ch=%d vel=%d, want ch 1 vel 50", ch, vel)
	}
}

func TestCCVolumeEmitsOnChange(t *testing.T) {
	f := newEvent(t, MIDIModeCCVolume)
	f.Process(cycle)
	if n := f.MidiOut.Events().Len(); n != 16 {
		t.Fatalf("first cycle emitted %d events, want 16", n)
	}
	var ch, cc, val uint8
	if !f.MidiOut.Events().At(0).Message().GetControlChange(&ch, &cc, &val) || cc != 7 {
		t.Fatalf("expected CC7, got %v", f.MidiOut.Events().At(0).Message())
	}

	f.MidiOut.Clear(cycle)
	f.Process(cycle)
	if n := f.MidiOut.Events().Len(); n != 0 {
		t.Fatalf("unchanged value emitted %d events", n)
	}

	f.SetAmp(0.5)
	f.MidiOut.Clear(cycle)
	f.Process(cycle)
	if n := f.MidiOut.Events().Len(); n != 16 {
		t.Fatalf("changed value emitted %d events, want 16", n)
	}
}

func TestMutedEventStagePassesNoteOffs(t *testing.T) {
	f := newEvent(t, MIDIModeVelocity)
	f.SetMuted(true)
	f.MidiIn.Events().Add(port.NewEvent(0, midi.NoteOn(0, 60, 90)))
	f.MidiIn.Events().Add(port.NewEvent(1, midi.NoteOff(0, 60)))
	f.MidiIn.Events().Add(port.NewEvent(2, midi.ControlChange(0, 1, 10)))
	f.Process(cycle)

	if f.MidiOut.Events().Len() != 1 {
		t.Fatalf("muted stage passed %d events, want 1", f.MidiOut.Events().Len())
	}
	var ch, key, vel uint8
	if !f.MidiOut.Events().At(0).Message().GetNoteOff(&ch, &key, &vel) {
		t.Fatal("passed event is not a note off")
	}
}

func TestStateRoundTrip(t *testing.T) {
	f := New(Config{Position: PositionPostFader})
	f.SetAmp(0.3)
	f.SetMuted(true)
	f.Balance.SetReal(0.25)

	st := f.State()
	g := New(Config{ID: st.ID, Position: st.Position, PortIDs: st.Ports})
	g.ApplyState(st)

	if g.AmpValue() != f.AmpValue() || !g.Muted() || g.Balance.Real() != 0.25 {
		t.Fatalf("restored amp=%v muted=%v balance=%v", g.AmpValue(), g.Muted(), g.Balance.Real())
	}
	if g.OutL.ID() != f.OutL.ID() || g.Amp.ID() != f.Amp.ID() {
		t.Fatal("port identifiers not restored")
	}
}
