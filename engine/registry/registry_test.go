package registry

import (
	"testing"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

type named string

func (n named) Name() string { return string(n) }

func TestDesignation(t *testing.T) {
	r := New()
	track := ident.New()
	plugin := ident.New()
	r.AddOwner(track, named("Bass"))
	r.AddOwner(plugin, named("Compressor"))

	onTrack := port.New("Fader L", port.KindAudio, port.FlowOutput, port.OwnerFader, port.WithTrack(track))
	onPlugin := port.New("Threshold", port.KindControl, port.FlowInput, port.OwnerPlugin,
		port.WithTrack(track), port.WithPlugin(plugin))
	hw := port.New("capture_1", port.KindAudio, port.FlowOutput, port.OwnerHardware, port.WithHardwareID("Scarlett 2i2"))
	r.Add(onTrack, onPlugin, hw)

	tests := []struct {
		id   ident.ID
		want string
	}{
		{onTrack.ID(), "Bass/Fader L"},
		{onPlugin.ID(), "Compressor/Threshold"},
		{hw.ID(), "Scarlett 2i2/capture_1"},
	}
	for _, tt := range tests {
		if got := r.Designation(tt.id); got != tt.want {
			t.Errorf("Designation = %q, want %q", got, tt.want)
		}
	}
}

func TestRemoveKeepsReplacement(t *testing.T) {
	r := New()
	p := port.New("a", port.KindAudio, port.FlowInput, port.OwnerTrack)
	r.Add(p)
	replacement := p.Clone(ident.CloneSnapshot)
	r.Add(replacement)
	r.Remove(p)

	got, ok := r.Port(p.ID())
	if !ok || got != replacement {
		t.Fatal("removing a stale port dropped its replacement")
	}
	r.Remove(replacement)
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}
