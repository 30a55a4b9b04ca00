package patchbay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shaban/patchbay/engine/fader"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchbay.yaml")
	data := []byte(`name: Studio
sample_rate: 44100
latency: low
midi_fader_mode: cc
midi_inputs:
  - Keys
  - Pads
log_level: debug
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "Studio" || cfg.SampleRate != 44100 {
		t.Errorf("name %q rate %v", cfg.Name, cfg.SampleRate)
	}
	if cfg.BufferSize != 128 {
		t.Errorf("low latency buffer = %d, want 128", cfg.BufferSize)
	}
	if cfg.FadeFrames != fader.DefaultFadeFrames {
		t.Errorf("fade frames = %d", cfg.FadeFrames)
	}
	if len(cfg.MIDIInputs) != 2 || cfg.MIDIInputs[1] != "Pads" {
		t.Errorf("midi inputs = %v", cfg.MIDIInputs)
	}
	if mode, _ := cfg.midiMode(); mode != fader.MIDIModeCCVolume {
		t.Errorf("midi mode = %v", mode)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("buffer_size: 17\n"), 0o644)
	if _, err := LoadConfig(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad buffer size = %v", err)
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		buffer  int
	}{
		{"zero", Config{}, false, 256},
		{"high latency", Config{Latency: LatencyHigh}, false, 1024},
		{"explicit buffer wins", Config{Latency: LatencyHigh, BufferSize: 512}, false, 512},
		{"rate too low", Config{SampleRate: 4000}, true, 0},
		{"rate too high", Config{SampleRate: 768000}, true, 0},
		{"buffer too large", Config{BufferSize: 8192}, true, 0},
		{"unknown fader mode", Config{MIDIFaderMode: "aftertouch"}, true, 0},
		{"unknown log level", Config{LogLevel: "loud"}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.normalize()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("err = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tt.cfg.BufferSize != tt.buffer {
				t.Errorf("buffer = %d, want %d", tt.cfg.BufferSize, tt.buffer)
			}
			if tt.cfg.SampleRate != defaultSampleRate || tt.cfg.Name == "" {
				t.Errorf("defaults not filled: %+v", tt.cfg)
			}
		})
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	if _, err := NewEngine(Config{BufferSize: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewEngine = %v", err)
	}
}
