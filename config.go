package patchbay

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/shaban/patchbay/devices"
	"github.com/shaban/patchbay/engine/fader"
	"github.com/shaban/patchbay/internal/logging"
	"github.com/shaban/patchbay/plugins"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gopkg.in/yaml.v3"
)

// LatencyClass is a coarse buffer size preference.
type LatencyClass string

const (
	LatencyLow    LatencyClass = "low"
	LatencyMedium LatencyClass = "medium"
	LatencyHigh   LatencyClass = "high"
)

// MapLatencyToBuffer maps a LatencyClass to a suggested buffer size in frames.
func MapLatencyToBuffer(c LatencyClass) int {
	switch c {
	case LatencyLow:
		return 128
	case LatencyHigh:
		return 1024
	default:
		return 256
	}
}

const (
	minSampleRate = 8000
	maxSampleRate = 384000
	minBufferSize = 64
	maxBufferSize = 4096

	defaultSampleRate = 48000
)

// Config holds engine configuration. The yaml-tagged fields can be loaded
// from a file with LoadConfig; the rest are wired in code.
type Config struct {
	Name       string  `yaml:"name"`
	SampleRate float64 `yaml:"sample_rate"`
	// BufferSize overrides Latency when set.
	BufferSize int          `yaml:"buffer_size"`
	Latency    LatencyClass `yaml:"latency"`
	// FadeFrames is the click-free ramp length of every gain stage.
	FadeFrames int `yaml:"fade_frames"`
	// MIDIFaderMode is "velocity" or "cc".
	MIDIFaderMode string `yaml:"midi_fader_mode"`
	// MIDIInputs are exposed as hardware ports when the engine starts.
	MIDIInputs []string `yaml:"midi_inputs"`
	// AudioInput is the UID of the capture device, exposed on start.
	AudioInput         string `yaml:"audio_input"`
	AudioInputChannels int    `yaml:"audio_input_channels"`
	LogLevel           string `yaml:"log_level"`

	ErrorHandler ErrorHandler        `yaml:"-"`
	Logger       *logging.Logger     `yaml:"-"`
	MIDIDriver   drivers.Driver      `yaml:"-"`
	AudioDevices devices.AudioLister `yaml:"-"`
	// Catalog defaults to the built-in plugins.
	Catalog *plugins.Catalog `yaml:"-"`
}

// DefaultConfig returns the configuration NewEngine uses for zero fields.
func DefaultConfig() Config {
	return Config{
		Name:          "Patchbay",
		SampleRate:    defaultSampleRate,
		Latency:       LatencyMedium,
		FadeFrames:    fader.DefaultFadeFrames,
		MIDIFaderMode: "velocity",
		LogLevel:      "info",
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig. A
// leading ~ in path is expanded.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	p, err := homedir.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("config path %q: %w", path, err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", p, err)
	}
	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize fills defaults and validates ranges.
func (c *Config) normalize() error {
	switch {
	case c.SampleRate <= 0:
		c.SampleRate = defaultSampleRate
	case c.SampleRate < minSampleRate:
		return fmt.Errorf("%w: sample rate must be at least %d Hz, got %.0f", ErrInvalidConfig, minSampleRate, c.SampleRate)
	case c.SampleRate > maxSampleRate:
		return fmt.Errorf("%w: sample rate cannot exceed %d Hz, got %.0f", ErrInvalidConfig, maxSampleRate, c.SampleRate)
	}

	if c.BufferSize <= 0 {
		c.BufferSize = MapLatencyToBuffer(c.Latency)
	}
	if c.BufferSize < minBufferSize {
		return fmt.Errorf("%w: buffer size must be at least %d frames, got %d", ErrInvalidConfig, minBufferSize, c.BufferSize)
	}
	if c.BufferSize > maxBufferSize {
		return fmt.Errorf("%w: buffer size cannot exceed %d frames, got %d", ErrInvalidConfig, maxBufferSize, c.BufferSize)
	}

	if c.FadeFrames <= 0 {
		c.FadeFrames = fader.DefaultFadeFrames
	}
	if _, err := c.midiMode(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Name == "" {
		c.Name = "Patchbay"
	}
	return nil
}

func (c *Config) midiMode() (fader.MIDIMode, error) {
	switch strings.ToLower(c.MIDIFaderMode) {
	case "", "velocity":
		return fader.MIDIModeVelocity, nil
	case "cc", "cc_volume":
		return fader.MIDIModeCCVolume, nil
	}
	return 0, fmt.Errorf("%w: unknown MIDI fader mode %q", ErrInvalidConfig, c.MIDIFaderMode)
}
