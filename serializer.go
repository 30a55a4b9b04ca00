package patchbay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shaban/patchbay/devices"
	"github.com/shaban/patchbay/engine/ccbind"
	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/processor"
)

// StateVersion is the version of the persisted engine format.
const StateVersion = "1.0.0"

// EngineState is the complete serializable state of the engine. Locked
// strip wiring is not stored; it is recreated with the tracks.
type EngineState struct {
	Version       string             `json:"version"`
	Configuration ConfigState        `json:"configuration"`
	Master        TrackState         `json:"master"`
	Tracks        []TrackState       `json:"tracks"`
	Connections   []graph.Connection `json:"connections"`
	Bindings      []ccbind.Binding   `json:"bindings,omitempty"`
	Hardware      HardwareState      `json:"hardware"`
	Timestamp     time.Time          `json:"timestamp"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// ConfigState is the part of the configuration saved with a session.
type ConfigState struct {
	Name          string  `json:"name"`
	SampleRate    float64 `json:"sampleRate"`
	BufferSize    int     `json:"bufferSize"`
	FadeFrames    int     `json:"fadeFrames"`
	MIDIFaderMode string  `json:"midiFaderMode"`
}

// HardwareState lists the exposed device inputs.
type HardwareState struct {
	MIDIInputs  []string                `json:"midiInputs,omitempty"`
	AudioInputs []devices.AudioExposure `json:"audioInputs,omitempty"`
}

// Serializer saves and restores engine state.
type Serializer struct {
	engine  *Engine
	version string
}

func NewSerializer(e *Engine) *Serializer {
	return &Serializer{engine: e, version: StateVersion}
}

// GetVersion returns the format version the serializer writes.
func (s *Serializer) GetVersion() string { return s.version }

// IsCompatible reports whether a stored version can be loaded. Versions
// with the same major number are compatible.
func (s *Serializer) IsCompatible(version string) bool {
	major := func(v string) string {
		v, _, _ = strings.Cut(v, ".")
		return v
	}
	return version != "" && major(version) == major(s.version)
}

// GetState captures the engine state on the dispatcher.
func (s *Serializer) GetState() (*EngineState, error) {
	var st *EngineState
	err := s.engine.dispatcher.run(OpSaveState, func() error {
		st = s.engine.captureState()
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.Version = s.version
	return st, nil
}

// SetState replaces every track, connection and binding with the stored
// ones. Identifiers are kept. If loading fails, the previous state is
// restored and the error returned.
func (s *Serializer) SetState(st *EngineState) error {
	if err := s.ValidateState(st); err != nil {
		return err
	}
	return s.engine.dispatcher.run(OpLoadState, func() error {
		return s.engine.applyState(st)
	})
}

// SaveToWriter writes the state as indented JSON.
func (s *Serializer) SaveToWriter(w io.Writer) error {
	st, err := s.GetState()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("encode engine state: %w", err)
	}
	return nil
}

// LoadFromReader reads JSON state and applies it.
func (s *Serializer) LoadFromReader(r io.Reader) error {
	var st EngineState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("decode engine state: %w", err)
	}
	return s.SetState(&st)
}

func (s *Serializer) SaveToJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.SaveToWriter(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Serializer) LoadFromJSON(data []byte) error {
	return s.LoadFromReader(bytes.NewReader(data))
}

// ValidateState checks a state before it is applied.
func (s *Serializer) ValidateState(st *EngineState) error {
	if st == nil {
		return errors.New("nil engine state")
	}
	if !s.IsCompatible(st.Version) {
		return fmt.Errorf("%w: got %q, expected %s", ErrIncompatible, st.Version, s.version)
	}
	if st.Master.Kind != processor.TrackBus {
		return fmt.Errorf("master track must be a bus, got %s", st.Master.Kind)
	}
	seen := map[ident.ID]bool{}
	for _, ts := range append([]TrackState{st.Master}, st.Tracks...) {
		if ts.ID.IsNil() {
			return fmt.Errorf("track %q has no identifier", ts.Strip.Name)
		}
		if seen[ts.ID] {
			return fmt.Errorf("duplicate track %s", ts.ID)
		}
		seen[ts.ID] = true
	}
	for i, c := range st.Connections {
		if c.Src.IsNil() || c.Dst.IsNil() {
			return fmt.Errorf("connection %d: missing endpoint", i)
		}
		if c.Src == c.Dst {
			return fmt.Errorf("connection %d: %w", i, graph.ErrSelfLoop)
		}
		if c.Locked {
			return fmt.Errorf("connection %d: %w", i, ErrLocked)
		}
	}
	return nil
}

// captureState builds the persisted form. Called with the gate held.
func (e *Engine) captureState() *EngineState {
	st := &EngineState{
		Version: StateVersion,
		Configuration: ConfigState{
			Name:          e.cfg.Name,
			SampleRate:    e.cfg.SampleRate,
			BufferSize:    e.cfg.BufferSize,
			FadeFrames:    e.cfg.FadeFrames,
			MIDIFaderMode: e.cfg.MIDIFaderMode,
		},
		Master:      e.master.State(),
		Connections: e.graph.Connections(graph.Unlocked),
		Bindings:    e.cc.State(),
		Hardware: HardwareState{
			MIDIInputs:  e.hw.ExposedMIDI(),
			AudioInputs: e.hw.ExposedAudio(),
		},
		Timestamp: time.Now().UTC(),
	}
	for _, t := range e.Tracks() {
		st.Tracks = append(st.Tracks, t.State())
	}
	return st
}

// applyState rebuilds the engine from st, falling back to the current
// state on failure. Called with the gate held.
func (e *Engine) applyState(st *EngineState) error {
	prev := e.captureState()
	if err := e.rebuild(st); err != nil {
		if rerr := e.rebuild(prev); rerr != nil {
			e.errorHandler.HandleError(fmt.Errorf("restore previous state: %w", rerr))
		}
		return err
	}
	return nil
}

// rebuild replaces every track with the stored ones. Strips are created
// with their stored identifiers and prepared directly; no operation is
// replayed.
func (e *Engine) rebuild(st *EngineState) error {
	for _, t := range e.Tracks() {
		e.removeTrack(t)
	}
	if e.master != nil {
		e.removeTrack(e.master)
		e.master = nil
	}

	for _, name := range st.Hardware.MIDIInputs {
		if e.hw.IsExposed(name) {
			continue
		}
		if _, err := e.exposeMIDI(name); err != nil {
			e.errorHandler.HandleError(fmt.Errorf("restore MIDI input: %w", err))
		}
	}
	for _, a := range st.Hardware.AudioInputs {
		if e.hw.IsExposed(a.UID) {
			continue
		}
		if _, err := e.exposeAudio(a.UID, a.Channels); err != nil {
			e.errorHandler.HandleError(fmt.Errorf("restore audio input: %w", err))
		}
	}

	master, err := e.addTrack(TrackConfig{}, &st.Master)
	if err != nil {
		return fmt.Errorf("restore master: %w", err)
	}
	e.mu.Lock()
	e.master = master
	e.mu.Unlock()
	tracks := []*Track{master}
	for i := range st.Tracks {
		t, err := e.addTrack(TrackConfig{}, &st.Tracks[i])
		if err != nil {
			return fmt.Errorf("restore track %q: %w", st.Tracks[i].Strip.Name, err)
		}
		tracks = append(tracks, t)
	}
	states := append([]TrackState{st.Master}, st.Tracks...)
	for i, t := range tracks {
		if err := t.applyState(states[i], e.catalog); err != nil {
			return fmt.Errorf("restore track %q: %w", t.Name(), err)
		}
	}

	for _, c := range st.Connections {
		err := e.graph.Connect(c.Src, c.Dst, c.Options()...)
		if errors.Is(err, graph.ErrUnknownPort) {
			// a device that is gone or a plugin missing from the catalog
			e.errorHandler.HandleError(fmt.Errorf("skip connection: %w", err))
			continue
		}
		if err != nil {
			return fmt.Errorf("restore connection %s -> %s: %w", c.Src.Short(), c.Dst.Short(), err)
		}
	}

	var bindings []ccbind.Binding
	for _, b := range st.Bindings {
		if _, ok := e.reg.Port(b.Port); ok {
			bindings = append(bindings, b)
		}
	}
	if err := e.cc.SetState(bindings); err != nil {
		return fmt.Errorf("restore CC bindings: %w", err)
	}

	e.graph.Relink()
	return e.reorder()
}
