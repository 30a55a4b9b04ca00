package patchbay

import "sync/atomic"

// Transport is the engine's playback state. Tracks read it once per cycle
// and the engine advances the position while rolling.
type Transport struct {
	rolling   atomic.Bool
	recording atomic.Bool
	position  atomic.Int64
}

func (t *Transport) Play() { t.rolling.Store(true) }

// Stop halts playback and ends recording.
func (t *Transport) Stop() {
	t.rolling.Store(false)
	t.recording.Store(false)
}

// SetRecording switches recording on or off. Armed tracks record only
// while the transport is also rolling.
func (t *Transport) SetRecording(on bool) { t.recording.Store(on) }

func (t *Transport) Rolling() bool   { return t.rolling.Load() }
func (t *Transport) Recording() bool { return t.recording.Load() && t.rolling.Load() }

// Position returns the timeline frame of the next cycle.
func (t *Transport) Position() int64 { return t.position.Load() }

// Locate moves the timeline position.
func (t *Transport) Locate(frame int64) { t.position.Store(max(frame, 0)) }

func (t *Transport) advance(frames int64) {
	if t.rolling.Load() {
		t.position.Add(frames)
	}
}
