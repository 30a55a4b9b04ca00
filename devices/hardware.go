package devices

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/lockfree"
	"github.com/shaban/patchbay/engine/port"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

var (
	ErrNoDriver       = errors.New("devices: no MIDI driver")
	ErrDeviceNotFound = errors.New("devices: device not found")
	ErrExposed        = errors.New("devices: already exposed")
	ErrNotExposed     = errors.New("devices: not exposed")
)

const (
	// midiRingSize bounds the messages buffered between two cycles.
	midiRingSize = 1024
	// audioRingFrames bounds the frames buffered per channel.
	audioRingFrames = 16384
)

// CCHandler receives every control change from an exposed MIDI input on
// the driver's goroutine.
type CCHandler func(buf [3]byte, deviceID string)

type midiInput struct {
	name string
	port *port.Port
	ring *lockfree.Ring[port.Event]
	stop func()
}

type audioInput struct {
	uid   string
	ports []*port.Port
	rings []*lockfree.Ring[float32]
}

// Hardware exposes external device inputs as output ports owned by the
// hardware. Backends push into lock-free rings from their own goroutines;
// Process moves the buffered data into the ports once per cycle.
//
// Expose and Unexpose must not run concurrently with Process; the engine
// calls them with processing excluded. Scan may run at any time.
type Hardware struct {
	drv   drivers.Driver
	audio AudioLister

	mu       sync.Mutex
	midiDevs MIDIDevices
	audioDev AudioDevices
	onCC     CCHandler

	midi   []*midiInput
	inputs []*audioInput

	sampleRate float64
	maxFrames  int
}

// NewHardware creates the layer. Either backend may be nil.
func NewHardware(drv drivers.Driver, audio AudioLister) *Hardware {
	return &Hardware{drv: drv, audio: audio}
}

// SetCCHandler installs the handler for incoming control changes. Install
// it before exposing inputs.
func (h *Hardware) SetCCHandler(fn CCHandler) { h.onCC = fn }

// Scan refreshes the device lists.
func (h *Hardware) Scan() error {
	var mds MIDIDevices
	if h.drv != nil {
		var err error
		if mds, err = MIDIFromDriver(h.drv); err != nil {
			return fmt.Errorf("scan MIDI: %w", err)
		}
	}
	var ads AudioDevices
	if h.audio != nil {
		var err error
		if ads, err = h.audio.AudioDevices(); err != nil {
			return fmt.Errorf("scan audio: %w", err)
		}
	}
	h.mu.Lock()
	h.midiDevs, h.audioDev = mds, ads
	h.mu.Unlock()
	return nil
}

func (h *Hardware) MIDI() MIDIDevices {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.midiDevs
}

func (h *Hardware) Audio() AudioDevices {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audioDev
}

func (h *Hardware) findIn(name string) (drivers.In, error) {
	if h.drv == nil {
		return nil, ErrNoDriver
	}
	ins, err := h.drv.Ins()
	if err != nil {
		return nil, err
	}
	for _, in := range ins {
		if in.String() == name {
			return in, nil
		}
	}
	return nil, fmt.Errorf("%w: MIDI input %q", ErrDeviceNotFound, name)
}

// ExposeMIDI starts listening on the named MIDI input and returns the
// event port carrying its messages.
func (h *Hardware) ExposeMIDI(name string) (*port.Port, error) {
	for _, m := range h.midi {
		if m.name == name {
			return nil, fmt.Errorf("%w: %s", ErrExposed, name)
		}
	}
	in, err := h.findIn(name)
	if err != nil {
		return nil, err
	}
	m := &midiInput{
		name: name,
		port: port.New(name, port.KindEvent, port.FlowOutput, port.OwnerHardware,
			port.WithID(ident.Derive(ident.Nil, "midi:"+name)),
			port.WithFlags(port.FlagHardware), port.WithHardwareID(name), port.WithSymbol("hw_midi")),
		ring: lockfree.NewRing[port.Event](midiRingSize),
	}
	onCC := h.onCC
	m.stop, err = midi.ListenTo(in, func(msg midi.Message, _ int32) {
		if len(msg) == 0 || len(msg) > 3 {
			return
		}
		m.ring.Push(port.NewEvent(0, msg))
		var ch, cc, val uint8
		if onCC != nil && msg.GetControlChange(&ch, &cc, &val) {
			var buf [3]byte
			copy(buf[:], msg)
			onCC(buf, name)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", name, err)
	}
	if h.maxFrames > 0 {
		m.port.Prepare(h.sampleRate, h.maxFrames)
	}
	h.midi = append(h.midi, m)
	return m.port, nil
}

// ExposeAudio creates one output port per input channel of the device.
// Samples arrive through FeedAudio.
func (h *Hardware) ExposeAudio(uid string, channels int) ([]*port.Port, error) {
	for _, a := range h.inputs {
		if a.uid == uid {
			return nil, fmt.Errorf("%w: %s", ErrExposed, uid)
		}
	}
	name := uid
	if d, ok := h.Audio().ByUID(uid); ok {
		name = d.Name
		if channels <= 0 || channels > d.InputChannels {
			channels = d.InputChannels
		}
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: audio input %q", ErrDeviceNotFound, uid)
	}
	a := &audioInput{uid: uid}
	for ch := 0; ch < channels; ch++ {
		hwID := fmt.Sprintf("%s:%d", uid, ch)
		flags := port.FlagHardware
		if channels == 2 {
			flags |= port.FlagStereoL << ch
		}
		p := port.New(fmt.Sprintf("%s %d", name, ch+1), port.KindAudio, port.FlowOutput, port.OwnerHardware,
			port.WithID(ident.Derive(ident.Nil, "audio:"+hwID)),
			port.WithFlags(flags), port.WithHardwareID(hwID), port.WithIndex(ch))
		if h.maxFrames > 0 {
			p.Prepare(h.sampleRate, h.maxFrames)
		}
		a.ports = append(a.ports, p)
		a.rings = append(a.rings, lockfree.NewRing[float32](audioRingFrames))
	}
	h.inputs = append(h.inputs, a)
	return a.ports, nil
}

// Unexpose stops an exposed MIDI input or audio device and returns the
// ports it removed.
func (h *Hardware) Unexpose(name string) ([]*port.Port, error) {
	for i, m := range h.midi {
		if m.name == name {
			m.stop()
			h.midi = append(h.midi[:i], h.midi[i+1:]...)
			return []*port.Port{m.port}, nil
		}
	}
	for i, a := range h.inputs {
		if a.uid == name {
			h.inputs = append(h.inputs[:i], h.inputs[i+1:]...)
			return a.ports, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotExposed, name)
}

// Ports returns every exposed port.
func (h *Hardware) Ports() []*port.Port {
	var ps []*port.Port
	for _, m := range h.midi {
		ps = append(ps, m.port)
	}
	for _, a := range h.inputs {
		ps = append(ps, a.ports...)
	}
	return ps
}

// AudioExposure records an exposed audio device.
type AudioExposure struct {
	UID      string `json:"uid"`
	Channels int    `json:"channels"`
}

// ExposedMIDI returns the names of the exposed MIDI inputs.
func (h *Hardware) ExposedMIDI() []string {
	names := make([]string, 0, len(h.midi))
	for _, m := range h.midi {
		names = append(names, m.name)
	}
	return names
}

// IsExposed reports whether a MIDI input or audio device of that name is
// exposed.
func (h *Hardware) IsExposed(name string) bool {
	for _, m := range h.midi {
		if m.name == name {
			return true
		}
	}
	for _, a := range h.inputs {
		if a.uid == name {
			return true
		}
	}
	return false
}

// ExposedAudio returns the exposed audio devices.
func (h *Hardware) ExposedAudio() []AudioExposure {
	out := make([]AudioExposure, 0, len(h.inputs))
	for _, a := range h.inputs {
		out = append(out, AudioExposure{UID: a.uid, Channels: len(a.ports)})
	}
	return out
}

// FeedAudio buffers samples for one channel of an exposed device. It is
// meant for a single backend goroutine per device and never blocks; it
// returns the number of samples accepted.
func (h *Hardware) FeedAudio(uid string, channel int, samples []float32) int {
	for _, a := range h.inputs {
		if a.uid != uid || channel < 0 || channel >= len(a.rings) {
			continue
		}
		n := 0
		for _, s := range samples {
			if !a.rings[channel].Push(s) {
				break
			}
			n++
		}
		return n
	}
	return 0
}

func (h *Hardware) Prepare(sampleRate float64, maxFrames int) {
	h.sampleRate, h.maxFrames = sampleRate, maxFrames
	for _, p := range h.Ports() {
		p.Prepare(sampleRate, maxFrames)
	}
}

func (h *Hardware) Release() {
	for _, p := range h.Ports() {
		p.Release()
	}
	h.maxFrames = 0
}

// Process moves buffered input into the ports for this cycle. MIDI
// messages are placed at the first frame of the cycle; missing audio
// frames are left silent.
func (h *Hardware) Process(ti port.TimeInfo) {
	for _, m := range h.midi {
		m.port.Clear(ti)
		for {
			ev, ok := m.ring.Pop()
			if !ok {
				break
			}
			ev.Frame = ti.Offset
			m.port.Events().Add(ev)
		}
		m.port.Process(ti)
	}
	for _, a := range h.inputs {
		for ch, p := range a.ports {
			p.Clear(ti)
			if buf := p.Buffer(); int(ti.End()) <= len(buf) {
				a.rings[ch].Drain(buf[ti.Offset:ti.End()])
			}
			p.Process(ti)
		}
	}
}

// Close stops every MIDI listener.
func (h *Hardware) Close() {
	for _, m := range h.midi {
		m.stop()
	}
	h.midi = nil
	h.inputs = nil
}
