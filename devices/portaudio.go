//go:build portaudio

package devices

import (
	"fmt"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// Cycle is the processing callback driven by an audio stream.
type Cycle interface {
	// Process runs one cycle of frames and reports whether it produced
	// output.
	Process(frames int) bool
	// ReadOutput copies the cycle's main output.
	ReadOutput(l, r []float32)
}

// PortAudio lists devices through PortAudio. Create it once and Close it
// when done.
type PortAudio struct{}

func NewPortAudio() (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}
	return &PortAudio{}, nil
}

func (PortAudio) Close() error { return portaudio.Terminate() }

func (PortAudio) AudioDevices() (AudioDevices, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()
	ds := make(AudioDevices, 0, len(infos))
	for _, info := range infos {
		d := AudioDevice{
			Device:            Device{Name: info.Name, UID: fmt.Sprintf("pa:%d", info.Index), IsOnline: true},
			InputChannels:     info.MaxInputChannels,
			OutputChannels:    info.MaxOutputChannels,
			IsDefaultInput:    defIn != nil && defIn.Index == info.Index,
			IsDefaultOutput:   defOut != nil && defOut.Index == info.Index,
			DefaultSampleRate: info.DefaultSampleRate,
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		ds = append(ds, d)
	}
	return ds, nil
}

// Duplex is a default-device stream that feeds the hardware layer and
// drives a Cycle from the PortAudio callback.
type Duplex struct {
	stream  *portaudio.Stream
	skipped atomic.Uint64
}

// OpenDuplex opens the default input and output. Input channels arrive on
// the hardware layer under uid, which must already be exposed.
func OpenDuplex(hw *Hardware, uid string, inputs int, c Cycle, sampleRate float64, frames int) (*Duplex, error) {
	d := &Duplex{}
	cb := func(in, out [][]float32) {
		for ch := range in {
			hw.FeedAudio(uid, ch, in[ch])
		}
		if len(out) < 2 {
			return
		}
		if !c.Process(len(out[0])) {
			d.skipped.Add(1)
		}
		c.ReadOutput(out[0], out[1])
	}
	s, err := portaudio.OpenDefaultStream(inputs, 2, sampleRate, frames, cb)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open stream: %w", err)
	}
	d.stream = s
	return d, nil
}

func (d *Duplex) Start() error { return d.stream.Start() }
func (d *Duplex) Stop() error  { return d.stream.Stop() }

// Skipped returns how many callbacks produced silence because the engine
// was busy.
func (d *Duplex) Skipped() uint64 { return d.skipped.Load() }

func (d *Duplex) Close() error { return d.stream.Close() }
