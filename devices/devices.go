// Package devices describes the audio and MIDI hardware visible to the
// engine and exposes selected device inputs as hardware-owned ports.
package devices

import (
	"slices"
	"strings"

	"gitlab.com/gomidi/midi/v2/drivers"
)

// Device holds the properties shared by every device.
type Device struct {
	Name     string `json:"name"`
	UID      string `json:"uid"`
	IsOnline bool   `json:"isOnline"`
}

// AudioDevice is an audio interface with its channel counts and formats.
type AudioDevice struct {
	Device
	InputChannels     int       `json:"inputChannels"`
	OutputChannels    int       `json:"outputChannels"`
	IsDefaultInput    bool      `json:"isDefaultInput"`
	IsDefaultOutput   bool      `json:"isDefaultOutput"`
	DefaultSampleRate float64   `json:"defaultSampleRate"`
	SampleRates       []float64 `json:"sampleRates,omitempty"`
	// HostAPI names the backend API, such as "Core Audio" or "ALSA".
	HostAPI string `json:"hostApi,omitempty"`
}

func (a AudioDevice) CanInput() bool  { return a.InputChannels > 0 }
func (a AudioDevice) CanOutput() bool { return a.OutputChannels > 0 }

func (a AudioDevice) IsInputOutput() bool { return a.CanInput() && a.CanOutput() }

// CommonSampleRates returns the rates both devices support, in a's order.
func (a AudioDevice) CommonSampleRates(other AudioDevice) []float64 {
	var common []float64
	for _, r := range a.SampleRates {
		if slices.Contains(other.SampleRates, r) {
			common = append(common, r)
		}
	}
	return common
}

// AudioDevices is a device list with filters.
type AudioDevices []AudioDevice

func (ds AudioDevices) filter(keep func(AudioDevice) bool) AudioDevices {
	var out AudioDevices
	for _, d := range ds {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// Inputs returns the devices that can capture audio.
func (ds AudioDevices) Inputs() AudioDevices {
	return ds.filter(AudioDevice.CanInput)
}

// Outputs returns the devices that can play audio.
func (ds AudioDevices) Outputs() AudioDevices {
	return ds.filter(AudioDevice.CanOutput)
}

func (ds AudioDevices) InputOutput() AudioDevices {
	return ds.filter(AudioDevice.IsInputOutput)
}

func (ds AudioDevices) Online() AudioDevices {
	return ds.filter(func(d AudioDevice) bool { return d.IsOnline })
}

// ByHostAPI returns the devices of one backend API.
func (ds AudioDevices) ByHostAPI(api string) AudioDevices {
	return ds.filter(func(d AudioDevice) bool { return strings.EqualFold(d.HostAPI, api) })
}

// ByUID returns the device with the given UID.
func (ds AudioDevices) ByUID(uid string) (AudioDevice, bool) {
	for _, d := range ds {
		if d.UID == uid {
			return d, true
		}
	}
	return AudioDevice{}, false
}

// MIDIDevice is a MIDI endpoint pair. Inputs and outputs with the same name
// are reported as one device.
type MIDIDevice struct {
	Device
	InputNumber  int  `json:"inputNumber"`
	OutputNumber int  `json:"outputNumber"`
	IsInput      bool `json:"isInput"`
	IsOutput     bool `json:"isOutput"`
}

func (m MIDIDevice) CanInput() bool      { return m.IsInput }
func (m MIDIDevice) CanOutput() bool     { return m.IsOutput }
func (m MIDIDevice) IsInputOutput() bool { return m.IsInput && m.IsOutput }

// MIDIDevices is a device list with filters.
type MIDIDevices []MIDIDevice

func (ds MIDIDevices) filter(keep func(MIDIDevice) bool) MIDIDevices {
	var out MIDIDevices
	for _, d := range ds {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func (ds MIDIDevices) Inputs() MIDIDevices      { return ds.filter(MIDIDevice.CanInput) }
func (ds MIDIDevices) Outputs() MIDIDevices     { return ds.filter(MIDIDevice.CanOutput) }
func (ds MIDIDevices) InputOutput() MIDIDevices { return ds.filter(MIDIDevice.IsInputOutput) }

func (ds MIDIDevices) Online() MIDIDevices {
	return ds.filter(func(d MIDIDevice) bool { return d.IsOnline })
}

// ByName returns the devices whose name contains pattern, ignoring case.
func (ds MIDIDevices) ByName(pattern string) MIDIDevices {
	pattern = strings.ToLower(pattern)
	return ds.filter(func(d MIDIDevice) bool { return strings.Contains(strings.ToLower(d.Name), pattern) })
}

// MIDIFromDriver lists the ports of a gomidi driver as devices.
func MIDIFromDriver(drv drivers.Driver) (MIDIDevices, error) {
	ins, err := drv.Ins()
	if err != nil {
		return nil, err
	}
	outs, err := drv.Outs()
	if err != nil {
		return nil, err
	}
	var ds MIDIDevices
	index := make(map[string]int)
	get := func(name string) *MIDIDevice {
		if i, ok := index[name]; ok {
			return &ds[i]
		}
		index[name] = len(ds)
		ds = append(ds, MIDIDevice{
			Device:       Device{Name: name, UID: drv.String() + ":" + name, IsOnline: true},
			InputNumber:  -1,
			OutputNumber: -1,
		})
		return &ds[len(ds)-1]
	}
	for _, in := range ins {
		d := get(in.String())
		d.IsInput, d.InputNumber = true, in.Number()
	}
	for _, out := range outs {
		d := get(out.String())
		d.IsOutput, d.OutputNumber = true, out.Number()
	}
	return ds, nil
}

// AudioLister enumerates audio devices. The PortAudio backend implements
// it; without one the engine sees no audio hardware.
type AudioLister interface {
	AudioDevices() (AudioDevices, error)
}
