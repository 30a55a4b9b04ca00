package devices

import (
	"errors"
	"testing"

	"github.com/shaban/patchbay/engine/port"
	"gitlab.com/gomidi/midi/v2/drivers"
)

type fakePort struct {
	name string
	num  int
	open bool
	recv func([]byte, int32)
}

func (p *fakePort) Open() error {
	p.open = true
	return nil
}

func (p *fakePort) Close() error {
	p.open = false
	return nil
}

func (p *fakePort) IsOpen() bool            { return p.open }
func (p *fakePort) Number() int             { return p.num }
func (p *fakePort) String() string          { return p.name }
func (p *fakePort) Underlying() interface{} { return nil }
func (p *fakePort) Send([]byte) error       { return nil }

func (p *fakePort) Listen(onMsg func([]byte, int32), _ drivers.ListenConfig) (func(), error) {
	p.recv = onMsg
	return func() { p.recv = nil }, nil
}

func (p *fakePort) send(msg ...byte) {
	if p.recv != nil {
		p.recv(msg, 0)
	}
}

type fakeDriver struct {
	ins  []*fakePort
	outs []*fakePort
}

func (d *fakeDriver) Ins() ([]drivers.In, error) {
	var ins []drivers.In
	for _, p := range d.ins {
		ins = append(ins, p)
	}
	return ins, nil
}

func (d *fakeDriver) Outs() ([]drivers.Out, error) {
	var outs []drivers.Out
	for _, p := range d.outs {
		outs = append(outs, p)
	}
	return outs, nil
}

func (d *fakeDriver) String() string { return "fake" }
func (d *fakeDriver) Close() error   { return nil }

type fakeAudio AudioDevices

func (f fakeAudio) AudioDevices() (AudioDevices, error) { return AudioDevices(f), nil }

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		ins:  []*fakePort{{name: "Keys", num: 0}, {name: "Pads", num: 1}},
		outs: []*fakePort{{name: "Keys", num: 0}, {name: "Synth", num: 1}},
	}
}

func TestMIDIFromDriverMergesEndpoints(t *testing.T) {
	ds, err := MIDIFromDriver(newFakeDriver())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		filter MIDIDevices
		want   int
	}{
		{ds, 3},
		{ds.Inputs(), 2},
		{ds.Outputs(), 2},
		{ds.InputOutput(), 1},
		{ds.ByName("pad"), 1},
		{ds.Online(), 3},
	}
	for i, tt := range tests {
		if len(tt.filter) != tt.want {
			t.Errorf("filter %d: %d devices, want %d", i, len(tt.filter), tt.want)
		}
	}
	keys := ds.ByName("keys")[0]
	if keys.InputNumber != 0 || keys.OutputNumber != 0 || keys.UID != "fake:Keys" {
		t.Errorf("keys = %+v", keys)
	}
	if synth := ds.ByName("synth")[0]; synth.InputNumber != -1 {
		t.Errorf("output-only device has input number %d", synth.InputNumber)
	}
}

func TestAudioFilters(t *testing.T) {
	ds := AudioDevices{
		{Device: Device{Name: "Mic", UID: "mic", IsOnline: true}, InputChannels: 1, SampleRates: []float64{44100, 48000}},
		{Device: Device{Name: "Interface", UID: "if", IsOnline: true}, InputChannels: 2, OutputChannels: 2, SampleRates: []float64{48000, 96000}, HostAPI: "ALSA"},
		{Device: Device{Name: "Speakers", UID: "spk"}, OutputChannels: 2},
	}
	tests := []struct {
		name string
		got  AudioDevices
		want int
	}{
		{"inputs", ds.Inputs(), 2},
		{"outputs", ds.Outputs(), 2},
		{"duplex", ds.InputOutput(), 1},
		{"online", ds.Online(), 2},
		{"host api", ds.ByHostAPI("alsa"), 1},
	}
	for _, tt := range tests {
		if len(tt.got) != tt.want {
			t.Errorf("%s: %d devices, want %d", tt.name, len(tt.got), tt.want)
		}
	}
	if common := ds[0].CommonSampleRates(ds[1]); len(common) != 1 || common[0] != 48000 {
		t.Errorf("common rates = %v", common)
	}
}

func TestExposeMIDI(t *testing.T) {
	drv := newFakeDriver()
	hw := NewHardware(drv, nil)
	var ccs [][3]byte
	hw.SetCCHandler(func(buf [3]byte, dev string) {
		if dev == "Keys" {
			ccs = append(ccs, buf)
		}
	})
	hw.Prepare(48000, 64)

	p, err := hw.ExposeMIDI("Keys")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Is(port.FlagHardware) || p.Identity().Owner != port.OwnerHardware || p.Flow() != port.FlowOutput {
		t.Fatalf("unexpected port identity %s", p)
	}
	if _, err := hw.ExposeMIDI("Keys"); !errors.Is(err, ErrExposed) {
		t.Fatalf("second expose err = %v", err)
	}
	if _, err := hw.ExposeMIDI("Nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown device err = %v", err)
	}

	drv.ins[0].send(0x90, 60, 100)
	drv.ins[0].send(0xB0, 7, 90)
	ti := port.TimeInfo{Offset: 16, Frames: 32}
	hw.Process(ti)

	evs := p.Events().Range(ti.Offset, ti.End())
	if len(evs) != 2 || evs[0].Frame != 16 {
		t.Fatalf("events = %+v", evs)
	}
	if len(ccs) != 1 || ccs[0] != [3]byte{0xB0, 7, 90} {
		t.Fatalf("cc handler saw %v", ccs)
	}

	removed, err := hw.Unexpose("Keys")
	if err != nil || len(removed) != 1 || removed[0] != p {
		t.Fatalf("unexpose = %v, %v", removed, err)
	}
	if drv.ins[0].recv != nil {
		t.Fatal("listener still attached after unexpose")
	}
}

func TestExposeAudio(t *testing.T) {
	hw := NewHardware(nil, fakeAudio{{Device: Device{Name: "Interface", UID: "if"}, InputChannels: 2}})
	if err := hw.Scan(); err != nil {
		t.Fatal(err)
	}
	hw.Prepare(48000, 64)

	ports, err := hw.ExposeAudio("if", 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(ports) != 2 || !ports[0].Is(port.FlagStereoL) || !ports[1].Is(port.FlagStereoR) {
		t.Fatalf("ports = %v", ports)
	}

	samples := make([]float32, 40)
	for i := range samples {
		samples[i] = 0.25
	}
	if n := hw.FeedAudio("if", 0, samples); n != 40 {
		t.Fatalf("fed %d samples", n)
	}
	hw.Process(port.TimeInfo{Frames: 64})

	buf := ports[0].Buffer()
	if buf[0] != 0.25 || buf[39] != 0.25 || buf[40] != 0 {
		t.Fatalf("left = %v %v %v", buf[0], buf[39], buf[40])
	}
	for _, v := range ports[1].Buffer() {
		if v != 0 {
			t.Fatal("right channel not silent")
		}
	}
	if _, err := hw.ExposeAudio("missing", 0); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("missing device err = %v", err)
	}
	if got := len(hw.Ports()); got != 2 {
		t.Fatalf("ports = %d", got)
	}
}
