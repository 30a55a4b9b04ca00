package patchbay

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shaban/patchbay/devices"
)

type fakeAudio struct {
	mu sync.Mutex
	ds devices.AudioDevices
}

func (f *fakeAudio) AudioDevices() (devices.AudioDevices, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ds), nil
}

func (f *fakeAudio) set(ds ...devices.AudioDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ds = ds
}

type hotplugLog struct {
	mu     sync.Mutex
	events []string
}

func (h *hotplugLog) add(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *hotplugLog) take() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	evs := h.events
	h.events = nil
	slices.Sort(evs)
	return evs
}

func TestDeviceMonitorReportsChanges(t *testing.T) {
	drv := &fakeDriver{}
	drv.plug("Keys")
	audio := &fakeAudio{}
	audio.set(devices.AudioDevice{Device: devices.Device{Name: "Mic", UID: "mic", IsOnline: true}, InputChannels: 1})

	cfg := testConfig()
	cfg.MIDIDriver = drv
	cfg.AudioDevices = audio
	e, _ := newTestEngine(t, cfg)

	log := &hotplugLog{}
	dm := e.DeviceMonitor()
	dm.SetCallbacks(DeviceCallbacks{
		AudioAdded:    func(d devices.AudioDevice) { log.add("audio+" + d.UID) },
		AudioRemoved:  func(uid string) { log.add("audio-" + uid) },
		MIDIAdded:     func(d devices.MIDIDevice) { log.add("midi+" + d.UID) },
		MIDIRemoved:   func(uid string) { log.add("midi-" + uid) },
		StatusChanged: func(uid string, online bool) {
			if online {
				log.add("up " + uid)
			} else {
				log.add("down " + uid)
			}
		},
	})
	if err := dm.Start(); err != nil {
		t.Fatal(err)
	}
	// drive the checks by hand
	dm.Stop()

	steps := []struct {
		name   string
		change func()
		want   []string
	}{
		{"nothing", func() {}, nil},
		{"plug MIDI", func() { drv.plug("Pads") }, []string{"midi+fake:Pads"}},
		{"unplug MIDI", func() { drv.unplug("Keys") }, []string{"midi-fake:Keys"}},
		{"swap audio", func() {
			audio.set(devices.AudioDevice{Device: devices.Device{Name: "Interface", UID: "if", IsOnline: true}, InputChannels: 2})
		}, []string{"audio+if", "audio-mic"}},
		{"offline", func() {
			audio.set(devices.AudioDevice{Device: devices.Device{Name: "Interface", UID: "if"}, InputChannels: 2})
		}, []string{"down if"}},
	}
	for _, s := range steps {
		s.change()
		changed := dm.Check()
		if changed != (len(s.want) > 0) {
			t.Errorf("%s: changed = %v", s.name, changed)
		}
		if got := log.take(); !slices.Equal(got, s.want) {
			t.Errorf("%s: events %v, want %v", s.name, got, s.want)
		}
	}
	if _, _, checks := dm.PerformanceStats(); checks != int64(len(steps)) {
		t.Errorf("checks = %d, want %d", checks, len(steps))
	}
}

func TestDeviceMonitorAdaptsInterval(t *testing.T) {
	cfg := testConfig()
	cfg.MIDIDriver = &fakeDriver{}
	e, _ := newTestEngine(t, cfg)
	dm := e.DeviceMonitor()

	if got := dm.PollingInterval(); got != 50*time.Millisecond {
		t.Fatalf("initial interval = %v", got)
	}
	for n := 0; n < 10; n++ {
		dm.Check()
	}
	if got := dm.PollingInterval(); got != 50*time.Millisecond {
		t.Errorf("interval grew before ten quiet scans: %v", got)
	}
	for n := 0; n < 50; n++ {
		dm.Check()
	}
	if got := dm.PollingInterval(); got != 200*time.Millisecond {
		t.Errorf("interval = %v, want the 200ms cap", got)
	}

	drv := cfg.MIDIDriver.(*fakeDriver)
	drv.plug("Keys")
	if !dm.Check() {
		t.Fatal("new device not detected")
	}
	if got := dm.PollingInterval(); got != 50*time.Millisecond {
		t.Errorf("interval after change = %v, want 50ms", got)
	}
}

func TestDeviceMonitorLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.MIDIDriver = &fakeDriver{}
	e, _ := newTestEngine(t, cfg)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	dm := e.DeviceMonitor()
	if !dm.IsRunning() {
		t.Fatal("monitor not started with the engine")
	}
	if err := dm.Start(); err == nil {
		t.Error("second Start succeeded")
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if dm.IsRunning() {
		t.Error("monitor still running after engine Stop")
	}
}
