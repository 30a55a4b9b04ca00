package patchbay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaban/patchbay/devices"
	"github.com/shaban/patchbay/internal/logging"
)

// DeviceCallbacks receive hotplug events. They run on the monitor's
// goroutine; nil callbacks are skipped.
type DeviceCallbacks struct {
	AudioAdded    func(devices.AudioDevice)
	AudioRemoved  func(uid string)
	MIDIAdded     func(devices.MIDIDevice)
	MIDIRemoved   func(uid string)
	StatusChanged func(uid string, online bool)
}

// DeviceMonitor polls the hardware layer and reports devices that appear,
// disappear or change their online status. Polling starts fast and slows
// down while nothing changes.
type DeviceMonitor struct {
	engine *Engine
	log    *logging.Logger

	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	callbacks DeviceCallbacks

	baseInterval    time.Duration
	maxInterval     time.Duration
	currentInterval time.Duration
	noChangeCount   int

	audio map[string]devices.AudioDevice
	midi  map[string]devices.MIDIDevice

	averageCheckTime time.Duration
	maxCheckTime     time.Duration
	checkCount       int64
}

func NewDeviceMonitor(e *Engine) *DeviceMonitor {
	return &DeviceMonitor{
		engine:          e,
		log:             e.log.With("devices"),
		baseInterval:    50 * time.Millisecond,
		maxInterval:     200 * time.Millisecond,
		currentInterval: 50 * time.Millisecond,
	}
}

// Start takes a first snapshot and begins polling.
func (dm *DeviceMonitor) Start() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.cancel != nil {
		return errors.New("device monitor is already running")
	}
	if err := dm.engine.hw.Scan(); err != nil {
		return fmt.Errorf("initial device scan: %w", err)
	}
	dm.audio = indexAudio(dm.engine.hw.Audio())
	dm.midi = indexMIDI(dm.engine.hw.MIDI())
	dm.noChangeCount = 0
	dm.currentInterval = dm.baseInterval

	ctx, cancel := context.WithCancel(context.Background())
	dm.cancel = cancel
	dm.done = make(chan struct{})
	go dm.loop(ctx, dm.done)
	dm.log.Debugf("monitoring %d audio and %d MIDI devices", len(dm.audio), len(dm.midi))
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (dm *DeviceMonitor) Stop() {
	dm.mu.Lock()
	cancel, done := dm.cancel, dm.done
	dm.cancel, dm.done = nil, nil
	dm.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (dm *DeviceMonitor) IsRunning() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.cancel != nil
}

func (dm *DeviceMonitor) SetCallbacks(cb DeviceCallbacks) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.callbacks = cb
}

// PollingInterval returns the current adaptive interval.
func (dm *DeviceMonitor) PollingInterval() time.Duration {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.currentInterval
}

// PerformanceStats returns the average and maximum scan time and the
// number of scans.
func (dm *DeviceMonitor) PerformanceStats() (avg, maxTime time.Duration, checks int64) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.averageCheckTime, dm.maxCheckTime, dm.checkCount
}

func (dm *DeviceMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := dm.PollingInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dm.Check()
			if next := dm.PollingInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Check scans once and fires the callbacks for every difference from the
// previous scan. It reports whether anything changed.
func (dm *DeviceMonitor) Check() bool {
	start := time.Now()
	if err := dm.engine.hw.Scan(); err != nil {
		dm.engine.errorHandler.HandleError(fmt.Errorf("device scan: %w", err))
		return false
	}
	audio := indexAudio(dm.engine.hw.Audio())
	midi := indexMIDI(dm.engine.hw.MIDI())
	elapsed := time.Since(start)

	dm.mu.Lock()
	prevAudio, prevMIDI := dm.audio, dm.midi
	dm.audio, dm.midi = audio, midi
	cb := dm.callbacks
	dm.record(elapsed)
	dm.mu.Unlock()

	changed := false
	for uid, d := range audio {
		old, ok := prevAudio[uid]
		switch {
		case !ok:
			changed = true
			dm.log.Infof("audio device added: %s", d.Name)
			if cb.AudioAdded != nil {
				cb.AudioAdded(d)
			}
		case old.IsOnline != d.IsOnline:
			changed = true
			if cb.StatusChanged != nil {
				cb.StatusChanged(uid, d.IsOnline)
			}
		}
	}
	for uid, d := range prevAudio {
		if _, ok := audio[uid]; !ok {
			changed = true
			dm.log.Infof("audio device removed: %s", d.Name)
			if cb.AudioRemoved != nil {
				cb.AudioRemoved(uid)
			}
		}
	}
	for uid, d := range midi {
		old, ok := prevMIDI[uid]
		switch {
		case !ok:
			changed = true
			dm.log.Infof("MIDI device added: %s", d.Name)
			if cb.MIDIAdded != nil {
				cb.MIDIAdded(d)
			}
		case old.IsOnline != d.IsOnline:
			changed = true
			if cb.StatusChanged != nil {
				cb.StatusChanged(uid, d.IsOnline)
			}
		}
	}
	for uid, d := range prevMIDI {
		if _, ok := midi[uid]; !ok {
			changed = true
			dm.log.Infof("MIDI device removed: %s", d.Name)
			if cb.MIDIRemoved != nil {
				cb.MIDIRemoved(uid)
			}
		}
	}

	dm.adapt(changed)
	return changed
}

// record updates the scan statistics. Called with mu held.
func (dm *DeviceMonitor) record(elapsed time.Duration) {
	dm.checkCount++
	if dm.checkCount == 1 {
		dm.averageCheckTime = elapsed
	} else {
		dm.averageCheckTime = time.Duration(float64(dm.averageCheckTime)*0.9 + float64(elapsed)*0.1)
	}
	dm.maxCheckTime = max(dm.maxCheckTime, elapsed)
}

// adapt resets to the base interval after a change. After ten quiet scans
// the interval grows by a tenth per scan up to the maximum.
func (dm *DeviceMonitor) adapt(changed bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if changed {
		dm.noChangeCount = 0
		dm.currentInterval = dm.baseInterval
		return
	}
	dm.noChangeCount++
	if dm.noChangeCount > 10 {
		dm.currentInterval = min(time.Duration(float64(dm.currentInterval)*1.1), dm.maxInterval)
	}
}

func indexAudio(ds devices.AudioDevices) map[string]devices.AudioDevice {
	m := make(map[string]devices.AudioDevice, len(ds))
	for _, d := range ds {
		m[d.UID] = d
	}
	return m
}

func indexMIDI(ds devices.MIDIDevices) map[string]devices.MIDIDevice {
	m := make(map[string]devices.MIDIDevice, len(ds))
	for _, d := range ds {
		m[d.UID] = d
	}
	return m
}
