//go:build portmidi

package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/rakyll/portmidi"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// PortMidi is a gomidi driver backed by PortMidi. Inputs are polled on a
// goroutine per listener.
type PortMidi struct {
	// PollInterval is the delay between reads of an idle input.
	PollInterval time.Duration
}

// NewPortMidi initializes PortMidi.
func NewPortMidi() (*PortMidi, error) {
	if err := portmidi.Initialize(); err != nil {
		return nil, fmt.Errorf("portmidi: %w", err)
	}
	return &PortMidi{PollInterval: time.Millisecond}, nil
}

func (d *PortMidi) String() string { return "portmidi" }

func (d *PortMidi) Close() error { return portmidi.Terminate() }

func (d *PortMidi) Ins() ([]drivers.In, error) {
	var ins []drivers.In
	for i := 0; i < portmidi.CountDevices(); i++ {
		id := portmidi.DeviceID(i)
		if info := portmidi.Info(id); info != nil && info.IsInputAvailable {
			ins = append(ins, &pmIn{pmPort: pmPort{id: id, name: info.Name}, poll: d.PollInterval})
		}
	}
	return ins, nil
}

func (d *PortMidi) Outs() ([]drivers.Out, error) {
	var outs []drivers.Out
	for i := 0; i < portmidi.CountDevices(); i++ {
		id := portmidi.DeviceID(i)
		if info := portmidi.Info(id); info != nil && info.IsOutputAvailable {
			outs = append(outs, &pmOut{pmPort: pmPort{id: id, name: info.Name}})
		}
	}
	return outs, nil
}

type pmPort struct {
	id     portmidi.DeviceID
	name   string
	mu     sync.Mutex
	stream *portmidi.Stream
}

func (p *pmPort) Number() int             { return int(p.id) }
func (p *pmPort) String() string          { return p.name }
func (p *pmPort) Underlying() interface{} { return p.stream }

func (p *pmPort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

func (p *pmPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	return err
}

type pmIn struct {
	pmPort
	poll time.Duration
}

func (p *pmIn) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}
	s, err := portmidi.NewInputStream(p.id, 1024)
	if err != nil {
		return fmt.Errorf("portmidi: open input %s: %w", p.name, err)
	}
	p.stream = s
	return nil
}

// Listen polls the stream until the returned stop function is called.
func (p *pmIn) Listen(onMsg func(msg []byte, milliseconds int32), _ drivers.ListenConfig) (func(), error) {
	if err := p.Open(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	s := p.stream
	p.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(p.poll)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}
			if ok, err := s.Poll(); err != nil || !ok {
				continue
			}
			events, err := s.Read(1024)
			if err != nil {
				continue
			}
			for _, ev := range events {
				msg := []byte{byte(ev.Status), byte(ev.Data1), byte(ev.Data2)}
				onMsg(msg[:messageLen(msg[0])], int32(ev.Timestamp))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}, nil
}

type pmOut struct {
	pmPort
}

func (p *pmOut) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}
	s, err := portmidi.NewOutputStream(p.id, 1024, 0)
	if err != nil {
		return fmt.Errorf("portmidi: open output %s: %w", p.name, err)
	}
	p.stream = s
	return nil
}

func (p *pmOut) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := p.Open(); err != nil {
		return err
	}
	var b [3]int64
	for i := 0; i < len(data) && i < 3; i++ {
		b[i] = int64(data[i])
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream.WriteShort(b[0], b[1], b[2])
}
