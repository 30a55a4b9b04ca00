package patchbay

import (
	"sync"
	"testing"

	"github.com/shaban/patchbay/engine/port"
	"github.com/shaban/patchbay/internal/logging"
	"github.com/shaban/patchbay/internal/testutil"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// constMaterial renders a constant level on both channels.
type constMaterial float32

func (m constMaterial) Render(_ port.TimeInfo, l, r []float32, _ *port.EventList) {
	for i := range l {
		l[i] += float32(m)
		r[i] += float32(m)
	}
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) HandleError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) all() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func testConfig() Config {
	return Config{
		Name:       "test",
		SampleRate: testutil.SampleRate,
		BufferSize: testutil.BlockSize,
		FadeFrames: 64,
		Logger:     logging.Discard(),
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *errorLog) {
	t.Helper()
	errs := &errorLog{}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = errs
	}
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e, errs
}

func mustTrack(t *testing.T, e *Engine, cfg TrackConfig) *Track {
	t.Helper()
	tr, err := e.CreateTrack(cfg)
	if err != nil {
		t.Fatalf("create %q: %v", cfg.Name, err)
	}
	return tr
}

type fakePort struct {
	mu   sync.Mutex
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
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recv = onMsg
	return func() {
		p.mu.Lock()
		p.recv = nil
		p.mu.Unlock()
	}, nil
}

func (p *fakePort) send(msg ...byte) {
	p.mu.Lock()
	recv := p.recv
	p.mu.Unlock()
	if recv != nil {
		recv(msg, 0)
	}
}

type fakeDriver struct {
	mu  sync.Mutex
	ins []*fakePort
}

func (d *fakeDriver) Ins() ([]drivers.In, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ins []drivers.In
	for _, p := range d.ins {
		ins = append(ins, p)
	}
	return ins, nil
}

func (d *fakeDriver) Outs() ([]drivers.Out, error) { return nil, nil }
func (d *fakeDriver) String() string               { return "fake" }
func (d *fakeDriver) Close() error                 { return nil }

func (d *fakeDriver) plug(name string) *fakePort {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &fakePort{name: name, num: len(d.ins)}
	d.ins = append(d.ins, p)
	return p
}

func (d *fakeDriver) unplug(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.ins {
		if p.name == name {
			d.ins = append(d.ins[:i], d.ins[i+1:]...)
			return
		}
	}
}
