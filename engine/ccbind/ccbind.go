// Package ccbind maps incoming MIDI control changes to control ports.
package ccbind

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
	"gitlab.com/gomidi/midi/v2"
)

var (
	ErrNotBindable      = errors.New("ccbind: only control ports can be bound")
	ErrUnknownPort      = errors.New("ccbind: unknown port")
	ErrNotControlChange = errors.New("ccbind: message is not a control change")
	ErrNoBinding        = errors.New("ccbind: no such binding")
)

// Binding routes one controller on one MIDI channel to a control port.
type Binding struct {
	// Key holds the status and controller bytes that select the binding.
	// The value byte is ignored when matching.
	Key [3]byte `json:"key"`
	// DeviceID restricts the binding to one device. Empty matches any.
	DeviceID string   `json:"deviceId,omitempty"`
	Port     ident.ID `json:"port"`
	Enabled  bool     `json:"enabled"`

	target *port.Port
}

func (b *Binding) matches(buf [3]byte, deviceID string) bool {
	return b.Enabled && b.Key[0] == buf[0] && b.Key[1] == buf[1] &&
		(b.DeviceID == "" || b.DeviceID == deviceID)
}

func (b Binding) String() string {
	var ch, cc, val uint8
	midi.Message(b.Key[:]).GetControlChange(&ch, &cc, &val)
	dev := b.DeviceID
	if dev == "" {
		dev = "any"
	}
	return fmt.Sprintf("ch%d cc%d (%s) -> %s", ch+1, cc, dev, b.Port.Short())
}

// Table holds the bindings. Apply reads an immutable snapshot and never
// takes the lock; edits copy the snapshot and publish a new one.
type Table struct {
	r graph.Resolver

	mu       sync.Mutex
	bindings atomic.Pointer[[]Binding]
	learning atomic.Pointer[ident.ID]
}

func New(r graph.Resolver) *Table {
	t := &Table{r: r}
	t.bindings.Store(&[]Binding{})
	return t
}

func (t *Table) snapshot() []Binding { return *t.bindings.Load() }

func (t *Table) resolve(id ident.ID) (*port.Port, error) {
	p, ok := t.r.Port(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPort, id.Short())
	}
	if p.Kind() != port.KindControl {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotBindable, p.Label(), p.Kind())
	}
	return p, nil
}

func controlChange(buf [3]byte) bool {
	var ch, cc, val uint8
	return midi.Message(buf[:]).GetControlChange(&ch, &cc, &val)
}

// Bind adds a binding from the controller in buf to the port and returns
// its index.
func (t *Table) Bind(buf [3]byte, deviceID string, portID ident.ID) (int, error) {
	if !controlChange(buf) {
		return -1, ErrNotControlChange
	}
	p, err := t.resolve(portID)
	if err != nil {
		return -1, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.add(Binding{Key: buf, DeviceID: deviceID, Port: portID, Enabled: true, target: p}), nil
}

// add appends b. The caller holds mu.
func (t *Table) add(b Binding) int {
	old := t.snapshot()
	next := make([]Binding, len(old), len(old)+1)
	copy(next, old)
	next = append(next, b)
	t.bindings.Store(&next)
	return len(next) - 1
}

// Unbind removes the binding at index i.
func (t *Table) Unbind(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.snapshot()
	if i < 0 || i >= len(old) {
		return ErrNoBinding
	}
	next := make([]Binding, 0, len(old)-1)
	next = append(next, old[:i]...)
	next = append(next, old[i+1:]...)
	t.bindings.Store(&next)
	return nil
}

// SetEnabled enables or disables the binding at index i.
func (t *Table) SetEnabled(i int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.snapshot()
	if i < 0 || i >= len(old) {
		return ErrNoBinding
	}
	next := append([]Binding(nil), old...)
	next[i].Enabled = on
	t.bindings.Store(&next)
	return nil
}

// Bindings returns a copy of the table.
func (t *Table) Bindings() []Binding {
	return append([]Binding(nil), t.snapshot()...)
}

func (t *Table) Len() int { return len(t.snapshot()) }

// Learn makes the next control change passed to Apply bind to the port.
func (t *Table) Learn(portID ident.ID) error {
	if _, err := t.resolve(portID); err != nil {
		return err
	}
	t.learning.Store(&portID)
	return nil
}

// CancelLearn stops a pending Learn.
func (t *Table) CancelLearn() { t.learning.Store(nil) }

// Learning reports whether a Learn is pending.
func (t *Table) Learning() bool { return t.learning.Load() != nil }

// Apply forwards an incoming control change to every matching binding and
// returns how many ports it changed. Toggle ports switch on at values of
// 64 and above; other ports take value/127 as a normalized position.
func (t *Table) Apply(buf [3]byte, deviceID string) int {
	if !controlChange(buf) {
		return 0
	}
	if id := t.learning.Swap(nil); id != nil {
		if _, err := t.Bind(buf, deviceID, *id); err != nil {
			return 0
		}
	}
	n := 0
	bs := t.snapshot()
	for i := range bs {
		b := &bs[i]
		if !b.matches(buf, deviceID) || b.target == nil {
			continue
		}
		if b.target.Is(port.FlagToggle) {
			b.target.SetToggled(buf[2] >= 64)
		} else {
			b.target.SetNormalized(min(float32(buf[2])/127, 1))
		}
		n++
	}
	return n
}

// State returns the bindings for persistence.
func (t *Table) State() []Binding { return t.Bindings() }

// SetState replaces the table. Every port must resolve; on failure the
// table is left unchanged.
func (t *Table) SetState(bs []Binding) error {
	next := make([]Binding, len(bs))
	for i, b := range bs {
		if !controlChange(b.Key) {
			return fmt.Errorf("binding %d: %w", i, ErrNotControlChange)
		}
		p, err := t.resolve(b.Port)
		if err != nil {
			return fmt.Errorf("binding %d: %w", i, err)
		}
		b.target = p
		next[i] = b
	}
	t.mu.Lock()
	t.bindings.Store(&next)
	t.mu.Unlock()
	return nil
}
