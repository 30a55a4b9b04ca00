package channel

import (
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

// Terminal is a set of summing ports at either end of a strip. Its ports
// are outputs: whatever edges feed them are summed each cycle, and the
// sum is what the next stage reads.
type Terminal struct {
	audio  []*port.Port
	events []*port.Port
	all    []*port.Port
}

type terminalPort struct {
	label, symbol string
	kind          port.Kind
	flags         port.Flags
}

func newTerminal(trackID ident.ID, group string, ids map[string]ident.ID, specs ...terminalPort) *Terminal {
	t := &Terminal{}
	for _, s := range specs {
		opts := []port.Option{
			port.WithSymbol(s.symbol), port.WithTrack(trackID),
			port.WithGroup(group), port.WithFlags(s.flags),
		}
		if id, ok := ids[s.symbol]; ok {
			opts = append(opts, port.WithID(id))
		}
		p := port.New(s.label, s.kind, port.FlowOutput, port.OwnerChannel, opts...)
		if s.kind == port.KindEvent {
			t.events = append(t.events, p)
		} else {
			t.audio = append(t.audio, p)
		}
	}
	t.all = make([]*port.Port, 0, len(t.audio)+len(t.events))
	t.all = append(t.all, t.audio...)
	t.all = append(t.all, t.events...)
	return t
}

// Inputs is empty: a terminal is fed by edges, not by input ports.
func (t *Terminal) Inputs(kind port.Kind) []*port.Port { return nil }

func (t *Terminal) Outputs(kind port.Kind) []*port.Port {
	switch kind {
	case port.KindAudio:
		return t.audio
	case port.KindEvent:
		return t.events
	}
	return nil
}

func (t *Terminal) Ports() []*port.Port { return t.all }

// Process sums the incoming edges of every port.
func (t *Terminal) Process(ti port.TimeInfo) {
	for _, p := range t.audio {
		p.Clear(ti)
		p.Process(ti)
	}
	for _, p := range t.events {
		p.Clear(ti)
		p.Process(ti)
	}
}
