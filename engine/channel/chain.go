package channel

import (
	"slices"

	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

// stage is anything that can sit in the strip's chain.
type stage interface {
	Inputs(kind port.Kind) []*port.Port
	Outputs(kind port.Kind) []*port.Port
}

// signalKinds are the kinds the chain carries between stages.
var signalKinds = [...]port.Kind{port.KindAudio, port.KindEvent}

// Chain positions. Position 0 is the head terminal and the last position
// is the pre-fader stage; both are always occupied.
const (
	headPos       = 0
	midiFxPos     = 1
	instrumentPos = midiFxPos + NumMIDIFx
	insertPos     = instrumentPos + 1
	prefaderPos   = insertPos + NumInserts
	chainLen      = prefaderPos + 1
)

// link wires a's outputs of kind to b's inputs with locked edges. A single
// output fans out to every input, many outputs into a single input are
// summed, otherwise channels pair up in order.
func link(g *graph.Graph, a, b stage, kind port.Kind) error {
	outs, ins := a.Outputs(kind), b.Inputs(kind)
	if len(outs) == 0 || len(ins) == 0 {
		return nil
	}
	connect := func(src, dst *port.Port) error {
		return g.Connect(src.ID(), dst.ID(), graph.Locked())
	}
	switch {
	case len(outs) == 1:
		for _, in := range ins {
			if err := connect(outs[0], in); err != nil {
				return err
			}
		}
	case len(ins) == 1:
		for _, out := range outs {
			if err := connect(out, ins[0]); err != nil {
				return err
			}
		}
	default:
		for i := 0; i < min(len(outs), len(ins)); i++ {
			if err := connect(outs[i], ins[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// unlink removes the locked edges from a to b of the given kind.
func unlink(g *graph.Graph, a, b stage, kind port.Kind) error {
	ins := b.Inputs(kind)
	if len(ins) == 0 {
		return nil
	}
	ids := make([]ident.ID, len(ins))
	for i, p := range ins {
		ids[i] = p.ID()
	}
	var edges []graph.Connection
	for _, out := range a.Outputs(kind) {
		for _, c := range g.DestinationsOf(out.ID(), graph.All) {
			if c.Locked && slices.Contains(ids, c.Dst) {
				edges = append(edges, c)
			}
		}
	}
	return g.DisconnectAll(edges)
}

// stageAt returns the stage at pos, or nil if the slot is empty.
func (c *Channel) stageAt(pos int) stage {
	switch pos {
	case headPos:
		return c.head
	case prefaderPos:
		return faderStage{c.prefader}
	}
	if p := c.slots[pos-1]; p != nil {
		return p
	}
	return nil
}

// producer finds the nearest occupied stage before pos with outputs of kind.
func (c *Channel) producer(pos int, kind port.Kind) stage {
	for i := pos - 1; i >= headPos; i-- {
		if s := c.stageAt(i); s != nil && len(s.Outputs(kind)) > 0 {
			return s
		}
	}
	return nil
}

// consumer finds the nearest occupied stage after pos with inputs of kind.
func (c *Channel) consumer(pos int, kind port.Kind) stage {
	for i := pos + 1; i < chainLen; i++ {
		if s := c.stageAt(i); s != nil && len(s.Inputs(kind)) > 0 {
			return s
		}
	}
	return nil
}

// splice links the stage now at pos into the chain. For every signal kind
// only the two boundaries around pos change: the producer before it is
// rewired to the stage, and the stage to the consumer after it. A stage
// that produces a kind takes over the producer's edge to the consumer.
func (c *Channel) splice(pos int) error {
	node := c.stageAt(pos)
	for _, kind := range signalKinds {
		prev, next := c.producer(pos, kind), c.consumer(pos, kind)
		passes := len(node.Outputs(kind)) > 0
		if passes && prev != nil && next != nil {
			if err := unlink(c.g, prev, next, kind); err != nil {
				return err
			}
		}
		if prev != nil {
			if err := link(c.g, prev, node, kind); err != nil {
				return err
			}
		}
		if passes && next != nil {
			if err := link(c.g, node, next, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// unsplice detaches the stage at pos and closes the gap. The stage must
// still be in its slot while this runs.
func (c *Channel) unsplice(pos int) error {
	node := c.stageAt(pos)
	for _, kind := range signalKinds {
		prev, next := c.producer(pos, kind), c.consumer(pos, kind)
		if prev != nil {
			if err := unlink(c.g, prev, node, kind); err != nil {
				return err
			}
		}
		if next != nil {
			if err := unlink(c.g, node, next, kind); err != nil {
				return err
			}
		}
		if len(node.Outputs(kind)) > 0 && prev != nil && next != nil {
			if err := link(c.g, prev, next, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// faderStage adapts a gain stage to the chain.
type faderStage struct {
	f interface {
		Inputs() []*port.Port
		Outputs() []*port.Port
	}
}

func (s faderStage) Inputs(kind port.Kind) []*port.Port  { return ofKind(s.f.Inputs(), kind) }
func (s faderStage) Outputs(kind port.Kind) []*port.Port { return ofKind(s.f.Outputs(), kind) }

func ofKind(ps []*port.Port, kind port.Kind) []*port.Port {
	if len(ps) == 0 || ps[0].Kind() != kind {
		return nil
	}
	return ps
}
