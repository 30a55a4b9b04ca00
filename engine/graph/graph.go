// Package graph holds the connection graph: the authoritative set of
// directed, weighted edges between ports.
//
// The graph keeps two indices, by source and by destination, and rebuilds
// both after every structural change. It then pushes the resolved incoming
// links of every affected destination into that port, so the processing
// thread never consults the graph.
//
// The graph does not exclude the processing thread itself. Callers hold the
// engine gate across any mutation.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

var (
	ErrSelfLoop     = errors.New("graph: source and destination are the same port")
	ErrUnknownPort  = errors.New("graph: unknown port")
	ErrKindMismatch = errors.New("graph: incompatible port kinds")
	ErrDirection    = errors.New("graph: connection must run from an output to an input")
	ErrNotFound     = errors.New("graph: connection not found")
)

// Resolver resolves port identifiers to live ports.
type Resolver interface {
	Port(id ident.ID) (*port.Port, bool)
}

// Connection is a directed edge between two ports.
type Connection struct {
	Src        ident.ID `json:"src"`
	Dst        ident.ID `json:"dst"`
	Multiplier float32  `json:"multiplier"`
	Enabled    bool     `json:"enabled"`
	// Locked edges are internal wiring. They are processed like any other
	// edge but hidden from user-facing listings.
	Locked bool `json:"locked,omitempty"`
}

// Filter selects which connections a listing returns.
type Filter int

const (
	All Filter = iota
	Unlocked
)

func (f Filter) match(c *Connection) bool {
	return f == All || !c.Locked
}

// ConnectOption configures a connection.
type ConnectOption func(*Connection)

// WithMultiplier scales the source signal.
func WithMultiplier(m float32) ConnectOption {
	return func(c *Connection) { c.Multiplier = m }
}

// Locked marks the connection as internal.
func Locked() ConnectOption {
	return func(c *Connection) { c.Locked = true }
}

// Disabled creates the connection switched off.
func Disabled() ConnectOption {
	return func(c *Connection) { c.Enabled = false }
}

// Options returns the options that recreate c as it is.
func (c Connection) Options() []ConnectOption {
	opts := []ConnectOption{WithMultiplier(c.Multiplier)}
	if !c.Enabled {
		opts = append(opts, Disabled())
	}
	if c.Locked {
		opts = append(opts, Locked())
	}
	return opts
}

type key struct {
	src, dst ident.ID
}

// Graph is the connection graph.
type Graph struct {
	mu       sync.RWMutex
	resolver Resolver

	conns map[key]*Connection
	order []*Connection

	bySrc map[ident.ID][]*Connection
	byDst map[ident.ID][]*Connection

	generation uint64
}

// New creates an empty graph resolving ports through r.
func New(r Resolver) *Graph {
	return &Graph{
		resolver: r,
		conns:    make(map[key]*Connection),
		bySrc:    make(map[ident.ID][]*Connection),
		byDst:    make(map[ident.ID][]*Connection),
	}
}

// Port resolves id through the graph's resolver.
func (g *Graph) Port(id ident.ID) (*port.Port, bool) {
	return g.resolver.Port(id)
}

// Compatible reports whether a port of kind src may feed a port of kind dst.
func Compatible(src, dst port.Kind) bool {
	switch src {
	case port.KindAudio:
		return dst == port.KindAudio || dst == port.KindCV
	case port.KindCV:
		return dst == port.KindCV || dst == port.KindControl
	case port.KindControl:
		return dst == port.KindControl
	case port.KindEvent:
		return dst == port.KindEvent
	}
	return false
}

func (g *Graph) validate(c *Connection) error {
	if c.Src == c.Dst {
		return ErrSelfLoop
	}
	src, ok := g.resolver.Port(c.Src)
	if !ok {
		return fmt.Errorf("source %s: %w", c.Src.Short(), ErrUnknownPort)
	}
	dst, ok := g.resolver.Port(c.Dst)
	if !ok {
		return fmt.Errorf("destination %s: %w", c.Dst.Short(), ErrUnknownPort)
	}
	if !Compatible(src.Kind(), dst.Kind()) {
		return fmt.Errorf("%s to %s: %w", src.Kind(), dst.Kind(), ErrKindMismatch)
	}
	if src.Flow() != port.FlowOutput {
		return fmt.Errorf("source %q is an input: %w", src.Label(), ErrDirection)
	}
	// Locked internal edges may feed an owner's output terminal.
	if dst.Flow() != port.FlowInput && !c.Locked {
		return fmt.Errorf("destination %q is an output: %w", dst.Label(), ErrDirection)
	}
	return nil
}

// Connect creates the edge src→dst, or updates it in place if it exists.
// Connections default to a unity multiplier and enabled. Nothing changes
// when validation fails.
func (g *Graph) Connect(src, dst ident.ID, opts ...ConnectOption) error {
	c := Connection{Src: src, Dst: dst, Multiplier: 1, Enabled: true}
	for _, opt := range opts {
		opt(&c)
	}
	if err := g.validate(&c); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	k := key{src, dst}
	if existing, ok := g.conns[k]; ok {
		*existing = c
	} else {
		stored := c
		g.conns[k] = &stored
		g.order = append(g.order, &stored)
	}
	g.rebuild(dst)
	return nil
}

// Disconnect removes the edge src→dst. It returns ErrNotFound if absent.
func (g *Graph) Disconnect(src, dst ident.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key{src, dst}
	if _, ok := g.conns[k]; !ok {
		return ErrNotFound
	}
	g.remove(k)
	g.rebuild(dst)
	return nil
}

// DisconnectAll removes every edge in cs. It keeps going past failures
// and returns them joined.
func (g *Graph) DisconnectAll(cs []Connection) error {
	var errs []error
	for _, c := range cs {
		if err := g.Disconnect(c.Src, c.Dst); err != nil {
			errs = append(errs, fmt.Errorf("%s -> %s: %w", c.Src.Short(), c.Dst.Short(), err))
		}
	}
	return errors.Join(errs...)
}

// Restore recreates every edge in cs with its multiplier, enabled and
// locked state. It keeps going past failures and returns them joined.
func (g *Graph) Restore(cs []Connection) error {
	var errs []error
	for _, c := range cs {
		if err := g.Connect(c.Src, c.Dst, c.Options()...); err != nil {
			errs = append(errs, fmt.Errorf("%s -> %s: %w", c.Src.Short(), c.Dst.Short(), err))
		}
	}
	return errors.Join(errs...)
}

// DisconnectPort removes every edge touching id and returns how many were
// removed.
func (g *Graph) DisconnectPort(id ident.ID) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	var affected []ident.ID
	for _, c := range g.bySrc[id] {
		affected = append(affected, c.Dst)
	}
	for _, c := range g.byDst[id] {
		affected = append(affected, c.Dst)
	}
	n := 0
	for k := range g.conns {
		if k.src == id || k.dst == id {
			g.remove(k)
			n++
		}
	}
	if n > 0 {
		g.rebuild(affected...)
	}
	return n
}

func (g *Graph) remove(k key) {
	c := g.conns[k]
	delete(g.conns, k)
	for i, o := range g.order {
		if o == c {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// SetMultiplier changes the scaling of an existing edge.
func (g *Graph) SetMultiplier(src, dst ident.ID, m float32) error {
	return g.update(src, dst, func(c *Connection) { c.Multiplier = m })
}

// SetEnabled switches an existing edge on or off.
func (g *Graph) SetEnabled(src, dst ident.ID, enabled bool) error {
	return g.update(src, dst, func(c *Connection) { c.Enabled = enabled })
}

func (g *Graph) update(src, dst ident.ID, fn func(*Connection)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.conns[key{src, dst}]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	g.rebuild(dst)
	return nil
}

// rebuild refreshes both indices from the edge set, then re-resolves the
// incoming links of the given destinations. Called with g.mu held.
func (g *Graph) rebuild(dsts ...ident.ID) {
	clear(g.bySrc)
	clear(g.byDst)
	for _, c := range g.order {
		g.bySrc[c.Src] = append(g.bySrc[c.Src], c)
		g.byDst[c.Dst] = append(g.byDst[c.Dst], c)
	}
	g.generation++
	for _, d := range dsts {
		g.attach(d)
	}
}

func (g *Graph) attach(dst ident.ID) {
	p, ok := g.resolver.Port(dst)
	if !ok {
		return
	}
	in := g.byDst[dst]
	if len(in) == 0 {
		p.AttachInputs(nil)
		return
	}
	links := make([]port.Link, 0, len(in))
	for _, c := range in {
		src, ok := g.resolver.Port(c.Src)
		if !ok {
			continue
		}
		links = append(links, port.Link{Src: src, Multiplier: c.Multiplier, Enabled: c.Enabled})
	}
	p.AttachInputs(links)
}

// Relink re-resolves the incoming links of every destination. Used after
// ports were replaced or re-registered, for example after loading.
func (g *Graph) Relink() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for dst := range g.byDst {
		g.attach(dst)
	}
}

// Get returns the edge src→dst.
func (g *Graph) Get(src, dst ident.ID) (Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[key{src, dst}]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

func (g *Graph) Exists(src, dst ident.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[key{src, dst}]
	return ok
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Generation increases with every structural change.
func (g *Graph) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.generation
}

// SourcesOf lists the edges arriving at dst.
func (g *Graph) SourcesOf(dst ident.ID, f Filter) []Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return collect(g.byDst[dst], f)
}

// DestinationsOf lists the edges leaving src.
func (g *Graph) DestinationsOf(src ident.ID, f Filter) []Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return collect(g.bySrc[src], f)
}

// Connections lists every edge in creation order.
func (g *Graph) Connections(f Filter) []Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return collect(g.order, f)
}

func collect(in []*Connection, f Filter) []Connection {
	out := make([]Connection, 0, len(in))
	for _, c := range in {
		if f.match(c) {
			out = append(out, *c)
		}
	}
	return out
}
