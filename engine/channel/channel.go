// Package channel implements the mixer strip: plugin slots, sends and the
// pre-fader/post-fader gain stages ordered into one signal chain.
//
// Processing order is MIDI effects, instrument, inserts, pre-fader stage,
// pre-fader sends, fader, post-fader sends and finally the output
// terminal. Stages are wired with locked graph edges; adding or removing
// a plugin only rewires the two boundaries around its slot.
package channel

import (
	"errors"
	"fmt"

	"github.com/shaban/patchbay/engine/fader"
	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
	"github.com/shaban/patchbay/engine/registry"
	"github.com/shaban/patchbay/engine/send"
	"github.com/shaban/patchbay/plugins"
)

const (
	NumMIDIFx  = 9
	NumInserts = 9
)

var (
	ErrSlotOccupied   = errors.New("channel: slot is occupied")
	ErrInvalidSlot    = errors.New("channel: no such slot")
	ErrEmptySlot      = errors.New("channel: slot is empty")
	ErrWrongSlotType  = errors.New("channel: plugin type does not fit the slot")
	ErrAlreadyInChain = errors.New("channel: plugin is already in the chain")
)

// SlotType selects one of the strip's plugin slot arrays.
type SlotType int

const (
	SlotMIDIFx SlotType = iota
	SlotInstrument
	SlotInsert
)

func (t SlotType) String() string {
	switch t {
	case SlotMIDIFx:
		return "midi fx"
	case SlotInstrument:
		return "instrument"
	case SlotInsert:
		return "insert"
	}
	return fmt.Sprintf("SlotType(%d)", int(t))
}

func (t SlotType) size() int {
	switch t {
	case SlotMIDIFx:
		return NumMIDIFx
	case SlotInstrument:
		return 1
	case SlotInsert:
		return NumInserts
	}
	return 0
}

func (t SlotType) base() int {
	switch t {
	case SlotMIDIFx:
		return midiFxPos
	case SlotInstrument:
		return instrumentPos
	}
	return insertPos
}

// Config configures a strip.
type Config struct {
	ID       ident.ID
	TrackID  ident.ID
	Name     string
	Signal   fader.Signal
	MIDIMode fader.MIDIMode
	// FadeFrames is passed to the fader.
	FadeFrames int
	Solo       *fader.SoloState
	Graph      *graph.Graph
	Registry   *registry.Registry
	// Restore supplies identifiers when a strip is recreated from a
	// saved state.
	Restore *State
}

// Channel is a mixer strip.
type Channel struct {
	id      ident.ID
	trackID ident.ID
	name    string
	signal  fader.Signal
	g       *graph.Graph
	reg     *registry.Registry

	head     *Terminal
	out      *Terminal
	prefader *fader.Fader
	fader    *fader.Fader
	sends    [send.NumSlots]*send.Send
	slots    [chainLen - 2]plugins.Plugin

	sampleRate float64
	maxFrames  int
}

// New creates a strip, registers its ports and wires the fixed part of
// the chain.
func New(cfg Config) (*Channel, error) {
	if cfg.Graph == nil || cfg.Registry == nil {
		return nil, errors.New("channel: graph and registry are required")
	}
	var rs State
	if cfg.Restore != nil {
		rs = *cfg.Restore
		cfg.ID = rs.ID
	}
	if cfg.ID.IsNil() {
		cfg.ID = ident.New()
	}
	c := &Channel{
		id:      cfg.ID,
		trackID: cfg.TrackID,
		name:    cfg.Name,
		signal:  cfg.Signal,
		g:       cfg.Graph,
		reg:     cfg.Registry,
	}

	c.head = newTerminal(cfg.TrackID, "strip input", rs.Ports,
		terminalPort{"Strip In L", "in_l", port.KindAudio, port.FlagStereoL},
		terminalPort{"Strip In R", "in_r", port.KindAudio, port.FlagStereoR},
		terminalPort{"Strip MIDI In", "midi_in", port.KindEvent, 0},
	)
	if cfg.Signal == fader.SignalEvent {
		c.out = newTerminal(cfg.TrackID, "strip output", rs.Ports,
			terminalPort{"MIDI Out", "midi_out", port.KindEvent, 0})
	} else {
		c.out = newTerminal(cfg.TrackID, "strip output", rs.Ports,
			terminalPort{"Out L", "out_l", port.KindAudio, port.FlagStereoL},
			terminalPort{"Out R", "out_r", port.KindAudio, port.FlagStereoR})
	}

	mkFader := func(pos fader.Position, st fader.State) *fader.Fader {
		return fader.New(fader.Config{
			ID:         st.ID,
			TrackID:    cfg.TrackID,
			Position:   pos,
			Signal:     cfg.Signal,
			MIDIMode:   cfg.MIDIMode,
			FadeFrames: cfg.FadeFrames,
			Solo:       cfg.Solo,
			PortIDs:    st.Ports,
		})
	}
	c.prefader = mkFader(fader.PositionPreFader, rs.Prefader)
	c.fader = mkFader(fader.PositionPostFader, rs.Fader)

	sendKind := port.KindAudio
	if cfg.Signal == fader.SignalEvent {
		sendKind = port.KindEvent
	}
	stored := make(map[int]send.State, len(rs.Sends))
	for _, st := range rs.Sends {
		stored[st.Slot] = st
	}
	for i := range c.sends {
		s, err := send.New(send.Config{
			ID:      stored[i].ID,
			TrackID: cfg.TrackID,
			Slot:    i,
			Kind:    sendKind,
			Graph:   cfg.Graph,
			PortIDs: stored[i].Ports,
		})
		if err != nil {
			return nil, err
		}
		c.sends[i] = s
	}

	c.reg.Add(c.Ports()...)
	if err := c.wire(); err != nil {
		c.unregister()
		return nil, fmt.Errorf("channel %q: %w", cfg.Name, err)
	}
	return c, nil
}

// wire creates the locked edges of the fixed stages.
func (c *Channel) wire() error {
	pre, post := faderStage{c.prefader}, faderStage{c.fader}
	for _, kind := range signalKinds {
		if err := link(c.g, c.head, pre, kind); err != nil {
			return err
		}
		if err := link(c.g, pre, post, kind); err != nil {
			return err
		}
		for _, s := range c.sends {
			src := pre
			if !s.IsPrefader() {
				src = post
			}
			if err := link(c.g, src, faderStage{s}, kind); err != nil {
				return err
			}
		}
		if err := link(c.g, post, outputStage{c.out}, kind); err != nil {
			return err
		}
	}
	return nil
}

// outputStage exposes the output terminal's ports as chain inputs, since
// the fader feeds them.
type outputStage struct{ t *Terminal }

func (s outputStage) Inputs(kind port.Kind) []*port.Port { return s.t.Outputs(kind) }
func (s outputStage) Outputs(port.Kind) []*port.Port     { return nil }

func (c *Channel) ID() ident.ID           { return c.id }
func (c *Channel) TrackID() ident.ID      { return c.trackID }
func (c *Channel) Name() string           { return c.name }
func (c *Channel) SetName(name string)    { c.name = name }
func (c *Channel) Signal() fader.Signal   { return c.signal }
func (c *Channel) Prefader() *fader.Fader { return c.prefader }
func (c *Channel) Fader() *fader.Fader    { return c.fader }

// Head returns the strip's input terminal. The track input stage feeds
// it with locked edges.
func (c *Channel) Head() *Terminal { return c.head }

// Outputs returns the strip's output ports.
func (c *Channel) Outputs() []*port.Port { return c.out.Ports() }

// Send returns the send at slot, or nil.
func (c *Channel) Send(slot int) *send.Send {
	if slot < 0 || slot >= len(c.sends) {
		return nil
	}
	return c.sends[slot]
}

func (c *Channel) Sends() []*send.Send { return c.sends[:] }

// Ports returns every port the strip owns, excluding plugin ports.
func (c *Channel) Ports() []*port.Port {
	ps := c.head.Ports()
	ps = append(ps, c.out.Ports()...)
	ps = append(ps, c.prefader.Ports()...)
	ps = append(ps, c.fader.Ports()...)
	for _, s := range c.sends {
		ps = append(ps, s.Ports()...)
	}
	return ps
}

func (c *Channel) unregister() {
	c.reg.Remove(c.Ports()...)
}

func (c *Channel) position(t SlotType, slot int) (int, error) {
	if slot < 0 || slot >= t.size() {
		return 0, fmt.Errorf("%s slot %d: %w", t, slot, ErrInvalidSlot)
	}
	return t.base() + slot, nil
}

func (c *Channel) accepts(t SlotType, info plugins.PluginInfo) bool {
	switch t {
	case SlotMIDIFx:
		return info.Type == plugins.TypeMIDIEffect
	case SlotInstrument:
		return info.Type == plugins.TypeInstrument && c.signal == fader.SignalAudio
	case SlotInsert:
		if c.signal == fader.SignalEvent {
			return info.Type == plugins.TypeMIDIEffect
		}
		return info.Type == plugins.TypeEffect
	}
	return false
}

// Plugin returns the plugin in a slot, or nil.
func (c *Channel) Plugin(t SlotType, slot int) plugins.Plugin {
	pos, err := c.position(t, slot)
	if err != nil {
		return nil
	}
	return c.slots[pos-1]
}

// SlotRef locates a plugin in the strip.
type SlotRef struct {
	Type   SlotType
	Slot   int
	Plugin plugins.Plugin
}

// Plugins lists the occupied slots in processing order.
func (c *Channel) Plugins() []SlotRef {
	var out []SlotRef
	for _, t := range []SlotType{SlotMIDIFx, SlotInstrument, SlotInsert} {
		for i := 0; i < t.size(); i++ {
			if p := c.slots[t.base()+i-1]; p != nil {
				out = append(out, SlotRef{Type: t, Slot: i, Plugin: p})
			}
		}
	}
	return out
}

func (c *Channel) contains(p plugins.Plugin) bool {
	for _, s := range c.slots {
		if s != nil && s.ID() == p.ID() {
			return true
		}
	}
	return false
}

// AddPlugin places p into a slot and splices it into the chain. An
// occupied slot is replaced only when overwrite is set; otherwise
// ErrSlotOccupied is returned and nothing changes.
func (c *Channel) AddPlugin(t SlotType, slot int, p plugins.Plugin, overwrite bool) error {
	pos, err := c.position(t, slot)
	if err != nil {
		return err
	}
	if !c.accepts(t, p.Info()) {
		return fmt.Errorf("%s plugin %q in %s slot: %w", p.Info().Type, p.Name(), t, ErrWrongSlotType)
	}
	if c.contains(p) {
		return fmt.Errorf("%q: %w", p.Name(), ErrAlreadyInChain)
	}
	if c.slots[pos-1] != nil {
		if !overwrite {
			return fmt.Errorf("%s slot %d holds %q: %w", t, slot, c.slots[pos-1].Name(), ErrSlotOccupied)
		}
		if _, err := c.RemovePlugin(t, slot); err != nil {
			return err
		}
	}

	c.reg.Add(p.Ports()...)
	c.reg.AddOwner(p.ID(), p)
	if c.maxFrames > 0 {
		p.Prepare(c.sampleRate, c.maxFrames)
	}
	return c.insert(pos, p)
}

func (c *Channel) insert(pos int, p plugins.Plugin) error {
	c.slots[pos-1] = p
	if err := c.splice(pos); err != nil {
		if uerr := c.unsplice(pos); uerr != nil {
			err = fmt.Errorf("%w (undoing partial splice: %v)", err, uerr)
		}
		c.slots[pos-1] = nil
		c.forget(p)
		return err
	}
	return nil
}

// detach closes the gap around pos and empties the slot. Edges made to
// the plugin's ports from outside the chain are removed as well.
func (c *Channel) detach(pos int) (plugins.Plugin, error) {
	p := c.slots[pos-1]
	if err := c.unsplice(pos); err != nil {
		return nil, err
	}
	c.slots[pos-1] = nil
	for _, pt := range p.Ports() {
		c.g.DisconnectPort(pt.ID())
	}
	return p, nil
}

func (c *Channel) forget(p plugins.Plugin) {
	c.reg.Remove(p.Ports()...)
	c.reg.RemoveOwner(p.ID())
}

// RemovePlugin takes the plugin out of a slot, closes the gap and
// returns it. The plugin is released.
func (c *Channel) RemovePlugin(t SlotType, slot int) (plugins.Plugin, error) {
	pos, err := c.position(t, slot)
	if err != nil {
		return nil, err
	}
	if c.slots[pos-1] == nil {
		return nil, fmt.Errorf("%s slot %d: %w", t, slot, ErrEmptySlot)
	}
	p, err := c.detach(pos)
	if err != nil {
		return nil, err
	}
	c.forget(p)
	p.Release()
	return p, nil
}

// MovePlugin moves a plugin between slots, keeping its ports, its state
// and the edges made to its ports from outside the chain.
func (c *Channel) MovePlugin(fromType SlotType, from int, toType SlotType, to int, overwrite bool) error {
	src, err := c.position(fromType, from)
	if err != nil {
		return err
	}
	dst, err := c.position(toType, to)
	if err != nil {
		return err
	}
	p := c.slots[src-1]
	if p == nil {
		return fmt.Errorf("%s slot %d: %w", fromType, from, ErrEmptySlot)
	}
	if src == dst {
		return nil
	}
	if !c.accepts(toType, p.Info()) {
		return fmt.Errorf("%q to %s slot: %w", p.Name(), toType, ErrWrongSlotType)
	}
	if c.slots[dst-1] != nil {
		if !overwrite {
			return fmt.Errorf("%s slot %d: %w", toType, to, ErrSlotOccupied)
		}
		if _, err := c.RemovePlugin(toType, to); err != nil {
			return err
		}
	}
	external := c.externalEdges(p)
	if _, err := c.detach(src); err != nil {
		return err
	}
	if err := c.insert(dst, p); err != nil {
		return err
	}
	if err := c.g.Restore(external); err != nil {
		return fmt.Errorf("reconnect %q: %w", p.Name(), err)
	}
	return nil
}

// externalEdges lists the unlocked edges touching the plugin's ports.
func (c *Channel) externalEdges(p plugins.Plugin) []graph.Connection {
	var cs []graph.Connection
	for _, pt := range p.Ports() {
		cs = append(cs, c.g.SourcesOf(pt.ID(), graph.Unlocked)...)
		cs = append(cs, c.g.DestinationsOf(pt.ID(), graph.Unlocked)...)
	}
	return cs
}

// Prepare allocates every port of the strip and its plugins.
func (c *Channel) Prepare(sampleRate float64, maxFrames int) {
	c.sampleRate, c.maxFrames = sampleRate, maxFrames
	for _, p := range c.Ports() {
		p.Prepare(sampleRate, maxFrames)
	}
	c.prefader.Prepare(sampleRate, maxFrames)
	c.fader.Prepare(sampleRate, maxFrames)
	for _, p := range c.slots {
		if p != nil {
			p.Prepare(sampleRate, maxFrames)
		}
	}
}

func (c *Channel) Release() {
	for _, p := range c.Ports() {
		p.Release()
	}
	for _, p := range c.slots {
		if p != nil {
			p.Release()
		}
	}
	c.maxFrames = 0
}

// Destroy removes every edge touching the strip, unregisters its ports
// and releases it.
func (c *Channel) Destroy() {
	for _, r := range c.Plugins() {
		c.RemovePlugin(r.Type, r.Slot)
	}
	for _, p := range c.Ports() {
		c.g.DisconnectPort(p.ID())
	}
	c.unregister()
	c.Release()
}

func resolve(ti port.TimeInfo, ps []*port.Port) {
	for _, p := range ps {
		p.Clear(ti)
		p.Process(ti)
	}
}

func controls(ti port.TimeInfo, ps []*port.Port) {
	for _, p := range ps {
		p.Process(ti)
	}
}

// Process runs one cycle of the strip. Whatever feeds the head terminal
// must have been processed already.
func (c *Channel) Process(ti port.TimeInfo) {
	c.head.Process(ti)
	for _, p := range c.slots {
		if p == nil {
			continue
		}
		resolve(ti, p.Inputs(port.KindAudio))
		resolve(ti, p.Inputs(port.KindEvent))
		p.Process(ti)
	}

	c.runFader(ti, c.prefader)
	for _, s := range c.sends[:send.PostFaderStartSlot] {
		c.runSend(ti, s)
	}
	c.runFader(ti, c.fader)
	for _, s := range c.sends[send.PostFaderStartSlot:] {
		c.runSend(ti, s)
	}
	c.out.Process(ti)
}

func (c *Channel) runFader(ti port.TimeInfo, f *fader.Fader) {
	controls(ti, f.Controls())
	resolve(ti, f.Inputs())
	f.Process(ti)
}

func (c *Channel) runSend(ti port.TimeInfo, s *send.Send) {
	controls(ti, []*port.Port{s.Amount, s.Enabled})
	resolve(ti, s.Inputs())
	s.Process(ti)
}

// PluginSlot is a persisted plugin placement.
type PluginSlot struct {
	Type   SlotType      `json:"type"`
	Slot   int           `json:"slot"`
	Plugin plugins.State `json:"plugin"`
}

// State is the persisted form of a strip.
type State struct {
	ID       ident.ID            `json:"id"`
	Name     string              `json:"name"`
	Signal   fader.Signal        `json:"signal"`
	Prefader fader.State         `json:"prefader"`
	Fader    fader.State         `json:"fader"`
	Sends    []send.State        `json:"sends"`
	Plugins  []PluginSlot        `json:"plugins,omitempty"`
	Ports    map[string]ident.ID `json:"ports"`
}

func (c *Channel) State() State {
	st := State{
		ID:       c.id,
		Name:     c.name,
		Signal:   c.signal,
		Prefader: c.prefader.State(),
		Fader:    c.fader.State(),
		Ports:    make(map[string]ident.ID),
	}
	for _, s := range c.sends {
		st.Sends = append(st.Sends, s.State())
	}
	for _, r := range c.Plugins() {
		st.Plugins = append(st.Plugins, PluginSlot{Type: r.Type, Slot: r.Slot, Plugin: r.Plugin.State()})
	}
	for _, p := range c.head.Ports() {
		st.Ports[p.Identity().Symbol] = p.ID()
	}
	for _, p := range c.out.Ports() {
		st.Ports[p.Identity().Symbol] = p.ID()
	}
	return st
}

// ApplyState restores control values and recreates the stored plugins
// from the catalog. The strip must have been created with st as
// Config.Restore for port identifiers to match.
func (c *Channel) ApplyState(st State, cat *plugins.Catalog) error {
	c.name = st.Name
	c.prefader.ApplyState(st.Prefader)
	c.fader.ApplyState(st.Fader)
	for _, s := range st.Sends {
		if snd := c.Send(s.Slot); snd != nil {
			snd.ApplyState(s)
		}
	}
	for _, ps := range st.Plugins {
		p, err := cat.FromState(ps.Plugin, c.trackID)
		if err != nil {
			return fmt.Errorf("restore %s slot %d: %w", ps.Type, ps.Slot, err)
		}
		if err := c.AddPlugin(ps.Type, ps.Slot, p, true); err != nil {
			return err
		}
	}
	return nil
}

// Summary describes the strip for logs.
func (c *Channel) Summary() string {
	return fmt.Sprintf("%s: %d plugins, fader %s dB", c.name, len(c.Plugins()), c.fader.DBString())
}
