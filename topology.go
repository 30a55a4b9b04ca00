package patchbay

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/shaban/patchbay/engine/channel"
	"github.com/shaban/patchbay/engine/graph"
	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
	"github.com/shaban/patchbay/engine/send"
	"github.com/shaban/patchbay/plugins"
)

// CreateTrack adds a track. Tracks with an audio output are routed to the
// master bus.
func (e *Engine) CreateTrack(cfg TrackConfig) (*Track, error) {
	var t *Track
	err := e.dispatcher.run(OpCreateTrack, func() error {
		var err error
		if t, err = e.addTrack(cfg, nil); err != nil {
			return err
		}
		if t.strip.Signal() == stripSignal(e.master.kind) {
			if err := e.route(t, e.master); err != nil {
				e.removeTrack(t)
				return err
			}
		}
		return e.reorder()
	})
	if err != nil {
		return nil, err
	}
	e.log.Debugf("created %s track %q (%s)", t.kind, t.Name(), t.id.Short())
	return t, nil
}

// RemoveTrack destroys a track and every connection touching it.
func (e *Engine) RemoveTrack(id ident.ID) error {
	return e.dispatcher.run(OpRemoveTrack, func() error {
		t, err := e.lookup(id)
		if err != nil {
			return err
		}
		if t == e.master {
			return ErrMasterTrack
		}
		e.removeTrack(t)
		e.pruneBindings()
		return e.reorder()
	})
}

// Connect creates or updates the edge src→dst. Connections that would
// make two tracks feed each other are refused with ErrFeedback.
func (e *Engine) Connect(src, dst ident.ID, opts ...graph.ConnectOption) error {
	return e.dispatcher.run(OpConnect, func() error {
		return e.connect(src, dst, opts...)
	})
}

// Disconnect removes the edge src→dst. Internal strip wiring cannot be
// removed.
func (e *Engine) Disconnect(src, dst ident.ID) error {
	return e.dispatcher.run(OpDisconnect, func() error {
		c, ok := e.graph.Get(src, dst)
		if !ok {
			return graph.ErrNotFound
		}
		if c.Locked {
			return fmt.Errorf("%s: %w", e.reg.Designation(dst), ErrLocked)
		}
		if err := e.graph.Disconnect(src, dst); err != nil {
			return err
		}
		return e.reorder()
	})
}

// RouteOutput routes a track's strip output to the input of dst,
// replacing its previous destination. A nil dst leaves the output
// unrouted.
func (e *Engine) RouteOutput(trackID, dst ident.ID) error {
	return e.dispatcher.run(OpRouteOutput, func() error {
		t, err := e.lookup(trackID)
		if err != nil {
			return err
		}
		if t == e.master {
			return ErrMasterTrack
		}
		var to *Track
		if !dst.IsNil() {
			if to, err = e.lookup(dst); err != nil {
				return err
			}
		}
		prev := e.outgoing(t.Outputs())
		if err := e.graph.DisconnectAll(prev); err != nil {
			return err
		}
		if to != nil {
			if err := e.route(t, to); err != nil {
				e.revert(e.outgoing(t.Outputs()), prev)
				return err
			}
		}
		if err := e.reorder(); err != nil {
			e.revert(e.outgoing(t.Outputs()), prev)
			e.reorder()
			return fmt.Errorf("route %q: %w", t.Name(), err)
		}
		return nil
	})
}

// ConnectSend routes a send of a track to the input of another track and
// enables it.
func (e *Engine) ConnectSend(trackID ident.ID, slot int, dst ident.ID, sidechain bool) error {
	return e.dispatcher.run(OpConnectSend, func() error {
		t, err := e.lookup(trackID)
		if err != nil {
			return err
		}
		to, err := e.lookup(dst)
		if err != nil {
			return err
		}
		if t == to {
			return fmt.Errorf("send to its own track: %w", ErrFeedback)
		}
		s := t.strip.Send(slot)
		if s == nil {
			return fmt.Errorf("slot %d: %w", slot, send.ErrInvalidSlot)
		}
		ins := to.inputs(s.Kind())
		if len(ins) == 0 {
			return fmt.Errorf("%s send to %s track %q: %w", s.Kind(), to.kind, to.Name(), ErrNotRouted)
		}

		prev, wasEnabled, wasSidechain := s.Destinations(), s.IsEnabled(), s.IsSidechain()
		if s.Kind() == port.KindAudio {
			err = s.ConnectStereo(ins[0].ID(), ins[1].ID(), sidechain)
		} else {
			err = s.ConnectMIDI(ins[0].ID())
		}
		if err != nil {
			return err
		}
		if err := e.reorder(); err != nil {
			e.reportRollback(s.Disconnect(), e.graph.Restore(prev))
			s.ApplyState(send.State{Amount: s.AmountValue(), Enabled: wasEnabled, Sidechain: wasSidechain})
			e.reorder()
			return err
		}
		return nil
	})
}

// DisconnectSend removes a send's destination and disables it.
func (e *Engine) DisconnectSend(trackID ident.ID, slot int) error {
	return e.dispatcher.run(OpDisconnectSend, func() error {
		t, err := e.lookup(trackID)
		if err != nil {
			return err
		}
		s := t.strip.Send(slot)
		if s == nil {
			return fmt.Errorf("slot %d: %w", slot, send.ErrInvalidSlot)
		}
		if err := s.Disconnect(); err != nil {
			return err
		}
		return e.reorder()
	})
}

// AddPlugin instantiates a catalog entry into a strip slot. An occupied
// slot is replaced only with overwrite set.
func (e *Engine) AddPlugin(trackID ident.ID, t channel.SlotType, slot int, info plugins.PluginInfo, overwrite bool) (plugins.Plugin, error) {
	var p plugins.Plugin
	err := e.dispatcher.run(OpAddPlugin, func() error {
		tr, err := e.lookup(trackID)
		if err != nil {
			return err
		}
		if p, err = e.catalog.New(info, plugins.Config{TrackID: trackID}); err != nil {
			return err
		}
		if err := tr.strip.AddPlugin(t, slot, p, overwrite); err != nil {
			return err
		}
		e.pruneBindings()
		return e.reorder()
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RemovePlugin takes a plugin out of its slot.
func (e *Engine) RemovePlugin(trackID ident.ID, t channel.SlotType, slot int) error {
	return e.dispatcher.run(OpRemovePlugin, func() error {
		tr, err := e.lookup(trackID)
		if err != nil {
			return err
		}
		if _, err := tr.strip.RemovePlugin(t, slot); err != nil {
			return err
		}
		e.pruneBindings()
		return e.reorder()
	})
}

// MovePlugin moves a plugin between slots of the same strip.
func (e *Engine) MovePlugin(trackID ident.ID, fromType channel.SlotType, from int, toType channel.SlotType, to int, overwrite bool) error {
	return e.dispatcher.run(OpMovePlugin, func() error {
		tr, err := e.lookup(trackID)
		if err != nil {
			return err
		}
		if err := tr.strip.MovePlugin(fromType, from, toType, to, overwrite); err != nil {
			return err
		}
		e.pruneBindings()
		return e.reorder()
	})
}

// ExposeMIDI makes a MIDI input available as a hardware event port.
func (e *Engine) ExposeMIDI(name string) (*port.Port, error) {
	var p *port.Port
	err := e.dispatcher.run(OpExposeDevice, func() error {
		var err error
		p, err = e.exposeMIDI(name)
		return err
	})
	return p, err
}

// ExposeAudio makes the input channels of an audio device available as
// hardware ports. Channels <= 0 exposes every channel.
func (e *Engine) ExposeAudio(uid string, channels int) ([]*port.Port, error) {
	var ps []*port.Port
	err := e.dispatcher.run(OpExposeDevice, func() error {
		var err error
		ps, err = e.exposeAudio(uid, channels)
		return err
	})
	return ps, err
}

// Unexpose removes the ports of an exposed device and their connections.
func (e *Engine) Unexpose(name string) error {
	return e.dispatcher.run(OpUnexposeDevice, func() error {
		ps, err := e.hw.Unexpose(name)
		if err != nil {
			return err
		}
		for _, p := range ps {
			e.graph.DisconnectPort(p.ID())
		}
		e.reg.Remove(ps...)
		return e.reorder()
	})
}

func (e *Engine) exposeMIDI(name string) (*port.Port, error) {
	p, err := e.hw.ExposeMIDI(name)
	if err != nil {
		return nil, err
	}
	e.reg.Add(p)
	e.log.Infof("exposed MIDI input %q", name)
	return p, nil
}

func (e *Engine) exposeAudio(uid string, channels int) ([]*port.Port, error) {
	ps, err := e.hw.ExposeAudio(uid, channels)
	if err != nil {
		return nil, err
	}
	e.reg.Add(ps...)
	e.log.Infof("exposed audio input %q (%d channels)", uid, len(ps))
	return ps, nil
}

func (e *Engine) lookup(id ident.ID) (*Track, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tracks[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id.Short(), ErrTrackNotFound)
	}
	return t, nil
}

// addTrack creates a track and allocates it if the engine is prepared.
// Called with the gate held.
func (e *Engine) addTrack(cfg TrackConfig, restore *TrackState) (*Track, error) {
	if restore != nil {
		if _, ok := e.tracks[restore.ID]; ok || restore.ID.IsNil() {
			return nil, fmt.Errorf("restore track %s: duplicate or missing identifier", restore.ID.Short())
		}
	}
	t, err := e.newTrack(cfg, restore)
	if err != nil {
		return nil, err
	}
	if e.prepared {
		t.prepare(e.cfg.SampleRate, e.cfg.BufferSize)
	}
	e.mu.Lock()
	e.seq++
	t.seq = e.seq
	e.tracks[t.id] = t
	e.mu.Unlock()
	return t, nil
}

func (e *Engine) removeTrack(t *Track) {
	e.mu.Lock()
	delete(e.tracks, t.id)
	e.mu.Unlock()
	t.destroy(e)
}

// route connects the strip outputs of t to the inputs of to.
func (e *Engine) route(t, to *Track) error {
	outs := t.Outputs()
	ins := to.inputs(outs[0].Kind())
	if t == to || len(ins) != len(outs) {
		return fmt.Errorf("%s track %q to %s track %q: %w", t.kind, t.Name(), to.kind, to.Name(), ErrNotRouted)
	}
	for i, out := range outs {
		if err := e.graph.Connect(out.ID(), ins[i].ID()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) connect(src, dst ident.ID, opts ...graph.ConnectOption) error {
	prev, existed := e.graph.Get(src, dst)
	if existed && prev.Locked {
		return fmt.Errorf("%s: %w", e.reg.Designation(dst), ErrLocked)
	}
	if err := e.graph.Connect(src, dst, opts...); err != nil {
		return err
	}
	if err := e.reorder(); err != nil {
		if existed {
			e.revert(nil, []graph.Connection{prev})
		} else {
			e.revert([]graph.Connection{{Src: src, Dst: dst}}, nil)
		}
		e.reorder()
		return err
	}
	return nil
}

// outgoing lists the unlocked edges leaving ps.
func (e *Engine) outgoing(ps []*port.Port) []graph.Connection {
	var out []graph.Connection
	for _, p := range ps {
		out = append(out, e.graph.DestinationsOf(p.ID(), graph.Unlocked)...)
	}
	return out
}

// revert removes drop and recreates restore after a failed change.
func (e *Engine) revert(drop, restore []graph.Connection) {
	e.reportRollback(e.graph.DisconnectAll(drop), e.graph.Restore(restore))
}

// reportRollback hands the failures of a rollback to the error handler.
// The caller still returns the error that caused the rollback.
func (e *Engine) reportRollback(errs ...error) {
	if err := errors.Join(errs...); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("rollback incomplete: %w", err))
	}
}

// trackEdges returns, for every track, the tracks it feeds.
func (e *Engine) trackEdges() map[ident.ID][]ident.ID {
	edges := make(map[ident.ID][]ident.ID)
	for _, c := range e.graph.Connections(graph.All) {
		src, ok := e.reg.Port(c.Src)
		if !ok {
			continue
		}
		dst, ok := e.reg.Port(c.Dst)
		if !ok {
			continue
		}
		from, to := src.Identity().TrackID, dst.Identity().TrackID
		if from == to || e.tracks[from] == nil || e.tracks[to] == nil {
			continue
		}
		if !slices.Contains(edges[from], to) {
			edges[from] = append(edges[from], to)
		}
	}
	return edges
}

// sortTracks orders the tracks so that every track runs after the tracks
// feeding it. Ties keep creation order.
func (e *Engine) sortTracks(edges map[ident.ID][]ident.ID) ([]*Track, error) {
	all := make([]*Track, 0, len(e.tracks))
	for _, t := range e.tracks {
		all = append(all, t)
	}
	slices.SortFunc(all, func(a, b *Track) int { return cmp.Compare(a.seq, b.seq) })

	indegree := make(map[ident.ID]int, len(all))
	for _, dsts := range edges {
		for _, d := range dsts {
			indegree[d]++
		}
	}
	order := make([]*Track, 0, len(all))
	done := make(map[ident.ID]bool, len(all))
	for len(order) < len(all) {
		progressed := false
		for _, t := range all {
			if done[t.id] || indegree[t.id] > 0 {
				continue
			}
			done[t.id] = true
			order = append(order, t)
			for _, d := range edges[t.id] {
				indegree[d]--
			}
			progressed = true
		}
		if !progressed {
			return nil, ErrFeedback
		}
	}
	return order, nil
}

// reorder recomputes the processing order and the solo state. Called
// with the gate held after every structural change.
func (e *Engine) reorder() error {
	edges := e.trackEdges()
	order, err := e.sortTracks(edges)
	if err != nil {
		return err
	}
	e.order = order
	e.publishSolo(edges)
	return nil
}

func (e *Engine) refreshSolo() {
	e.publishSolo(e.trackEdges())
}

// publishSolo marks every track upstream or downstream of a soloed track
// as implied-soloed. Each walk visits a track at most once, so the work is
// bounded by the number of tracks and edges.
func (e *Engine) publishSolo(edges map[ident.ID][]ident.ID) {
	upstream := make(map[ident.ID][]ident.ID)
	for src, dsts := range edges {
		for _, d := range dsts {
			upstream[d] = append(upstream[d], src)
		}
	}

	var soloed []ident.ID
	anyListened := false
	for id, t := range e.tracks {
		f := t.Fader()
		if f.Soloed() {
			soloed = append(soloed, id)
		}
		if f.Listened() {
			anyListened = true
		}
	}

	implied := make(map[ident.ID]bool)
	walk := func(adj map[ident.ID][]ident.ID) {
		seen := make(map[ident.ID]bool, len(e.tracks))
		queue := append([]ident.ID(nil), soloed...)
		for _, id := range soloed {
			seen[id] = true
		}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, n := range adj[id] {
				if !seen[n] {
					seen[n] = true
					implied[n] = true
					queue = append(queue, n)
				}
			}
		}
	}
	walk(edges)
	walk(upstream)

	for id, t := range e.tracks {
		f := t.Fader()
		f.SetImpliedSolo(implied[id] && !f.Soloed())
	}
	e.solo.Publish(len(soloed) > 0, anyListened)
}

// pruneBindings drops CC bindings whose port no longer exists.
func (e *Engine) pruneBindings() {
	bs := e.cc.State()
	kept := bs[:0]
	for _, b := range bs {
		if p, ok := e.reg.Port(b.Port); ok && p.Kind() == port.KindControl {
			kept = append(kept, b)
		}
	}
	if len(kept) == len(bs) {
		return
	}
	if err := e.cc.SetState(kept); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("prune CC bindings: %w", err))
		return
	}
	e.log.Debugf("dropped %d CC bindings", len(bs)-len(kept))
}

// SetSolo solos or unsolos a track. Implied solo is recomputed on the
// dispatcher; Dispatcher().Flush waits for it.
func (e *Engine) SetSolo(id ident.ID, on bool) error {
	t, err := e.lookup(id)
	if err != nil {
		return err
	}
	t.Fader().SetSoloed(on)
	return nil
}

// SetListen sets a track's listen switch.
func (e *Engine) SetListen(id ident.ID, on bool) error {
	t, err := e.lookup(id)
	if err != nil {
		return err
	}
	t.Fader().SetListened(on)
	return nil
}

// LearnCC makes the next incoming control change bind to the port.
func (e *Engine) LearnCC(portID ident.ID) error { return e.cc.Learn(portID) }

// BindCC binds a controller to a control port.
func (e *Engine) BindCC(buf [3]byte, deviceID string, portID ident.ID) (int, error) {
	return e.cc.Bind(buf, deviceID, portID)
}

// Connections lists the user-visible connections.
func (e *Engine) Connections() []graph.Connection { return e.graph.Connections(graph.Unlocked) }
