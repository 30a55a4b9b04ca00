// Package registry resolves stored identifiers to live ports and their
// owners. Components keep identifiers rather than pointers to each other;
// the registry is the one place those identifiers are looked up.
package registry

import (
	"sync"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

// Named is anything that owns ports and has a display name, such as a track
// or a plugin.
type Named interface {
	Name() string
}

// Registry maps identifiers to live objects. It is safe for concurrent use
// by control-side goroutines; the processing thread never uses it.
type Registry struct {
	mu     sync.RWMutex
	ports  map[ident.ID]*port.Port
	owners map[ident.ID]Named
}

func New() *Registry {
	return &Registry{
		ports:  make(map[ident.ID]*port.Port),
		owners: make(map[ident.ID]Named),
	}
}

// Add registers ports. A port with an already registered ID replaces the
// previous one.
func (r *Registry) Add(ports ...*port.Port) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range ports {
		r.ports[p.ID()] = p
	}
}

// Remove unregisters ports.
func (r *Registry) Remove(ports ...*port.Port) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range ports {
		if cur, ok := r.ports[p.ID()]; ok && cur == p {
			delete(r.ports, p.ID())
		}
	}
}

// Port implements graph.Resolver.
func (r *Registry) Port(id ident.ID) (*port.Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[id]
	return p, ok
}

// Len returns the number of registered ports.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}

// AddOwner registers a track, plugin or other port owner.
func (r *Registry) AddOwner(id ident.ID, o Named) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[id] = o
}

func (r *Registry) RemoveOwner(id ident.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, id)
}

// Owner returns the owner registered under id.
func (r *Registry) Owner(id ident.ID) (Named, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owners[id]
	return o, ok
}

// Designation returns a human readable "owner/port" string for tooltips and
// connection editors.
func (r *Registry) Designation(id ident.ID) string {
	p, ok := r.Port(id)
	if !ok {
		return "<unknown>/" + id.Short()
	}
	pid := p.Identity()
	return r.ownerName(pid) + "/" + pid.Label
}

func (r *Registry) ownerName(pid port.Identity) string {
	if !pid.PluginID.IsNil() {
		if o, ok := r.Owner(pid.PluginID); ok {
			return o.Name()
		}
	}
	if !pid.TrackID.IsNil() {
		if o, ok := r.Owner(pid.TrackID); ok {
			return o.Name()
		}
	}
	switch pid.Owner {
	case port.OwnerHardware:
		if pid.HardwareID != "" {
			return pid.HardwareID
		}
		return "Hardware"
	case port.OwnerEngine:
		return "Engine"
	case port.OwnerTransport:
		return "Transport"
	}
	return pid.Owner.String()
}
