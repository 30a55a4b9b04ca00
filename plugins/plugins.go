// Package plugins defines the contract every hosted plugin satisfies, a
// catalog of available plugins, and a few built-in processors.
//
// A plugin is nothing more than a set of ports plus a Process call. The
// mixer strip wires its audio and event ports into the chain through the
// connection graph and drives Process once per cycle after the plugin's
// input ports were resolved.
package plugins

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shaban/patchbay/engine/ident"
	"github.com/shaban/patchbay/engine/port"
)

// Plugin type codes.
const (
	TypeEffect     = "aufx"
	TypeInstrument = "aumu"
	TypeMIDIEffect = "aumi"
)

var (
	ErrUnknownPlugin = errors.New("plugins: no such plugin in the catalog")
	ErrDuplicate     = errors.New("plugins: plugin already registered")
)

// PluginInfo identifies a plugin in the catalog.
type PluginInfo struct {
	Name           string `json:"name"`
	ManufacturerID string `json:"manufacturerID"`
	Type           string `json:"type"`
	Subtype        string `json:"subtype"`
	Category       string `json:"category"`
}

func (info PluginInfo) key() string {
	return info.Type + ":" + info.Subtype + ":" + info.ManufacturerID
}

func (info PluginInfo) String() string {
	return fmt.Sprintf("%s [%s/%s/%s]", info.Name, info.Type, info.Subtype, info.ManufacturerID)
}

// PluginInfos is a filterable list of catalog entries.
type PluginInfos []PluginInfo

func (infos PluginInfos) filter(keep func(PluginInfo) bool) PluginInfos {
	var out PluginInfos
	for _, info := range infos {
		if keep(info) {
			out = append(out, info)
		}
	}
	return out
}

func (infos PluginInfos) ByManufacturer(id string) PluginInfos {
	return infos.filter(func(i PluginInfo) bool { return i.ManufacturerID == id })
}

func (infos PluginInfos) ByType(t string) PluginInfos {
	return infos.filter(func(i PluginInfo) bool { return i.Type == t })
}

func (infos PluginInfos) BySubtype(s string) PluginInfos {
	return infos.filter(func(i PluginInfo) bool { return i.Subtype == s })
}

// ByName matches case-insensitively on a substring of the name.
func (infos PluginInfos) ByName(pattern string) PluginInfos {
	return infos.filter(func(i PluginInfo) bool { return matchesPattern(i.Name, pattern) })
}

func (infos PluginInfos) ByCategory(category string) PluginInfos {
	return infos.filter(func(i PluginInfo) bool { return strings.EqualFold(i.Category, category) })
}

func matchesPattern(s, pattern string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(pattern))
}

// Parameter describes one control port of a plugin.
type Parameter struct {
	Identifier    string    `json:"identifier"`
	DisplayName   string    `json:"displayName"`
	MinValue      float32   `json:"minValue"`
	MaxValue      float32   `json:"maxValue"`
	DefaultValue  float32   `json:"defaultValue"`
	Unit          port.Unit `json:"unit"`
	Toggle        bool      `json:"toggle,omitempty"`
	Integer       bool      `json:"integer,omitempty"`
	Logarithmic   bool      `json:"logarithmic,omitempty"`
	IndexedValues []string  `json:"indexedValues,omitempty"`
}

// Description is a catalog entry together with its parameter layout.
type Description struct {
	PluginInfo
	Parameters []Parameter `json:"parameters"`
}

func (d Description) ParameterCount() int { return len(d.Parameters) }

func (d Description) Summary() string {
	return fmt.Sprintf("%s (%s) %d parameters", d.Name, d.Category, len(d.Parameters))
}

// Config is passed to a factory when a plugin is instantiated.
type Config struct {
	ID      ident.ID
	TrackID ident.ID
	// PortIDs restores port identifiers by symbol.
	PortIDs map[string]ident.ID
}

// Plugin is the contract the mixer strip relies on.
type Plugin interface {
	ID() ident.ID
	Name() string
	Info() PluginInfo

	// Ports returns every port the plugin owns.
	Ports() []*port.Port
	Inputs(kind port.Kind) []*port.Port
	Outputs(kind port.Kind) []*port.Port
	Controls() []*port.Port
	Param(identifier string) *port.Port

	Enabled() bool
	SetEnabled(on bool)

	Prepare(sampleRate float64, maxFrames int)
	Release()
	// Process runs one cycle. The plugin processes its own control ports;
	// its audio and event inputs were resolved by the caller.
	Process(ti port.TimeInfo)

	State() State
	ApplyState(State)
}

// State is the persisted form of a plugin instance.
type State struct {
	ID         ident.ID            `json:"id"`
	Info       PluginInfo          `json:"info"`
	Enabled    bool                `json:"enabled"`
	Parameters map[string]float32  `json:"parameters,omitempty"`
	Ports      map[string]ident.ID `json:"ports"`
}

// Factory creates a plugin instance.
type Factory func(cfg Config) Plugin

type entry struct {
	desc    Description
	factory Factory
}

// Catalog holds the available plugins.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]entry)}
}

// Register adds a plugin to the catalog.
func (c *Catalog) Register(desc Description, f Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := desc.key()
	if _, ok := c.entries[k]; ok {
		return fmt.Errorf("%s: %w", desc.PluginInfo, ErrDuplicate)
	}
	c.entries[k] = entry{desc: desc, factory: f}
	return nil
}

// List returns every catalog entry sorted by name.
func (c *Catalog) List() PluginInfos {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make(PluginInfos, 0, len(c.entries))
	for _, e := range c.entries {
		infos = append(infos, e.desc.PluginInfo)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Introspect returns the parameter layout of a catalog entry.
func (c *Catalog) Introspect(info PluginInfo) (Description, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[info.key()]
	if !ok {
		return Description{}, fmt.Errorf("%s: %w", info, ErrUnknownPlugin)
	}
	return e.desc, nil
}

// New instantiates a catalog entry.
func (c *Catalog) New(info PluginInfo, cfg Config) (Plugin, error) {
	c.mu.RLock()
	e, ok := c.entries[info.key()]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", info, ErrUnknownPlugin)
	}
	if cfg.ID.IsNil() {
		cfg.ID = ident.New()
	}
	return e.factory(cfg), nil
}

// FromState recreates a plugin with its stored identifiers and values.
func (c *Catalog) FromState(st State, trackID ident.ID) (Plugin, error) {
	p, err := c.New(st.Info, Config{ID: st.ID, TrackID: trackID, PortIDs: st.Ports})
	if err != nil {
		return nil, err
	}
	p.ApplyState(st)
	return p, nil
}

var (
	builtinOnce sync.Once
	builtin     *Catalog
)

// Builtin returns the catalog of plugins shipped with the engine.
func Builtin() *Catalog {
	builtinOnce.Do(func() {
		builtin = NewCatalog()
		registerBuiltins(builtin)
	})
	return builtin
}

// List returns the built-in catalog entries.
func List() PluginInfos {
	return Builtin().List()
}

// Introspect returns the description of a built-in plugin.
func (info PluginInfo) Introspect() (Description, error) {
	return Builtin().Introspect(info)
}
