package port

import (
	"fmt"

	"github.com/shaban/patchbay/engine/ident"
)

// OwnerKind says what kind of object a port belongs to.
type OwnerKind uint8

const (
	OwnerEngine OwnerKind = iota
	OwnerPlugin
	OwnerTrack
	OwnerChannel
	OwnerFader
	OwnerSend
	OwnerProcessor
	OwnerHardware
	OwnerTransport
	OwnerModulator
)

func (o OwnerKind) String() string {
	switch o {
	case OwnerEngine:
		return "engine"
	case OwnerPlugin:
		return "plugin"
	case OwnerTrack:
		return "track"
	case OwnerChannel:
		return "channel"
	case OwnerFader:
		return "fader"
	case OwnerSend:
		return "send"
	case OwnerProcessor:
		return "processor"
	case OwnerHardware:
		return "hardware"
	case OwnerTransport:
		return "transport"
	case OwnerModulator:
		return "modulator"
	default:
		return "unknown"
	}
}

// Kind is the signal kind carried by a port.
type Kind uint8

const (
	KindControl Kind = iota
	KindAudio
	KindEvent
	KindCV
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindAudio:
		return "audio"
	case KindEvent:
		return "event"
	case KindCV:
		return "cv"
	default:
		return "unknown"
	}
}

// Flow is the direction of a port relative to its owner.
type Flow uint8

const (
	FlowInput Flow = iota
	FlowOutput
)

func (f Flow) String() string {
	if f == FlowInput {
		return "in"
	}
	return "out"
}

// Unit is the display unit of a control port.
type Unit uint8

const (
	UnitNone Unit = iota
	UnitHz
	UnitMHz
	UnitDB
	UnitDegrees
	UnitSeconds
	UnitMilliseconds
	UnitMicroseconds
)

func (u Unit) String() string {
	switch u {
	case UnitHz:
		return "Hz"
	case UnitMHz:
		return "MHz"
	case UnitDB:
		return "dB"
	case UnitDegrees:
		return "°"
	case UnitSeconds:
		return "s"
	case UnitMilliseconds:
		return "ms"
	case UnitMicroseconds:
		return "μs"
	default:
		return ""
	}
}

// Flags describe the role and behavior of a port.
type Flags uint64

const (
	FlagStereoL Flags = 1 << iota
	FlagStereoR
	FlagSidechain
	FlagToggle
	FlagInteger
	FlagLogarithmic
	FlagAutomatable
	FlagHardware
	FlagNotOnGUI

	// gain stage roles
	FlagAmplitude
	FlagBalance
	FlagMute
	FlagSolo
	FlagListen
	FlagMonoCompat
	FlagPhaseInvert

	// send roles
	FlagSendAmount
	FlagSendEnabled

	// input stage roles
	FlagMidiCC
	FlagPitchBend
	FlagChannelPressure
	FlagMonitor
	FlagMonoSum
	FlagInputGain
	FlagOutputGain

	FlagPluginEnabled
	FlagBypass
)

// Has reports whether every bit of want is set.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// Identity is the immutable descriptor of a port. It is created with its
// owner and copied, never shared, when a port is cloned.
type Identity struct {
	ID       ident.ID  `json:"id"`
	Owner    OwnerKind `json:"owner"`
	Kind     Kind      `json:"kind"`
	Flow     Flow      `json:"flow"`
	Unit     Unit      `json:"unit,omitempty"`
	Flags    Flags     `json:"flags,omitempty"`
	TrackID  ident.ID  `json:"trackId"`
	PluginID ident.ID  `json:"pluginId"`
	Label    string    `json:"label"`
	Symbol   string    `json:"symbol,omitempty"`
	Group    string    `json:"group,omitempty"`
	// HardwareID is the backend name of an external port.
	HardwareID string `json:"hardwareId,omitempty"`
	// Index is the position of the port within its owner's port list.
	Index int `json:"index"`
}

// Is reports whether the identity carries every flag in f.
func (id Identity) Is(f Flags) bool {
	return id.Flags.Has(f)
}

// Clone returns a copy of the identity with the ID treated per mode.
func (id Identity) Clone(mode ident.CloneMode) Identity {
	c := id
	c.ID = mode.Apply(id.ID)
	return c
}

func (id Identity) String() string {
	return fmt.Sprintf("%s %s %s port %q (%s)", id.Owner, id.Kind, id.Flow, id.Label, id.ID.Short())
}
