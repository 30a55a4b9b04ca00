// Package ident provides the identifiers used to refer to ports, tracks,
// plugins and other engine objects without holding raw pointers.
package ident

import (
	"github.com/google/uuid"
)

// ID identifies an engine object. The zero value is Nil.
type ID uuid.UUID

// Nil is the empty identifier.
var Nil ID

// New returns a fresh random identifier.
func New() ID {
	return ID(uuid.New())
}

// Derive returns a name-based identifier scoped to parent. The same parent
// and name always give the same ID.
func Derive(parent ID, name string) ID {
	return ID(uuid.NewSHA1(uuid.UUID(parent), []byte(name)))
}

// Parse parses the canonical string form of an identifier.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, err
	}
	return ID(u), nil
}

// MustParse is like Parse but panics on malformed input. Intended for tests
// and constants.
func MustParse(s string) ID {
	return ID(uuid.MustParse(s))
}

// IsNil reports whether id is the empty identifier.
func (id ID) IsNil() bool {
	return id == Nil
}

// String returns the canonical string form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Short returns the first 8 hex characters, for log lines and labels.
func (id ID) Short() string {
	return id.String()[:8]
}

// MarshalText implements encoding.TextMarshaler so IDs can be used as JSON
// values and map keys.
func (id ID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = ID(u)
	return nil
}

// CloneMode selects how identities are treated when an object is cloned.
type CloneMode int

const (
	// CloneSnapshot keeps every identifier, used for undo snapshots.
	CloneSnapshot CloneMode = iota
	// CloneNewIdentity mints new identifiers, used for copy/paste and
	// duplication.
	CloneNewIdentity
)

// Apply returns id unchanged for snapshots and a fresh ID otherwise. Nil
// stays Nil in both modes.
func (m CloneMode) Apply(id ID) ID {
	if m == CloneSnapshot || id.IsNil() {
		return id
	}
	return New()
}

func (m CloneMode) String() string {
	switch m {
	case CloneSnapshot:
		return "snapshot"
	case CloneNewIdentity:
		return "new-identity"
	default:
		return "unknown"
	}
}
