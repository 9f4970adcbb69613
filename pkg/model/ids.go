// Package model defines the core domain types shared across the agent's
// subsystems: identifiers, peer/session/computation vocabulary, and the
// wire-level address shape that the router, registry, and
// routing store all need a common view of.
package model

import (
	"bytes"

	"github.com/google/uuid"
)

// NodeID, SessionID and CompID are all realized as UUID values. They are
// compared by total ordering on the underlying 16-byte array and rendered
// as the canonical hyphenated hex string on the wire.
type (
	NodeID    = uuid.UUID
	SessionID = uuid.UUID
	CompID    = uuid.UUID
)

// ZeroID is the nil UUID, used as the "unset" sentinel for optional ID
// fields on the wire where a pointer would otherwise be required.
var ZeroID = uuid.Nil

// NewID generates a fresh random identifier.
func NewID() uuid.UUID {
	return uuid.New()
}

// ParseID parses the canonical hyphenated hex form of an identifier.
func ParseID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// CompareID orders two identifiers by their 16-byte value.
func CompareID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
