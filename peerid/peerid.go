// Package peerid implements the 20-byte PGP fingerprint identifier
// used throughout the hub to name peers.
package peerid

import (
	"encoding/hex"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Size is the length in bytes of a PeerId (a SHA-1 key fingerprint).
const Size = 20

// PeerId is the opaque fingerprint of a peer's PGP public key.
// Two PeerIds are equal iff they were derived from the same key.
type PeerId [Size]byte

// Zero is the all-zero PeerId, used as a sentinel for "no peer".
var Zero PeerId

// String renders the identifier as lowercase hex, matching the wire
// representation used in Hub/Node cookie bodies and log lines.
func (id PeerId) String() string {
	return hex.EncodeToString(id[:])
}

// Parse decodes a lowercase (or mixed-case) hex string into a PeerId.
func Parse(s string) (PeerId, error) {
	var id PeerId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("peerid: invalid hex: %w", err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("peerid: want %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Less gives PeerId a total order so it can be used as a sorted map
// key or in deterministic test fixtures.
func (id PeerId) Less(other PeerId) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether id is the zero value.
func (id PeerId) IsZero() bool {
	return id == Zero
}

// MarshalBSONValue encodes the PeerId as a BSON binary (subtype 0x00)
// so it round-trips as a fixed 20-byte blob inside wire envelopes,
// rather than as a hex string that would need re-parsing on decode.
func (id PeerId) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(primitive.Binary{Subtype: 0x00, Data: append([]byte(nil), id[:]...)})
}

// UnmarshalBSONValue decodes a BSON binary value produced by
// MarshalBSONValue back into a PeerId.
func (id *PeerId) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var bin primitive.Binary
	if err := bson.UnmarshalValue(t, data, &bin); err != nil {
		return fmt.Errorf("peerid: decode binary: %w", err)
	}
	if len(bin.Data) != Size {
		return fmt.Errorf("peerid: want %d bytes, got %d", Size, len(bin.Data))
	}
	copy(id[:], bin.Data)
	return nil
}
