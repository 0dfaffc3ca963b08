// Package wire defines the framed record exchanged between hubs once
// a PeerConnection handshake has completed, and its BSON codec.
package wire

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/overlaymesh/hub/peerid"
)

// Code distinguishes the three message kinds the core understands.
// Implementations must accept and ignore codes they don't recognize
// (see Command handling in routing.Engine.processLocal).
type Code int32

const (
	// CodeCommand carries control-plane traffic such as keepalive pings.
	CodeCommand Code = iota
	// CodeEntity carries a signed Cookie announcing a peer's identity.
	CodeEntity
	// CodeApplication carries an end-to-end encrypted payload (SIP bytes).
	CodeApplication
)

func (c Code) String() string {
	switch c {
	case CodeCommand:
		return "Command"
	case CodeEntity:
		return "Entity"
	case CodeApplication:
		return "Application"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// Message is the immutable unit of routing: a recipient, a hop budget,
// a payload kind, and opaque bytes. Forwarding never mutates a
// Message in place; it produces a copy via Decremented or WithTTL.
type Message struct {
	Recipient peerid.PeerId `bson:"recipient"`
	TTL       int32         `bson:"ttl"`
	Code      Code          `bson:"code"`
	Payload   []byte        `bson:"payload"`
}

// Decremented returns a copy of m with TTL reduced by one. Per the
// TTL monotonicity invariant, this is the only way forwarding code is
// allowed to change a message's hop budget.
func (m Message) Decremented() Message {
	m.TTL--
	return m
}

// WithTTL returns a copy of m with TTL rewritten to ttl, used to
// normalize externally injected ttl<0 messages to the configured
// start TTL before routing.
func (m Message) WithTTL(ttl int32) Message {
	m.TTL = ttl
	return m
}

// WithRecipient returns a copy of m redirected to recipient, used when
// routing indirection (User -> owned Node, Node -> last-seen-by hub)
// substitutes a different delivery target than the one originally
// addressed.
func (m Message) WithRecipient(recipient peerid.PeerId) Message {
	m.Recipient = recipient
	return m
}

// Encode serializes m as a single BSON document, the wire form
// streamed back-to-back on a peer's outbound stream.
func Encode(m Message) ([]byte, error) {
	b, err := bson.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	return b, nil
}

// Decode parses one BSON document into a Message. A malformed or
// incomplete document is a protocol-violation, fatal to the stream
// that produced it.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := bson.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	return m, nil
}
