package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single BSON record read from a stream,
// guarding the receive loop against a peer that sends a bogus length
// prefix and exhausts memory.
const MaxMessageSize = 16 << 20 // 16 MiB

// ReadMessage reads one self-delimiting BSON document off r: BSON
// documents begin with a little-endian int32 total length, so the
// frame boundary never needs an extra length prefix of our own.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	size := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if size < 5 || int64(size) > MaxMessageSize {
		return Message{}, fmt.Errorf("wire: implausible document length %d", size)
	}

	buf := make([]byte, size)
	copy(buf, lenBuf[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return Message{}, err
	}
	return Decode(buf)
}

// WriteMessage serializes m and writes it to w in a single Write
// call, so callers holding a per-stream mutex never interleave
// partial records from concurrent senders.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
