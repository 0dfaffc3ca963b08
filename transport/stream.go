package transport

import (
	"context"
	"io"
	"net"
)

// Stream is the narrow surface a handshake or receive loop needs from
// a QUIC bidirectional stream. Matching it structurally (rather than
// importing quic.Stream directly everywhere) lets tests substitute an
// in-memory net.Pipe() without a real QUIC connection.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Session is the narrow surface a handshake needs from a QUIC
// connection: opening/accepting the one bidirectional stream pair
// used per logical peer, plus enough identity to log and tear down.
type Session interface {
	OpenStreamSync(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	CloseWithError(code uint64, reason string) error
	RemoteAddr() net.Addr
}
