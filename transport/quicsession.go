package transport

import (
	"context"
	"net"

	"github.com/quic-go/quic-go"
)

// quicSession adapts a real quic-go connection to the narrow Session
// interface the handshake and dispatch code depends on.
type quicSession struct {
	conn quic.Connection
}

// WrapQUICConnection returns a Session backed by a live QUIC
// connection, for use by the dialer/listener glue in cmd/hubd.
func WrapQUICConnection(conn quic.Connection) Session {
	return quicSession{conn: conn}
}

func (s quicSession) OpenStreamSync(ctx context.Context) (Stream, error) {
	return s.conn.OpenStreamSync(ctx)
}

func (s quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	return s.conn.AcceptStream(ctx)
}

func (s quicSession) CloseWithError(code uint64, reason string) error {
	return s.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (s quicSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// ALPN is the application-layer protocol negotiated at the QUIC
// layer, identifying the overlay wire version.
const ALPN = "overlayV2"
