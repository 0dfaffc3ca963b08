// Package errs collects the sentinel error kinds the hub's error
// handling distinguishes, so callers can branch on them with
// errors.Is instead of string-matching log lines.
package errs

import "errors"

var (
	// ErrNoRoute means no stream or directory entry exists for a
	// recipient; routing policy on this error is to enqueue.
	ErrNoRoute = errors.New("overlay: no route to peer")

	// ErrHandshakeFailure means a nonce mismatch, malformed key, or
	// signature verification failure occurred during the peer
	// handshake. Fatal to the connection; never retried automatically.
	ErrHandshakeFailure = errors.New("overlay: handshake failure")

	// ErrProtocolViolation means a stream produced a malformed BSON
	// record or one missing an expected field. Fatal to the stream.
	ErrProtocolViolation = errors.New("overlay: protocol violation")

	// ErrTransport means the underlying QUIC connection or stream was
	// reset or disconnected.
	ErrTransport = errors.New("overlay: transport error")

	// ErrTimeout means GetEntityKeys's context ended before the peer's
	// key arrived. A hub dial that exceeds its deadline does not return
	// it: the dial error is logged and the message is enqueued.
	ErrTimeout = errors.New("overlay: dial timeout")

	// ErrDecryptionFailure means an Application payload could not be
	// decrypted or its signature didn't verify. The message is
	// dropped and logged, never reported back to the sender.
	ErrDecryptionFailure = errors.New("overlay: decryption failure")

	// ErrSignalingParse means the plaintext behind an Application
	// message was not well-formed SIP. Dropped silently at the
	// adapter boundary.
	ErrSignalingParse = errors.New("overlay: signaling parse failure")

	// ErrOperationCanceled is returned by code paths that unwind
	// during shutdown; callers joining a task must swallow it.
	ErrOperationCanceled = errors.New("overlay: operation canceled")
)
