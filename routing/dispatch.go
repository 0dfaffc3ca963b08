package routing

import (
	"context"

	"github.com/overlaymesh/hub/cookie"
	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/transport"
	"github.com/overlaymesh/hub/wire"
)

// processLocal handles a Message addressed to this process, dispatched
// by Message.Code. from is the direct neighbor the message arrived
// over, not necessarily the message's logical sender. conn is the
// Connection it arrived on, needed by handleEntity to register the
// announced peer as reachable over conn.
func (e *Engine) processLocal(ctx context.Context, conn *transport.Connection, from peerid.PeerId, msg wire.Message) {
	switch msg.Code {
	case wire.CodeEntity:
		e.handleEntity(ctx, conn, msg)
	case wire.CodeApplication:
		e.handleApplication(ctx, from, msg)
	case wire.CodeCommand:
		e.handleCommand(from, msg)
	default:
		e.log.WithField("code", msg.Code.String()).Warn("dropping message with unrecognized code")
	}
}

// handleEntity decodes and verifies an announced Cookie, registers conn
// as a direct route to the cookie's own key (an aggregating neighbor
// may announce a downstream peer over a connection that never ran a
// handshake for that specific identity), remembers its role body for
// future routing decisions, and fulfills the entity-key latch any
// waiting GetEntityKeys caller is blocked on. Per the latch's
// first-setter-wins semantics, only the call that actually transitions
// the latch from unset to fulfilled answers back with our own cookie —
// a peer re-announcing itself (or racing with an outstanding exchange)
// still refreshes the connection and cookie entries but draws no reply.
func (e *Engine) handleEntity(ctx context.Context, conn *transport.Connection, msg wire.Message) {
	c, err := cookie.Decode(msg.Payload)
	if err != nil {
		e.log.WithError(err).Warn("discarding malformed entity cookie")
		return
	}
	entity, err := cookie.Verify(c)
	if err != nil {
		e.log.WithError(err).WithField("peer", c.Key.String()).Warn("discarding entity cookie with invalid signature")
		return
	}

	if conn != nil {
		e.OpenConnection(conn, c.Key, nil)
	}

	e.table.rememberCookie(c)
	if e.table.entityLatch(c.Key).TrySet(entity) {
		e.routeSelfCookieTo(ctx, c.Key)
	}
}

// handleApplication decrypts an Application payload addressed to self
// (the SIP tunneling envelope) and, if a sink is wired, delivers the
// plaintext for local signaling processing.
func (e *Engine) handleApplication(ctx context.Context, from peerid.PeerId, msg wire.Message) {
	if e.sink == nil {
		e.log.Warn("dropping application message: no signaling sink wired")
		return
	}

	remoteEntity, err := e.GetEntityKeys(ctx, from)
	if err != nil {
		e.log.WithError(err).WithField("peer", from.String()).Warn("dropping application message: sender entity unknown")
		return
	}

	plaintext, err := e.ks.DecryptVerifyArmored(msg.Payload, remoteEntity)
	if err != nil {
		e.log.WithError(err).Warn("dropping application message: decrypt/verify failed")
		return
	}

	if err := e.sink.DeliverSIP(ctx, from, plaintext); err != nil {
		e.log.WithError(err).Warn("signaling sink rejected delivered payload")
	}
}

// handleCommand handles the small fixed vocabulary of Command payloads
// (currently just the keepalive ping, which needs no action beyond
// having drained the stream).
func (e *Engine) handleCommand(from peerid.PeerId, msg wire.Message) {
	if string(msg.Payload) == "PING" {
		e.log.WithField("peer", from.String()).Debug("keepalive received")
		return
	}
	e.log.WithField("peer", from.String()).Debugf("unrecognized command payload: %q", msg.Payload)
}

// RememberCaller and TakeCaller expose the call-ID bookkeeping the
// signaling adapter needs to route a response back to its originating
// peer, without the signaling package owning routing-table state
// directly.
func (e *Engine) RememberCaller(callID string, from peerid.PeerId) {
	e.table.rememberCaller(callID, from)
}

func (e *Engine) TakeCaller(callID string) (peerid.PeerId, bool) {
	return e.table.takeCaller(callID)
}
