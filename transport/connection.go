// Package transport implements PeerConnection: one QUIC connection to
// one neighboring hub, carrying a handshake per logical peer and, once
// authenticated, a framed bidirectional message exchange with
// keepalive.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overlaymesh/hub/cookie"
	"github.com/overlaymesh/hub/errs"
	"github.com/overlaymesh/hub/keystore"
	"github.com/overlaymesh/hub/logging"
	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/wire"
)

// KeepaliveInterval is how often a receive-authenticated peer-stream
// emits a Command "PING" to keep the logical peer entry warm.
const KeepaliveInterval = 5 * time.Second

// EventHandler is how a Connection publishes inbound messages without
// depending on the routing engine — the event-publisher decoupling
// called for in the design notes. A Connection knows nothing about
// RoutingEngine; RoutingEngine subscribes by supplying this callback.
type EventHandler func(conn *Connection, peer peerid.PeerId, msg wire.Message)

type peerStream struct {
	writeMu sync.Mutex
	writer  Stream
	reader  *bufio.Reader
	cancel  context.CancelFunc
	done    chan struct{}
}

// Connection owns one underlying QUIC session and every logical
// peer-stream multiplexed on it. A single QUIC connection may carry
// more than one (PeerId -> stream) pair when the hub on the other end
// aggregates multiple downstream peers.
type Connection struct {
	id      uuid.UUID
	session Session
	ks      *keystore.KeyStore
	log     logging.Logger
	onEvent EventHandler

	mu       sync.RWMutex
	inbound  map[peerid.PeerId]*peerStream
	outbound map[peerid.PeerId]*peerStream
}

// New wraps session as a Connection. onEvent is invoked once per
// decoded inbound Message, from the receive loop's own goroutine; a nil
// onEvent discards inbound messages. Each
// Connection is tagged with a random id so its log lines can be
// correlated across the several goroutines (handshake, receive,
// keepalive) that act on it concurrently.
func New(session Session, ks *keystore.KeyStore, log logging.Logger, onEvent EventHandler) *Connection {
	id := uuid.New()
	return &Connection{
		id:       id,
		session:  session,
		ks:       ks,
		log:      log.WithField("conn_id", id.String()),
		onEvent:  onEvent,
		inbound:  make(map[peerid.PeerId]*peerStream),
		outbound: make(map[peerid.PeerId]*peerStream),
	}
}

// ID returns the Connection's correlation id, useful for callers that
// log their own lines about a specific connection (e.g. the routing
// engine when it dials one on demand).
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Open runs the handshake for one logical peer over a fresh stream
// pair on this connection (dialing the stream as initiator, or
// accepting it as responder), registers the resulting peer-stream,
// and — for the initiator only — sends the self-announcement Entity
// message carrying selfCookie. It returns the authenticated remote
// PeerId.
func (c *Connection) Open(ctx context.Context, role Role, selfCookie cookie.Cookie) (peerid.PeerId, error) {
	var (
		stream Stream
		err    error
	)
	switch role {
	case RoleInitiator:
		stream, err = c.session.OpenStreamSync(ctx)
	case RoleResponder:
		stream, err = c.session.AcceptStream(ctx)
	default:
		return peerid.PeerId{}, fmt.Errorf("transport: unknown role %d", role)
	}
	if err != nil {
		return peerid.PeerId{}, fmt.Errorf("%w: opening handshake stream: %v", errs.ErrTransport, err)
	}

	hsResult, err := runHandshake(role, c.ks, stream)
	if err != nil {
		_ = stream.Close()
		return peerid.PeerId{}, err
	}

	ps := c.addPeerStream(hsResult.RemoteID, stream, hsResult.Reader)

	if role == RoleInitiator {
		encoded, err := cookie.Encode(selfCookie)
		if err != nil {
			return peerid.PeerId{}, fmt.Errorf("transport: encode self cookie: %w", err)
		}
		announcement := wire.Message{Recipient: hsResult.RemoteID, TTL: 0, Code: wire.CodeEntity, Payload: encoded}
		if err := c.sendOn(ps, announcement); err != nil {
			return peerid.PeerId{}, fmt.Errorf("transport: send self-announcement: %w", err)
		}
	}

	return hsResult.RemoteID, nil
}

// addPeerStream registers a newly-authenticated peer-stream pair,
// tearing down and replacing any predecessor entry for the same
// PeerId: a second handshake for a peer that was already present
// (e.g. after a reconnect) cancels the earlier entry's tasks and closes
// its stream before the new one takes over.
func (c *Connection) addPeerStream(remote peerid.PeerId, stream Stream, reader *bufio.Reader) *peerStream {
	runCtx, cancel := context.WithCancel(context.Background())
	ps := &peerStream{writer: stream, reader: reader, cancel: cancel, done: make(chan struct{})}

	var olds []*peerStream
	c.mu.Lock()
	if old, ok := c.inbound[remote]; ok {
		old.cancel()
		olds = append(olds, old)
	}
	if old, ok := c.outbound[remote]; ok {
		old.cancel()
		if len(olds) == 0 || olds[0] != old {
			olds = append(olds, old)
		}
	}
	c.inbound[remote] = ps
	c.outbound[remote] = ps
	c.mu.Unlock()

	for _, old := range olds {
		_ = old.writer.Close()
	}

	go c.receiveLoop(runCtx, remote, ps)
	go c.keepaliveLoop(runCtx, remote, ps)

	return ps
}

// Send serializes msg onto the outbound stream selected for target.
// Returns errs.ErrNoRoute if this connection carries no stream for
// target.
func (c *Connection) Send(target peerid.PeerId, msg wire.Message) error {
	ps, err := c.bestOutboundStream(target)
	if err != nil {
		return err
	}
	return c.sendOn(ps, msg)
}

func (c *Connection) sendOn(ps *peerStream, msg wire.Message) error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()
	if err := wire.WriteMessage(ps.writer, msg); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	return nil
}

// bestOutboundStream prefers an exact match in the outbound map,
// falling back to the single stream present when there is exactly
// one. It must consult the OUTBOUND map — see debugProbeInboundStream
// for a documented-and-tested regression guard against reading the
// inbound map here by mistake.
func (c *Connection) bestOutboundStream(target peerid.PeerId) (*peerStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ps, ok := c.outbound[target]; ok {
		return ps, nil
	}
	if len(c.outbound) == 1 {
		for _, ps := range c.outbound {
			return ps, nil
		}
	}
	return nil, errs.ErrNoRoute
}

// debugProbeInboundStream exists only to be exercised by a regression
// test: an earlier revision of bestOutboundStream's lookup read the
// inbound map instead of outbound, almost certainly a typo, and this
// documents and tests both lookups so the mistake can't silently
// reappear. It must never be called from production send paths.
func (c *Connection) debugProbeInboundStream(target peerid.PeerId) (*peerStream, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.inbound[target]
	return ps, ok
}

func (c *Connection) receiveLoop(ctx context.Context, remote peerid.PeerId, ps *peerStream) {
	defer close(ps.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := wire.ReadMessage(ps.reader)
		if err != nil {
			c.log.WithField("peer", remote.String()).Debugf("receive loop ending: %v", err)
			return
		}
		if c.onEvent != nil {
			c.onEvent(c, remote, msg)
		}
	}
}

func (c *Connection) keepaliveLoop(ctx context.Context, remote peerid.PeerId, ps *peerStream) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	ping := wire.Message{Recipient: remote, TTL: 0, Code: wire.CodeCommand, Payload: []byte("PING")}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendOn(ps, ping); err != nil {
				c.log.WithField("peer", remote.String()).Debugf("keepalive send failed: %v", err)
				return
			}
		}
	}
}

// RemovePeer cancels the receive/keepalive tasks for remote, drops its
// stream entries, waits for the receive loop to exit and then closes
// the stream. The keepalive task is cancelled but not waited for.
func (c *Connection) RemovePeer(remote peerid.PeerId) {
	c.mu.Lock()
	ps, ok := c.inbound[remote]
	delete(c.inbound, remote)
	delete(c.outbound, remote)
	c.mu.Unlock()

	if !ok {
		return
	}
	ps.cancel()
	<-ps.done
	_ = ps.writer.Close()
}

// Close tears down every logical peer on this connection and closes
// the underlying QUIC session.
func (c *Connection) Close() error {
	c.mu.Lock()
	remotes := make([]peerid.PeerId, 0, len(c.inbound))
	for id := range c.inbound {
		remotes = append(remotes, id)
	}
	c.mu.Unlock()

	for _, id := range remotes {
		c.RemovePeer(id)
	}
	return c.session.CloseWithError(0, "closing")
}
