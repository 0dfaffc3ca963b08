package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/overlaymesh/hub/config"
	"github.com/overlaymesh/hub/cookie"
	"github.com/overlaymesh/hub/directory"
	"github.com/overlaymesh/hub/errs"
	"github.com/overlaymesh/hub/keystore"
	"github.com/overlaymesh/hub/logging"
	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/queue"
	"github.com/overlaymesh/hub/transport"
	"github.com/overlaymesh/hub/wire"
)

// LocalSignalingSink receives plaintext SIP datagrams that an inbound
// Application message decrypted to self. The signaling package
// implements this; routing only depends on the interface, avoiding an
// import cycle between the two.
type LocalSignalingSink interface {
	DeliverSIP(ctx context.Context, from peerid.PeerId, plaintext []byte) error
}

// Router is the narrow surface the signaling adapter needs from the
// engine: route an encrypted message, or resolve a peer's PGP entity.
type Router interface {
	RouteMessage(ctx context.Context, msg wire.Message)
	GetEntityKeys(ctx context.Context, target peerid.PeerId) (*openpgp.Entity, error)
}

// Dialer opens a new outbound Connection to a peer at addr, running
// the initiator handshake. cmd/hubd supplies this, backed by a real
// QUIC dial; tests supply a net.Pipe()-backed fake.
type Dialer func(ctx context.Context, addr string) (*transport.Connection, peerid.PeerId, error)

// Engine is the RoutingEngine: the connection registry, inbound
// dispatcher, forwarding policy, and store-and-forward owner.
type Engine struct {
	self peerid.PeerId
	ks   *keystore.KeyStore
	cfg  config.Config
	log  logging.Logger

	table *Table
	queue *queue.Queue
	dir   directory.Lookup
	dial  Dialer

	sequence uint64
	sink     LocalSignalingSink

	selfCookieMu sync.RWMutex
	selfCookie   *cookie.Cookie
}

// New constructs an Engine. dial may be nil if this process never
// originates hub-relay connections (e.g. in tests exercising only
// local dispatch).
func New(self peerid.PeerId, ks *keystore.KeyStore, cfg config.Config, log logging.Logger, q *queue.Queue, dir directory.Lookup, dial Dialer) *Engine {
	return &Engine{
		self:  self,
		ks:    ks,
		cfg:   cfg,
		log:   log,
		table: NewTable(),
		queue: q,
		dir:   dir,
		dial:  dial,
	}
}

// SetSignalingSink wires the engine to deliver locally-addressed
// decrypted Application payloads to sink, keeping the SIP tunneling
// concern behind a narrow sidecar interface rather than an import
// cycle.
func (e *Engine) SetSignalingSink(sink LocalSignalingSink) {
	e.sink = sink
}

// SetDialer installs the Dialer used for on-demand hub-relay
// connections. It exists separately from New because the dialer
// itself typically needs to close over the engine (e.g. to reuse
// Engine.OnEvent as the new Connection's EventHandler), which would
// otherwise be a construction cycle.
func (e *Engine) SetDialer(dial Dialer) {
	e.dial = dial
}

// OnEvent is passed to transport.New as the Connection's EventHandler.
// It is the single seam between the transport layer and routing.
func (e *Engine) OnEvent(conn *transport.Connection, peer peerid.PeerId, msg wire.Message) {
	ctx := context.Background()
	if msg.Recipient == e.self {
		e.processLocal(ctx, conn, peer, msg)
		return
	}
	e.RouteMessage(ctx, msg)
}

// OpenConnection registers a freshly-authenticated Connection/PeerId
// pair in the routing table, spawns its flush task (so any queued
// messages for that peer drain the moment it reconnects), and — if
// bootstrap is non-nil — routes it immediately.
func (e *Engine) OpenConnection(conn *transport.Connection, peer peerid.PeerId, bootstrap *wire.Message) {
	e.table.addConnection(peer, conn)

	flushCtx, cancel := context.WithCancel(context.Background())
	e.table.replaceFlushTask(peer, cancel)
	go func() {
		if err := e.FlushMessages(flushCtx, peer.String()); err != nil {
			e.log.WithField("peer", peer.String()).Debugf("flush on connect: %v", err)
		}
	}()

	if bootstrap != nil {
		e.RouteMessage(context.Background(), *bootstrap)
	}
}

// CloseConnection unregisters conn for peer and cancels its flush
// task. It does not close the underlying transport.Connection; the
// caller (transport layer or cmd/hubd shutdown path) owns that.
func (e *Engine) CloseConnection(conn *transport.Connection, peer peerid.PeerId) {
	e.table.removeConnection(peer, conn)
	e.table.cancelFlushTask(peer)
}

// nextSequence returns a monotonically increasing counter for this
// process's self-announced Hub cookie body.
func (e *Engine) nextSequence() uint64 {
	e.sequence++
	return e.sequence
}

// SelfCookie builds a freshly-signed Hub cookie announcing this
// process's identity, remembers it as the cookie GetEntityKeys
// attaches to an on-demand Entity exchange, and returns it for use as
// a Connection.Open initiator announcement.
func (e *Engine) SelfCookie(hostname, directoryURI, serviceURI string, owners []peerid.PeerId) (cookie.Cookie, error) {
	body := cookie.Body{
		Kind: cookie.KindHub,
		Hub: &cookie.HubBody{
			Hostname:     hostname,
			DirectoryURI: directoryURI,
			ServiceURI:   serviceURI,
			Owners:       owners,
			Sequence:     e.nextSequence(),
		},
	}
	c, err := cookie.Sign(e.ks, body)
	if err != nil {
		return cookie.Cookie{}, err
	}

	e.selfCookieMu.Lock()
	e.selfCookie = &c
	e.selfCookieMu.Unlock()

	return c, nil
}

// CurrentSelfCookie returns the most recently signed self cookie
// without resynthesizing it, for callers (e.g. a new outbound
// hub-relay dial) that want to reuse the identity SelfCookie already
// established rather than sign a fresh one with blank role fields.
func (e *Engine) CurrentSelfCookie() (cookie.Cookie, bool) {
	e.selfCookieMu.RLock()
	defer e.selfCookieMu.RUnlock()
	if e.selfCookie == nil {
		return cookie.Cookie{}, false
	}
	return *e.selfCookie, true
}

// GetEntityKeys resolves target's PGP entity, blocking until a cookie
// carrying it has been observed (via processLocal's Entity handling)
// or ctx is done. If no exchange for target is already in flight, it
// first synthesizes and routes our own cookie to target, on demand,
// so target has a reason to reply with its own Entity message. This is
// the completion-latch rendezvous GetEntityKeys and its counterpart in
// handleEntity both wait on.
func (e *Engine) GetEntityKeys(ctx context.Context, target peerid.PeerId) (*openpgp.Entity, error) {
	l, created := e.table.entityLatchCreated(target)
	if created {
		e.routeSelfCookieTo(ctx, target)
	}

	select {
	case <-l.Done():
		return l.Wait(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for entity key of %s", errs.ErrTimeout, target)
	}
}

// routeSelfCookieTo routes our own signed cookie to target as an
// Entity message, prompting it to answer with its own — used both to
// originate an on-demand exchange (GetEntityKeys) and to answer one
// that target originated against us (handleEntity). If SelfCookie was
// never called (e.g. a test engine with no announced identity), this
// is a no-op: the latch can still be fulfilled by an Entity message
// that arrives unprompted.
func (e *Engine) routeSelfCookieTo(ctx context.Context, target peerid.PeerId) {
	e.selfCookieMu.RLock()
	self := e.selfCookie
	e.selfCookieMu.RUnlock()
	if self == nil {
		return
	}

	encoded, err := cookie.Encode(*self)
	if err != nil {
		e.log.WithError(err).Warn("failed to encode self cookie for on-demand entity exchange")
		return
	}

	// Unlike the handshake's same-connection self-announcement (ttl=0,
	// sent directly on the stream that was just authenticated), this
	// exchange may need to traverse other hubs to reach target, so it
	// needs a real hop budget.
	e.RouteMessage(ctx, wire.Message{Recipient: target, TTL: e.cfg.StartTTL, Code: wire.CodeEntity, Payload: encoded})
}
