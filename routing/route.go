package routing

import (
	"context"
	"time"

	"github.com/overlaymesh/hub/config"
	"github.com/overlaymesh/hub/cookie"
	"github.com/overlaymesh/hub/wire"
)

// dialTimeout bounds an on-demand hub dial triggered by RouteMessage
// when no direct connection or cached route exists yet.
const dialTimeout = 5 * time.Second

// RouteMessage implements the hub's forwarding policy: fan out
// to every direct connection for the recipient if any exist; otherwise
// consult the recipient's last-known Cookie to decide between
// recursing toward owned nodes (User), waiting for a direct reconnect
// or relaying through another hub (Node), or resolving a fresh
// connection through the directory service (Hub); and failing all of
// that, enqueue for store-and-forward delivery.
func (e *Engine) RouteMessage(ctx context.Context, msg wire.Message) {
	if msg.Recipient == e.self {
		// No conn: this message was routed internally (e.g. a queued
		// message flushed to self, or self-addressed forwarding), not
		// received fresh over a Connection.
		e.processLocal(ctx, nil, e.self, msg)
		return
	}

	// A ttl<0 message only ever arrives externally injected (never
	// produced by our own forwarding, which always decrements a
	// non-negative ttl): normalize it to the configured start ttl and
	// route exactly once more. The rewrite has no other side effect.
	if msg.TTL < 0 {
		e.RouteMessage(ctx, msg.WithTTL(e.cfg.StartTTL))
		return
	}

	if conns := e.table.connectionsFor(msg.Recipient); len(conns) > 0 {
		forwarded := msg.Decremented()
		for _, conn := range conns {
			if err := conn.Send(msg.Recipient, forwarded); err != nil {
				e.log.WithError(err).WithField("peer", msg.Recipient.String()).Debug("direct send failed")
			}
		}
		return
	}

	if !e.ttlPermitsForwarding(msg) {
		e.log.WithField("peer", msg.Recipient.String()).Debug("dropping message: ttl exhausted under configured policy")
		return
	}

	if cached, ok := e.table.lookupCookie(msg.Recipient); ok {
		switch cached.Body.Kind {
		case cookie.KindUser:
			e.routeToOwnedNodes(ctx, cached, msg)
			return
		case cookie.KindNode:
			e.routeToNode(ctx, cached, msg)
			return
		case cookie.KindHub:
			// Fall through to directory resolution; a cached Hub cookie
			// with no live connection just means it's gone stale.
		}
	}

	if e.dir != nil {
		if ep, ok, err := e.dir.Resolve(ctx, msg.Recipient); err != nil {
			e.log.WithError(err).WithField("peer", msg.Recipient.String()).Debug("directory lookup failed")
		} else if ok {
			e.dialAndForward(ctx, ep.Address, msg)
			return
		}
	}

	e.enqueue(msg.Recipient.String(), msg)
}

// routeToOwnedNodes fans a User-addressed message out to each node the
// User cookie claims ownership of, rewriting Recipient per node and
// decrementing TTL once for the indirection hop.
func (e *Engine) routeToOwnedNodes(ctx context.Context, userCookie cookie.Cookie, msg wire.Message) {
	if userCookie.Body.User == nil {
		return
	}
	decremented := msg.Decremented()
	for _, node := range userCookie.Body.User.OwnedNodes {
		e.RouteMessage(ctx, decremented.WithRecipient(node))
	}
}

// routeToNode handles a message whose recipient's last-known Cookie is
// a Node: if we were the hub that most recently saw it, it is queued
// locally awaiting its own direct reconnect (OpenConnection for that
// PeerId drives FlushMessages); otherwise the message is handed to the
// hub that last saw it, addressed to that hub so its own RoutingEngine
// can continue the delivery.
func (e *Engine) routeToNode(ctx context.Context, nodeCookie cookie.Cookie, msg wire.Message) {
	if nodeCookie.Body.Node == nil {
		return
	}
	lastSeenBy := nodeCookie.Body.Node.MostRecentlySeenBy
	if lastSeenBy == e.self || lastSeenBy.IsZero() {
		e.enqueue(msg.Recipient.String(), msg)
		return
	}
	e.RouteMessage(ctx, msg.Decremented().WithRecipient(lastSeenBy))
}

// dialAndForward opens a fresh hub-relay connection to addr, registers
// it in the routing table under both the dialed hub's PeerId and the
// message's recipient, and recurses so the normal direct-send path
// picks it up.
func (e *Engine) dialAndForward(ctx context.Context, addr string, msg wire.Message) {
	if e.dial == nil {
		e.enqueue(msg.Recipient.String(), msg)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, remote, err := e.dial(dialCtx, addr)
	if err != nil {
		e.log.WithError(err).WithField("addr", addr).Debug("hub-relay dial failed")
		e.enqueue(msg.Recipient.String(), msg)
		return
	}

	e.OpenConnection(conn, remote, nil)
	if remote != msg.Recipient {
		// The directory named the hub that owns msg.Recipient rather than
		// msg.Recipient itself: register conn as a route to it as well.
		e.OpenConnection(conn, msg.Recipient, nil)
	}
	// Recurse with msg unchanged: the direct-connection branch this
	// recursion lands in performs the one decrement for this hop itself.
	e.RouteMessage(ctx, msg)
}

func (e *Engine) enqueue(key string, msg wire.Message) {
	if err := e.queue.Enqueue(key, msg); err != nil {
		e.log.WithError(err).WithField("key", key).Warn("failed to enqueue message for store-and-forward")
	}
}

// ttlPermitsForwarding resolves the ttl==0 Open Question: by default a
// message that has run out of hops is dropped rather than propagated
// one further step, but ttl_zero_policy lets an operator opt into the
// more permissive behavior.
func (e *Engine) ttlPermitsForwarding(msg wire.Message) bool {
	if msg.TTL > 0 {
		return true
	}
	return e.cfg.TTLZeroPolicy == config.TTLZeroPropagate
}

// FlushMessages drains queued messages for key, routing each one as it
// comes off the queue. An empty key drains every key in the queue
// (used by the periodic scheduler sweep); a specific key drains only
// that peer's backlog (used right after it reconnects).
func (e *Engine) FlushMessages(ctx context.Context, key string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var (
			msg   wire.Message
			found bool
			err   error
		)
		if key == "" {
			_, msg, found, err = e.queue.Dequeue()
		} else {
			msg, found, err = e.queue.DequeueByKey(key)
		}
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		e.RouteMessage(ctx, msg)
	}
}
