// Package routing implements the RoutingEngine: connection registry,
// inbound dispatch, forwarding, store-and-forward, and on-demand hub
// dialing.
package routing

import (
	"context"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/overlaymesh/hub/cookie"
	"github.com/overlaymesh/hub/latch"
	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/transport"
)

// connSet is a per-peer set of direct connections, mutated under its
// own mutex so the table-wide lock is never held across a connection
// dial or handshake.
type connSet struct {
	mu    sync.Mutex
	conns map[*transport.Connection]struct{}
}

// Table is the process-wide routing nucleus: connections, entity-key
// latches, the signaling call-id memory, and per-peer flush-task
// bookkeeping, each independently locked.
type Table struct {
	connMu      sync.RWMutex
	connections map[peerid.PeerId]*connSet

	entityMu   sync.Mutex
	entityKeys map[peerid.PeerId]*latch.Latch[*openpgp.Entity]

	cookieMu sync.RWMutex
	cookies  map[peerid.PeerId]cookie.Cookie

	callerMu  sync.Mutex
	callerMap map[string]peerid.PeerId

	flushMu    sync.Mutex
	flushTasks map[peerid.PeerId]context.CancelFunc
}

// NewTable returns an empty routing nucleus.
func NewTable() *Table {
	return &Table{
		connections: make(map[peerid.PeerId]*connSet),
		entityKeys:  make(map[peerid.PeerId]*latch.Latch[*openpgp.Entity]),
		cookies:     make(map[peerid.PeerId]cookie.Cookie),
		callerMap:   make(map[string]peerid.PeerId),
		flushTasks:  make(map[peerid.PeerId]context.CancelFunc),
	}
}

// addConnection union-inserts conn into connections[id].
func (t *Table) addConnection(id peerid.PeerId, conn *transport.Connection) {
	t.connMu.Lock()
	set, ok := t.connections[id]
	if !ok {
		set = &connSet{conns: make(map[*transport.Connection]struct{})}
		t.connections[id] = set
	}
	t.connMu.Unlock()

	set.mu.Lock()
	set.conns[conn] = struct{}{}
	set.mu.Unlock()
}

// removeConnection removes conn from connections[id]; if the set
// becomes empty the entry is dropped from the table entirely.
func (t *Table) removeConnection(id peerid.PeerId, conn *transport.Connection) {
	t.connMu.RLock()
	set, ok := t.connections[id]
	t.connMu.RUnlock()
	if !ok {
		return
	}

	set.mu.Lock()
	delete(set.conns, conn)
	empty := len(set.conns) == 0
	set.mu.Unlock()

	if empty {
		t.connMu.Lock()
		if cur, ok := t.connections[id]; ok && cur == set {
			delete(t.connections, id)
		}
		t.connMu.Unlock()
	}
}

// connectionsFor returns a snapshot of the direct connections for id,
// safe to range over after the lock is released.
func (t *Table) connectionsFor(id peerid.PeerId) []*transport.Connection {
	t.connMu.RLock()
	set, ok := t.connections[id]
	t.connMu.RUnlock()
	if !ok {
		return nil
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]*transport.Connection, 0, len(set.conns))
	for c := range set.conns {
		out = append(out, c)
	}
	return out
}

// entityLatch fetches or inserts the completion latch for p. Multiple
// concurrent callers race to insert; exactly one insertion wins and
// every caller observes the same *Latch thereafter.
func (t *Table) entityLatch(p peerid.PeerId) *latch.Latch[*openpgp.Entity] {
	l, _ := t.entityLatchCreated(p)
	return l
}

// entityLatchCreated is entityLatch plus a flag telling the caller
// whether this call was the one that inserted the latch, so
// GetEntityKeys knows whether to originate a fresh Entity exchange or
// just join one already in flight.
func (t *Table) entityLatchCreated(p peerid.PeerId) (*latch.Latch[*openpgp.Entity], bool) {
	t.entityMu.Lock()
	defer t.entityMu.Unlock()
	l, ok := t.entityKeys[p]
	if !ok {
		l = latch.New[*openpgp.Entity]()
		t.entityKeys[p] = l
		return l, true
	}
	return l, false
}

func (t *Table) rememberCookie(c cookie.Cookie) {
	t.cookieMu.Lock()
	t.cookies[c.Key] = c
	t.cookieMu.Unlock()
}

func (t *Table) lookupCookie(id peerid.PeerId) (cookie.Cookie, bool) {
	t.cookieMu.RLock()
	defer t.cookieMu.RUnlock()
	c, ok := t.cookies[id]
	return c, ok
}

func (t *Table) rememberCaller(callID string, from peerid.PeerId) {
	t.callerMu.Lock()
	t.callerMap[callID] = from
	t.callerMu.Unlock()
}

// takeCaller consumes (deletes) the stored PeerId for callID, if any,
// matching the "consumed" language of the call-ID response fidelity
// invariant.
func (t *Table) takeCaller(callID string) (peerid.PeerId, bool) {
	t.callerMu.Lock()
	defer t.callerMu.Unlock()
	id, ok := t.callerMap[callID]
	if ok {
		delete(t.callerMap, callID)
	}
	return id, ok
}

// replaceFlushTask cancels any prior flush task registered for id and
// installs cancel as its replacement.
func (t *Table) replaceFlushTask(id peerid.PeerId, cancel context.CancelFunc) {
	t.flushMu.Lock()
	if old, ok := t.flushTasks[id]; ok {
		old()
	}
	t.flushTasks[id] = cancel
	t.flushMu.Unlock()
}

func (t *Table) cancelFlushTask(id peerid.PeerId) {
	t.flushMu.Lock()
	if cancel, ok := t.flushTasks[id]; ok {
		cancel()
		delete(t.flushTasks, id)
	}
	t.flushMu.Unlock()
}
