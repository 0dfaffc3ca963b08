package routing_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"

	"github.com/overlaymesh/hub/config"
	"github.com/overlaymesh/hub/cookie"
	"github.com/overlaymesh/hub/keystore"
	"github.com/overlaymesh/hub/logging"
	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/queue"
	"github.com/overlaymesh/hub/routing"
	"github.com/overlaymesh/hub/transport"
	"github.com/overlaymesh/hub/wire"
)

func newTestKeyStore(t *testing.T, name string) *keystore.KeyStore {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "", name+"@example.invalid", nil)
	require.NoError(t, err)

	dir := t.TempDir()

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, "PGP PUBLIC KEY BLOCK", nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "public.asc"), pub.Bytes(), 0o600))

	var priv bytes.Buffer
	w, err = armor.Encode(&priv, "PGP PRIVATE KEY BLOCK", nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private.asc"), priv.Bytes(), 0o600))

	ks, err := keystore.Load(dir, "")
	require.NoError(t, err)
	return ks
}

// fakeSession is a transport.Session backed by one net.Conn (one end
// of a net.Pipe()); it hands that single stream out to whichever of
// OpenStreamSync/AcceptStream is called first, enough to drive exactly
// one Connection.Open per test helper.
type fakeSession struct {
	mu      sync.Mutex
	pending net.Conn
}

func (s *fakeSession) OpenStreamSync(ctx context.Context) (transport.Stream, error) { return s.take() }
func (s *fakeSession) AcceptStream(ctx context.Context) (transport.Stream, error)   { return s.take() }

func (s *fakeSession) take() (transport.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.pending
	s.pending = nil
	return c, nil
}

func (s *fakeSession) CloseWithError(code uint64, reason string) error { return nil }
func (s *fakeSession) RemoteAddr() net.Addr                            { return &net.TCPAddr{} }

// recorder collects every Message a Connection's EventHandler delivers,
// standing in for a remote peer's routing engine in tests that only
// care what this side of the wire received.
type recorder struct {
	mu       sync.Mutex
	messages []wire.Message
}

func (r *recorder) onEvent(conn *transport.Connection, peer peerid.PeerId, msg wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) snapshot() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// connectPair runs a real handshake between a Connection using ksA as
// initiator (with a nil EventHandler, since these tests never inspect
// what the initiator side receives) and one using ksB as responder
// (whose EventHandler is the caller-supplied onEventB), and returns
// the initiator-side Connection.
func connectPair(t *testing.T, ksA, ksB *keystore.KeyStore, onEventB transport.EventHandler) *transport.Connection {
	t.Helper()

	c1, c2 := net.Pipe()
	deadline := time.Now().Add(10 * time.Second)
	require.NoError(t, c1.SetDeadline(deadline))
	require.NoError(t, c2.SetDeadline(deadline))

	sessionA := &fakeSession{pending: c1}
	sessionB := &fakeSession{pending: c2}

	log := logging.Nop()
	connA := transport.New(sessionA, ksA, log, nil)
	connB := transport.New(sessionB, ksB, log, onEventB)

	type openResult struct {
		err error
	}
	doneA := make(chan openResult, 1)
	doneB := make(chan openResult, 1)

	selfCookieA, err := cookie.Sign(ksA, cookie.Body{Kind: cookie.KindHub, Hub: &cookie.HubBody{Hostname: "a"}})
	require.NoError(t, err)

	go func() {
		_, err := connA.Open(context.Background(), transport.RoleInitiator, selfCookieA)
		doneA <- openResult{err}
	}()
	go func() {
		_, err := connB.Open(context.Background(), transport.RoleResponder, cookie.Cookie{})
		doneB <- openResult{err}
	}()

	ra := <-doneA
	rb := <-doneB
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)

	return connA
}

func newTestEngine(t *testing.T, self *keystore.KeyStore, cfg config.Config) (*routing.Engine, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	e := routing.New(self.Fingerprint(), self, cfg, logging.Nop(), q, nil, nil)
	return e, q
}

// TestRouteMessageFanOutDecrementsTTL checks that two direct
// connections registered for the same recipient both receive a copy
// of a routed message with ttl decremented exactly once.
func TestRouteMessageFanOutDecrementsTTL(t *testing.T) {
	ksSelf := newTestKeyStore(t, "self")
	ksPeer := newTestKeyStore(t, "peer")

	cfg := config.Config{StartTTL: 99, TTLZeroPolicy: config.TTLZeroDrop}
	e, _ := newTestEngine(t, ksSelf, cfg)

	var rec1, rec2 recorder
	conn1 := connectPair(t, ksSelf, ksPeer, rec1.onEvent)
	conn2 := connectPair(t, ksSelf, ksPeer, rec2.onEvent)

	peerID := ksPeer.Fingerprint()
	e.OpenConnection(conn1, peerID, nil)
	e.OpenConnection(conn2, peerID, nil)

	e.RouteMessage(context.Background(), wire.Message{Recipient: peerID, TTL: 5, Code: wire.CodeApplication, Payload: []byte("hi")})

	require.Eventually(t, func() bool {
		return len(rec1.snapshot()) >= 2 && len(rec2.snapshot()) >= 2
	}, time.Second, 10*time.Millisecond, "expected both connections to receive the self-announcement plus the fanned-out message")

	for _, rec := range []*recorder{&rec1, &rec2} {
		found := false
		for _, m := range rec.snapshot() {
			if m.Code == wire.CodeApplication {
				require.Equal(t, int32(4), m.TTL)
				require.Equal(t, []byte("hi"), m.Payload)
				found = true
			}
		}
		require.True(t, found, "expected an Application message to have been fanned out")
	}
}

// TestRouteMessageRewritesNegativeTTL checks that a ttl<0 message
// routed with no direct connection, directory, or cached cookie is
// enqueued carrying the configured start ttl, not its original
// negative value.
func TestRouteMessageRewritesNegativeTTL(t *testing.T) {
	ksSelf := newTestKeyStore(t, "self")
	ksTarget := newTestKeyStore(t, "target")

	cfg := config.Config{StartTTL: 42, TTLZeroPolicy: config.TTLZeroDrop}
	e, q := newTestEngine(t, ksSelf, cfg)

	target := ksTarget.Fingerprint()
	e.RouteMessage(context.Background(), wire.Message{Recipient: target, TTL: -1, Code: wire.CodeApplication, Payload: []byte("x")})

	msg, found, err := q.DequeueByKey(target.String())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int32(42), msg.TTL)
}

// TestFlushMessagesDrainsQueueOnReconnect checks that a message
// enqueued for an unreachable recipient is delivered once a
// connection for that recipient is opened.
func TestFlushMessagesDrainsQueueOnReconnect(t *testing.T) {
	ksSelf := newTestKeyStore(t, "self")
	ksPeer := newTestKeyStore(t, "peer")

	cfg := config.Config{StartTTL: 99, TTLZeroPolicy: config.TTLZeroDrop}
	e, q := newTestEngine(t, ksSelf, cfg)

	peerID := ksPeer.Fingerprint()
	e.RouteMessage(context.Background(), wire.Message{Recipient: peerID, TTL: 5, Code: wire.CodeApplication, Payload: []byte("queued")})

	msg, found, err := q.DequeueByKey(peerID.String())
	require.NoError(t, err)
	require.True(t, found, "message should have been enqueued: no route existed yet")
	require.NoError(t, q.Enqueue(peerID.String(), msg))

	var rec recorder
	conn := connectPair(t, ksSelf, ksPeer, rec.onEvent)
	e.OpenConnection(conn, peerID, nil)

	require.Eventually(t, func() bool {
		for _, m := range rec.snapshot() {
			if m.Code == wire.CodeApplication && bytes.Equal(m.Payload, []byte("queued")) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "expected queued message to be delivered once the peer reconnected")

	_, found, err = q.DequeueByKey(peerID.String())
	require.NoError(t, err)
	require.False(t, found, "expected the queue for the peer to be drained")
}
