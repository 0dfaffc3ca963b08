package signaling

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/overlaymesh/hub/keystore"
	"github.com/overlaymesh/hub/logging"
	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/wire"
)

// Router is the narrow surface the adapter needs from the routing
// engine: submit an encrypted Application message, resolve a peer's
// entity key, and the call-ID bookkeeping a SIP response needs to
// find its way back to the PeerId that originated the request.
type Router interface {
	RouteMessage(ctx context.Context, msg wire.Message)
	GetEntityKeys(ctx context.Context, target peerid.PeerId) (*openpgp.Entity, error)
	RememberCaller(callID string, from peerid.PeerId)
	TakeCaller(callID string) (peerid.PeerId, bool)
}

// Adapter bridges a local UDP SIP endpoint on loopback:5060 to the
// overlay's encrypted Application channel.
type Adapter struct {
	self   peerid.PeerId
	ks     *keystore.KeyStore
	router Router
	log    logging.Logger

	conn      *net.UDPConn
	localAddr atomic.Value // net.Addr
}

// ListenAddr is the conventional local signaling transport address.
const ListenAddr = "127.0.0.1:5060"

// New constructs an Adapter. It does not start listening until Serve
// is called.
func New(self peerid.PeerId, ks *keystore.KeyStore, router Router, log logging.Logger) *Adapter {
	return &Adapter{self: self, ks: ks, router: router, log: log}
}

// Serve opens the local UDP listener and pumps datagrams into
// handleLocalDatagram until ctx is canceled.
func (a *Adapter) Serve(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", ListenAddr)
	if err != nil {
		return fmt.Errorf("signaling: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("signaling: listen: %w", err)
	}
	a.conn = conn

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("signaling: read: %w", err)
		}
		a.localAddr.Store(net.Addr(raddr))

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go a.handleLocalDatagram(ctx, datagram)
	}
}

// handleLocalDatagram processes one outbound SIP message originated by
// the local client: requests resolve their target PeerId from the To
// URI, responses resolve it from the caller_map entry their Call-ID
// left behind.
func (a *Adapter) handleLocalDatagram(ctx context.Context, datagram []byte) {
	msg, err := parseSIP(datagram)
	if err != nil {
		a.log.WithError(err).Debug("signaling-parse-failure on local datagram")
		return
	}

	var target peerid.PeerId
	if msg.isRequest {
		user, ok := msg.toUser()
		if !ok {
			a.log.Debug("signaling-parse-failure: request To header missing a sip: peer URI")
			return
		}
		target, err = peerid.Parse(user)
		if err != nil {
			a.log.WithError(err).Debug("signaling-parse-failure: To URI user is not a PeerId")
			return
		}
	} else {
		var ok bool
		target, ok = a.router.TakeCaller(msg.callID)
		if !ok {
			a.log.WithField("call_id", msg.callID).Debug("dropping response: no caller recorded for call-id")
			return
		}
	}

	a.encryptAndRoute(ctx, target, datagram)
}

// DeliverSIP is the routing.LocalSignalingSink implementation: it
// receives plaintext SIP bytes a remote peer's Application message
// decrypted to us, classifies it, and forwards it to the local
// client, remembering request call-IDs so a later local response can
// be routed back.
func (a *Adapter) DeliverSIP(ctx context.Context, from peerid.PeerId, plaintext []byte) error {
	msg, err := parseSIP(plaintext)
	if err != nil {
		a.log.WithError(err).Debug("signaling-parse-failure on inbound application payload")
		return nil
	}

	forward := msg.raw
	if msg.isRequest {
		a.router.RememberCaller(msg.callID, from)
		forward = withRewrittenFromHost(msg.raw, msg.fromHeader)
	}

	return a.forwardToLocal(forward)
}

func (a *Adapter) forwardToLocal(datagram []byte) error {
	addr, ok := a.localAddr.Load().(net.Addr)
	if !ok || a.conn == nil {
		return fmt.Errorf("signaling: no local client known yet")
	}
	_, err := a.conn.WriteTo(datagram, addr)
	return err
}

func (a *Adapter) encryptAndRoute(ctx context.Context, target peerid.PeerId, plaintext []byte) {
	entity, err := a.router.GetEntityKeys(ctx, target)
	if err != nil {
		a.log.WithError(err).WithField("peer", target.String()).Debug("dropping outbound sip message: entity key unavailable")
		return
	}

	ciphertext, err := a.ks.EncryptSignArmored(plaintext, entity)
	if err != nil {
		a.log.WithError(err).Debug("dropping outbound sip message: encrypt failed")
		return
	}

	// TTL is left negative: RouteMessage normalizes any externally
	// injected ttl<0 message to the configured start TTL before routing,
	// the same path a freshly originated message with no prior hop count
	// takes.
	a.router.RouteMessage(ctx, wire.Message{
		Recipient: target,
		TTL:       -1,
		Code:      wire.CodeApplication,
		Payload:   ciphertext,
	})
}
