package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/quic-go/quic-go"

	"github.com/overlaymesh/hub/config"
	"github.com/overlaymesh/hub/cookie"
	"github.com/overlaymesh/hub/directory"
	"github.com/overlaymesh/hub/keystore"
	"github.com/overlaymesh/hub/logging"
	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/queue"
	"github.com/overlaymesh/hub/routing"
	"github.com/overlaymesh/hub/scheduler"
	"github.com/overlaymesh/hub/signaling"
	"github.com/overlaymesh/hub/transport"
)

func runServe(ctx context.Context, configPath, keyDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, "hub")

	ks, err := keystore.Load(keyDir, cfg.KeyPassphrase)
	if err != nil {
		return fmt.Errorf("hubd: load key material: %w", err)
	}
	self := ks.Fingerprint()
	log.WithField("peer_id", self.String()).Info("loaded hub identity")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("hubd: create data dir: %w", err)
	}
	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		return fmt.Errorf("hubd: open queue: %w", err)
	}
	defer q.Close()

	dir := directory.NewHTTPClient(cfg.DirectoryEndpoint)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Engine is constructed without a dialer: makeDialer needs to reuse
	// engine.OnEvent as the EventHandler for connections it originates,
	// which would otherwise be a construction cycle. SetDialer closes
	// that loop once engine exists.
	engine := routing.New(self, ks, cfg, log.WithField("component", "routing"), q, dir, nil)
	engine.SetDialer(makeDialer(ks, engine, log.WithField("component", "dialer")))

	selfCookie, err := engine.SelfCookie(cfg.Hostname, cfg.DirectoryEndpoint, cfg.ListenAddr, nil)
	if err != nil {
		return fmt.Errorf("hubd: sign self cookie: %w", err)
	}

	adapter := signaling.New(self, ks, engine, log.WithField("component", "signaling"))
	engine.SetSignalingSink(adapter)

	sched, err := scheduler.New(engine, fmt.Sprintf("@every %s", cfg.FlushInterval), log.WithField("component", "scheduler"))
	if err != nil {
		return fmt.Errorf("hubd: build scheduler: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	go func() {
		if err := adapter.Serve(ctx); err != nil {
			log.WithError(err).Error("signaling adapter exited")
		}
	}()

	return serveQUIC(ctx, cfg, ks, engine, selfCookie, log)
}

// makeDialer returns the routing.Dialer used for on-demand hub-relay
// connections: dial a remote hub over QUIC, run the transport
// handshake as initiator, and wire the resulting Connection to
// engine.OnEvent so messages received on it (including any further
// relay hops) reach the routing engine exactly like an inbound one
// does.
func makeDialer(ks *keystore.KeyStore, engine *routing.Engine, log logging.Logger) routing.Dialer {
	return func(ctx context.Context, addr string) (*transport.Connection, peerid.PeerId, error) {
		tlsConf := &tls.Config{
			InsecureSkipVerify: true, // identity is proven by the PGP handshake, not the TLS certificate
			NextProtos:         []string{transport.ALPN},
		}
		qconn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
		if err != nil {
			return nil, peerid.PeerId{}, fmt.Errorf("hubd: dial %s: %w", addr, err)
		}

		session := transport.WrapQUICConnection(qconn)
		conn := transport.New(session, ks, log.WithField("remote_addr", addr), engine.OnEvent)

		selfCookie, ok := engine.CurrentSelfCookie()
		if !ok {
			_ = conn.Close()
			return nil, peerid.PeerId{}, fmt.Errorf("hubd: no self cookie established yet")
		}

		remote, err := conn.Open(ctx, transport.RoleInitiator, selfCookie)
		if err != nil {
			_ = conn.Close()
			return nil, peerid.PeerId{}, err
		}
		return conn, remote, nil
	}
}

// serveQUIC listens for inbound hub connections and, for each one,
// runs the responder handshake per logical peer stream and registers
// the resulting Connection with the routing engine.
func serveQUIC(ctx context.Context, cfg config.Config, ks *keystore.KeyStore, engine *routing.Engine, selfCookie cookie.Cookie, log logging.Logger) error {
	cert, err := tls.LoadX509KeyPair(cfg.SSLCertChainPath, cfg.SSLPrivateKeyPath)
	if err != nil {
		return fmt.Errorf("hubd: load TLS certificate: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{transport.ALPN},
	}

	listener, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("hubd: listen on %s: %w", cfg.ListenAddr, err)
	}
	defer listener.Close()
	log.WithField("addr", cfg.ListenAddr).Info("listening for hub connections")

	for {
		qconn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("hubd: accept: %w", err)
		}
		go handleInboundConnection(ctx, qconn, ks, engine, selfCookie, log)
	}
}

func handleInboundConnection(ctx context.Context, qconn quic.Connection, ks *keystore.KeyStore, engine *routing.Engine, selfCookie cookie.Cookie, log logging.Logger) {
	session := transport.WrapQUICConnection(qconn)

	conn := transport.New(session, ks, log.WithField("remote_addr", qconn.RemoteAddr().String()), engine.OnEvent)

	for {
		remote, err := conn.Open(ctx, transport.RoleResponder, selfCookie)
		if err != nil {
			log.WithError(err).Debug("inbound handshake failed or connection closed")
			return
		}
		engine.OpenConnection(conn, remote, nil)
	}
}
