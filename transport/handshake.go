package transport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/overlaymesh/hub/errs"
	"github.com/overlaymesh/hub/keystore"
	"github.com/overlaymesh/hub/peerid"
)

// Role identifies which side of a handshake a Connection is playing.
// The steps are symmetric in shape but the initiator additionally
// originates the nonce challenge and the self-announcement cookie.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// state is the explicit handshake state machine: AwaitEstablished ->
// ExchangeKeys -> NonceChallenge -> Authenticated, with Failed as the
// terminal state on any error. NonceChallenge is a single state that
// covers both sending the nonce and verifying its echo, so it spans
// several I/O operations; AwaitEstablished is only the initial value,
// runHandshake does not wait on any establishment signal.
type state int32

const (
	stateAwaitEstablished state = iota
	stateExchangeKeys
	stateNonceChallenge
	stateAuthenticated
	stateFailed
)

const nonceSize = 64

var (
	pgpPublicKeyBeginMarker = []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----")
	pgpPublicKeyEndMarker   = []byte("-----END PGP PUBLIC KEY BLOCK-----")
	pgpMessageEndMarker     = []byte("-----END PGP MESSAGE-----")
)

// handshake drives one peer authentication exchange over a single
// bidirectional stream: public key exchange followed by a
// sign-and-encrypt nonce challenge in both directions.
type handshake struct {
	role   Role
	ks     *keystore.KeyStore
	stream Stream
	reader *bufio.Reader
	state  state
}

// result is everything a completed handshake produces. Reader is the
// handshake's persistent *bufio.Reader over the stream: the receive
// loop must keep using it afterward rather than wrapping the raw
// stream again, or it would strand any bytes the handshake's reader
// had already buffered past the last marker.
type result struct {
	RemoteID     peerid.PeerId
	RemoteEntity *openpgp.Entity
	Reader       *bufio.Reader
}

func runHandshake(role Role, ks *keystore.KeyStore, stream Stream) (result, error) {
	hs := &handshake{role: role, ks: ks, stream: stream, reader: bufio.NewReader(stream), state: stateAwaitEstablished}

	hs.state = stateExchangeKeys
	remoteEntity, err := hs.exchangeKeys()
	if err != nil {
		hs.state = stateFailed
		return result{}, err
	}

	hs.state = stateNonceChallenge
	if err := hs.nonceChallenge(remoteEntity); err != nil {
		hs.state = stateFailed
		return result{}, err
	}

	hs.state = stateAuthenticated
	return result{
		RemoteID:     keystore.FingerprintOf(remoteEntity),
		RemoteEntity: remoteEntity,
		Reader:       hs.reader,
	}, nil
}

// exchangeKeys sends our own armored public key and reads the peer's,
// concurrently, since the stream is bidirectional and both roles
// behave symmetrically.
func (hs *handshake) exchangeKeys() (*openpgp.Entity, error) {
	writeErr := make(chan error, 1)
	go func() {
		_, err := hs.stream.Write(hs.ks.PublicArmor())
		writeErr <- err
	}()

	armored, err := readArmoredBlock(hs.reader, pgpPublicKeyBeginMarker, pgpPublicKeyEndMarker)
	if err != nil {
		return nil, fmt.Errorf("%w: reading peer public key: %v", errs.ErrHandshakeFailure, err)
	}
	if err := <-writeErr; err != nil {
		return nil, fmt.Errorf("%w: sending own public key: %v", errs.ErrHandshakeFailure, err)
	}

	entity, err := keystore.ReadPublicKeyArmor(armored)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing peer public key: %v", errs.ErrHandshakeFailure, err)
	}
	return entity, nil
}

// nonceChallenge runs the mutual proof-of-possession exchange: the
// initiator picks a nonce, the responder echoes it back
// encrypted-and-signed, and the initiator compares byte-for-byte.
func (hs *handshake) nonceChallenge(remoteEntity *openpgp.Entity) error {
	switch hs.role {
	case RoleInitiator:
		return hs.nonceChallengeInitiator(remoteEntity)
	case RoleResponder:
		return hs.nonceChallengeResponder(remoteEntity)
	default:
		return fmt.Errorf("transport: unknown handshake role %d", hs.role)
	}
}

func (hs *handshake) nonceChallengeInitiator(remoteEntity *openpgp.Entity) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("transport: generate nonce: %w", err)
	}

	challenge, err := hs.ks.EncryptSignArmored(nonce, remoteEntity)
	if err != nil {
		return fmt.Errorf("%w: encrypting nonce: %v", errs.ErrHandshakeFailure, err)
	}
	if _, err := hs.stream.Write(challenge); err != nil {
		return fmt.Errorf("%w: sending nonce: %v", errs.ErrHandshakeFailure, err)
	}

	echoArmor, err := readArmoredMessage(hs.reader, pgpMessageEndMarker)
	if err != nil {
		return fmt.Errorf("%w: reading nonce echo: %v", errs.ErrHandshakeFailure, err)
	}
	echo, err := hs.ks.DecryptVerifyArmored(echoArmor, remoteEntity)
	if err != nil {
		return fmt.Errorf("%w: decrypting nonce echo: %v", errs.ErrHandshakeFailure, err)
	}

	if !bytes.Equal(nonce, echo) {
		return fmt.Errorf("%w: nonce echo mismatch", errs.ErrHandshakeFailure)
	}
	return nil
}

func (hs *handshake) nonceChallengeResponder(remoteEntity *openpgp.Entity) error {
	challengeArmor, err := readArmoredMessage(hs.reader, pgpMessageEndMarker)
	if err != nil {
		return fmt.Errorf("%w: reading nonce challenge: %v", errs.ErrHandshakeFailure, err)
	}
	nonce, err := hs.ks.DecryptVerifyArmored(challengeArmor, remoteEntity)
	if err != nil {
		return fmt.Errorf("%w: decrypting nonce challenge: %v", errs.ErrHandshakeFailure, err)
	}

	echo, err := hs.ks.EncryptSignArmored(nonce, remoteEntity)
	if err != nil {
		return fmt.Errorf("%w: encrypting nonce echo: %v", errs.ErrHandshakeFailure, err)
	}
	if _, err := hs.stream.Write(echo); err != nil {
		return fmt.Errorf("%w: sending nonce echo: %v", errs.ErrHandshakeFailure, err)
	}
	return nil
}

// readArmoredBlock reads from br until it has consumed a full armored
// block delimited by begin/end markers, returning exactly those
// bytes. A malformed or truncated stream is a protocol-violation. br
// must be the handshake's single persistent *bufio.Reader: wrapping
// the stream in a fresh bufio.Reader per call would strand whatever
// that call's reader had already buffered past the marker.
func readArmoredBlock(br *bufio.Reader, begin, end []byte) ([]byte, error) {
	var buf bytes.Buffer

	if err := consumeUntilLineContains(br, &buf, begin); err != nil {
		return nil, err
	}
	if err := consumeUntilLineContains(br, &buf, end); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readArmoredMessage reads an armored PGP MESSAGE block; the begin
// marker is implied (always the current line) since the caller
// already knows which framing to expect next.
func readArmoredMessage(br *bufio.Reader, end []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := consumeUntilLineContains(br, &buf, end); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func consumeUntilLineContains(br *bufio.Reader, buf *bytes.Buffer, marker []byte) error {
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
		}
		if bytes.Contains(line, marker) {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w: stream closed before marker %q", errs.ErrProtocolViolation, marker)
			}
			return fmt.Errorf("%w: %v", errs.ErrProtocolViolation, err)
		}
	}
}
