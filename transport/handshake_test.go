package transport

import (
	"bufio"
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"

	"github.com/overlaymesh/hub/errs"
	"github.com/overlaymesh/hub/keystore"
)

// pipeStream adapts one side of a net.Pipe() to the Stream interface
// the handshake reads and writes through.
type pipeStream struct {
	net.Conn
}

func newUnencryptedKeyStore(t *testing.T, name string) *keystore.KeyStore {
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

// pipeStreamPair returns two Streams backed by opposite ends of one
// net.Pipe(), sufficient for driving runHandshake directly without a
// real QUIC connection or the stream-accounting a full Connection
// adds.
func pipeStreamPair(t *testing.T) (Stream, Stream) {
	t.Helper()
	c1, c2 := net.Pipe()
	deadline := time.Now().Add(10 * time.Second)
	require.NoError(t, c1.SetDeadline(deadline))
	require.NoError(t, c2.SetDeadline(deadline))
	return pipeStream{c1}, pipeStream{c2}
}

type handshakeOut struct {
	res result
	err error
}

func waitHandshake(t *testing.T, ch chan handshakeOut) handshakeOut {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for handshake goroutine")
		return handshakeOut{}
	}
}

// TestHandshakeSuccess checks that two parties holding distinct
// keypairs complete the full four-block exchange and each derives the
// other's fingerprint as RemoteID.
func TestHandshakeSuccess(t *testing.T) {
	ksA := newUnencryptedKeyStore(t, "hub-a")
	ksB := newUnencryptedKeyStore(t, "hub-b")

	streamA, streamB := pipeStreamPair(t)

	doneA := make(chan handshakeOut, 1)
	doneB := make(chan handshakeOut, 1)

	go func() {
		res, err := runHandshake(RoleInitiator, ksA, streamA)
		doneA <- handshakeOut{res, err}
	}()
	go func() {
		res, err := runHandshake(RoleResponder, ksB, streamB)
		doneB <- handshakeOut{res, err}
	}()

	a := waitHandshake(t, doneA)
	b := waitHandshake(t, doneB)

	require.NoError(t, a.err)
	require.NoError(t, b.err)

	require.Equal(t, ksB.Fingerprint(), a.res.RemoteID)
	require.Equal(t, ksA.Fingerprint(), b.res.RemoteID)
}

// TestHandshakeNonceMismatchFails checks that a responder whose nonce
// echo is signed with the wrong key causes the initiator to reject the
// echo and fail with errs.ErrHandshakeFailure: the echo's signature
// does not verify, so the initiator fails before it ever compares the
// nonce bytes. The
// responder side is driven manually (rather than through
// runHandshake) so it can advertise hub-b's real public key — giving
// the initiator a correct RemoteID to encrypt the challenge against —
// while signing the echo with a different key, reproducing a
// responder that holds the right identity but the wrong key material
// rather than the simpler "never had the right key at all" case.
func TestHandshakeNonceMismatchFails(t *testing.T) {
	ksA := newUnencryptedKeyStore(t, "hub-a")
	ksB := newUnencryptedKeyStore(t, "hub-b")
	ksImpostor := newUnencryptedKeyStore(t, "impostor")

	streamA, streamB := pipeStreamPair(t)

	doneA := make(chan handshakeOut, 1)
	go func() {
		res, err := runHandshake(RoleInitiator, ksA, streamA)
		doneA <- handshakeOut{res, err}
	}()

	hsB := &handshake{role: RoleResponder, ks: ksB, stream: streamB, reader: bufio.NewReader(streamB)}
	remoteEntity, err := hsB.exchangeKeys()
	require.NoError(t, err)

	challengeArmor, err := readArmoredMessage(hsB.reader, pgpMessageEndMarker)
	require.NoError(t, err)
	nonce, err := ksB.DecryptVerifyArmored(challengeArmor, remoteEntity)
	require.NoError(t, err)

	// Sign the echo with the wrong key instead of ksB.
	echo, err := ksImpostor.EncryptSignArmored(nonce, remoteEntity)
	require.NoError(t, err)
	_, err = streamB.Write(echo)
	require.NoError(t, err)

	a := waitHandshake(t, doneA)
	require.Error(t, a.err)
	require.ErrorIs(t, a.err, errs.ErrHandshakeFailure)
}
