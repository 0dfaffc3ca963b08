package cookie

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"

	"github.com/overlaymesh/hub/keystore"
)

// newTestKeyStore generates a fresh, unencrypted PGP identity and
// writes it to a temp dir in the public.asc/private.asc layout
// keystore.Load expects, mirroring how a real deployment's bootstrap
// step would have produced those files.
func newTestKeyStore(t *testing.T) *keystore.KeyStore {
	t.Helper()

	entity, err := openpgp.NewEntity("test", "", "test@example.invalid", nil)
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

func TestSignAndVerifyRoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)

	body := Body{Kind: KindUser, User: &UserBody{}}
	c, err := Sign(ks, body)
	require.NoError(t, err)
	require.Equal(t, ks.Fingerprint(), c.Key)

	entity, err := Verify(c)
	require.NoError(t, err)
	require.Equal(t, ks.Fingerprint(), keystore.FingerprintOf(entity))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	ks := newTestKeyStore(t)

	body := Body{Kind: KindUser, User: &UserBody{}}
	c, err := Sign(ks, body)
	require.NoError(t, err)

	c.Body.User.OwnedNodes = append(c.Body.User.OwnedNodes, ks.Fingerprint())

	_, err = Verify(c)
	require.Error(t, err)
}

func TestVerifyRejectsKeyMismatch(t *testing.T) {
	ks := newTestKeyStore(t)

	body := Body{Kind: KindUser, User: &UserBody{}}
	c, err := Sign(ks, body)
	require.NoError(t, err)

	c.Key[0] ^= 0xFF

	_, err = Verify(c)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)
	body := Body{Kind: KindHub, Hub: &HubBody{Hostname: "hub-a", Sequence: 3}}
	c, err := Sign(ks, body)
	require.NoError(t, err)

	encoded, err := Encode(c)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, c.Key, decoded.Key)
	require.Equal(t, c.Body.Kind, decoded.Body.Kind)
	require.Equal(t, c.Body.Hub.Hostname, decoded.Body.Hub.Hostname)
}
