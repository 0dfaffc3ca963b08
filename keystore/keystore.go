// Package keystore loads a hub's own PGP key material from disk and
// provides the encrypt/sign/decrypt/verify primitives the handshake,
// cookie, and signaling layers build on. It is the only package that
// touches private key bytes.
package keystore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/overlaymesh/hub/peerid"
)

const (
	publicKeyFile  = "public.asc"
	privateKeyFile = "private.asc"
)

// KeyStore owns one PGP identity: a decrypted private key usable for
// signing/decryption, and the armored public key block sent to every
// peer during the handshake.
type KeyStore struct {
	entity      *openpgp.Entity
	publicArmor []byte
}

// Load reads public.asc and private.asc out of dir, decrypting the
// private key (and any encrypted subkeys) with passphrase.
func Load(dir, passphrase string) (*KeyStore, error) {
	publicArmor, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", publicKeyFile, err)
	}

	privateArmor, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", privateKeyFile, err)
	}

	ring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(privateArmor))
	if err != nil {
		return nil, fmt.Errorf("keystore: parse private key: %w", err)
	}
	if len(ring) != 1 {
		return nil, fmt.Errorf("keystore: expected exactly one entity in %s, got %d", privateKeyFile, len(ring))
	}
	entity := ring[0]

	if err := decryptEntity(entity, []byte(passphrase)); err != nil {
		return nil, fmt.Errorf("keystore: decrypt private key: %w", err)
	}

	return &KeyStore{entity: entity, publicArmor: publicArmor}, nil
}

func decryptEntity(entity *openpgp.Entity, passphrase []byte) error {
	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("primary key: %w", err)
		}
	}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
				return fmt.Errorf("subkey: %w", err)
			}
		}
	}
	return nil
}

// Fingerprint returns this identity's PeerId.
func (ks *KeyStore) Fingerprint() peerid.PeerId {
	return FingerprintOf(ks.entity)
}

// PublicArmor returns the ASCII-armored PGP public key block sent as
// the first handshake frame.
func (ks *KeyStore) PublicArmor() []byte {
	return ks.publicArmor
}

// Entity exposes the underlying decrypted entity for callers (mainly
// tests) that need lower-level openpgp operations.
func (ks *KeyStore) Entity() *openpgp.Entity {
	return ks.entity
}

// ReadPublicKeyArmor parses a single ASCII-armored public key block,
// as received over the handshake stream or embedded in a Cookie, into
// an openpgp.Entity usable for encryption and signature verification.
func ReadPublicKeyArmor(armored []byte) (*openpgp.Entity, error) {
	ring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("keystore: parse public key: %w", err)
	}
	if len(ring) != 1 {
		return nil, fmt.Errorf("keystore: expected exactly one entity, got %d", len(ring))
	}
	return ring[0], nil
}

// FingerprintOf derives the 20-byte PeerId from an entity's primary
// key fingerprint.
func FingerprintOf(entity *openpgp.Entity) peerid.PeerId {
	var id peerid.PeerId
	fp := entity.PrimaryKey.Fingerprint
	n := len(fp)
	if n > peerid.Size {
		n = peerid.Size
	}
	copy(id[:n], fp[:n])
	return id
}

// EncryptSignArmored encrypts plaintext for recipient and signs it
// with our own key, emitting one ASCII-armored "PGP MESSAGE" block —
// the form exchanged for handshake nonces and Application payloads.
func (ks *KeyStore) EncryptSignArmored(plaintext []byte, recipient *openpgp.Entity) ([]byte, error) {
	var armored bytes.Buffer
	armorWriter, err := armor.Encode(&armored, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: open armor writer: %w", err)
	}

	cipherWriter, err := openpgp.Encrypt(armorWriter, []*openpgp.Entity{recipient}, ks.entity, nil, nil)
	if err != nil {
		_ = armorWriter.Close()
		return nil, fmt.Errorf("keystore: encrypt: %w", err)
	}
	if _, err := cipherWriter.Write(plaintext); err != nil {
		return nil, fmt.Errorf("keystore: write plaintext: %w", err)
	}
	if err := cipherWriter.Close(); err != nil {
		return nil, fmt.Errorf("keystore: close ciphertext: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("keystore: close armor: %w", err)
	}
	return armored.Bytes(), nil
}

// DecryptVerifyArmored reverses EncryptSignArmored: it decrypts an
// armored PGP MESSAGE block with our private key and verifies it was
// signed by signer.
func (ks *KeyStore) DecryptVerifyArmored(armored []byte, signer *openpgp.Entity) ([]byte, error) {
	block, err := armor.Decode(bytes.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("keystore: decode armor: %w", err)
	}

	keyring := openpgp.EntityList{ks.entity, signer}
	details, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: read message: %w", err)
	}

	plaintext, err := io.ReadAll(details.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("keystore: read plaintext: %w", err)
	}
	if details.SignatureError != nil {
		return nil, fmt.Errorf("keystore: signature verification failed: %w", details.SignatureError)
	}
	if details.IsSigned && details.SignedBy == nil {
		return nil, fmt.Errorf("keystore: message signed by unknown key")
	}
	return plaintext, nil
}

// DetachSign produces a detached binary signature over body, the
// form embedded in a Cookie's Signature field.
func (ks *KeyStore) DetachSign(body []byte) ([]byte, error) {
	var sig bytes.Buffer
	if err := openpgp.DetachSign(&sig, ks.entity, bytes.NewReader(body), nil); err != nil {
		return nil, fmt.Errorf("keystore: detach sign: %w", err)
	}
	return sig.Bytes(), nil
}

// VerifyDetached checks that signature is a valid detached signature
// over body made by signer's key.
func VerifyDetached(signer *openpgp.Entity, body, signature []byte) error {
	_, err := openpgp.CheckDetachedSignature(openpgp.EntityList{signer}, bytes.NewReader(body), bytes.NewReader(signature), nil)
	if err != nil {
		return fmt.Errorf("keystore: verify detached signature: %w", err)
	}
	return nil
}
