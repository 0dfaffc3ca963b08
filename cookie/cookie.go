// Package cookie implements the signed identity capsule exchanged in
// Entity messages: a PeerId bound to its public key and a tagged-union
// role body (Hub, User, or Node), detached-signed by the holder.
package cookie

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/overlaymesh/hub/keystore"
	"github.com/overlaymesh/hub/peerid"
)

// Kind discriminates a Cookie's role-specific Body: a tagged union
// expressed as a Go struct with one populated pointer field per Kind.
type Kind string

const (
	KindHub  Kind = "hub"
	KindUser Kind = "user"
	KindNode Kind = "node"
)

// HubBody describes a peer whose role is routing.
type HubBody struct {
	Hostname     string          `bson:"hostname"`
	DirectoryURI string          `bson:"directory_uri"`
	ServiceURI   string          `bson:"service_uri"`
	Owners       []peerid.PeerId `bson:"owners"`
	// Sequence is a counter the signing hub increments for each Hub
	// cookie it signs. Receivers store it with the cookie but do not
	// compare it: a later-arriving cookie replaces the stored one
	// whatever its Sequence.
	Sequence uint64 `bson:"sequence"`
}

// UserBody describes a leaf peer that owns one or more Nodes.
type UserBody struct {
	OwnedNodes []peerid.PeerId `bson:"owned_nodes"`
}

// NodeBody describes a leaf peer that records which hub last saw it.
type NodeBody struct {
	MostRecentlySeenBy peerid.PeerId `bson:"most_recently_seen_by"`
	LastSeenAt         time.Time    `bson:"last_seen_at"`
}

// Body is the tagged union of role payloads. Exactly one of Hub,
// User, Node is populated, selected by Kind.
type Body struct {
	Kind Kind       `bson:"kind"`
	Hub  *HubBody   `bson:"hub,omitempty"`
	User *UserBody  `bson:"user,omitempty"`
	Node *NodeBody  `bson:"node,omitempty"`
}

// Cookie binds a PeerId to its public key blob and role body, with a
// detached signature over the rest of the cookie made by the holder's
// private key.
type Cookie struct {
	Key           peerid.PeerId `bson:"key"`
	PublicKeyBlob []byte        `bson:"public_key_blob"`
	Body          Body          `bson:"body"`
	Signature     []byte        `bson:"signature"`
}

type signablePayload struct {
	Key           peerid.PeerId `bson:"key"`
	PublicKeyBlob []byte        `bson:"public_key_blob"`
	Body          Body          `bson:"body"`
}

func signableBytes(key peerid.PeerId, publicKeyBlob []byte, body Body) ([]byte, error) {
	b, err := bson.Marshal(signablePayload{Key: key, PublicKeyBlob: publicKeyBlob, Body: body})
	if err != nil {
		return nil, fmt.Errorf("cookie: encode signable payload: %w", err)
	}
	return b, nil
}

// Sign builds and detached-signs a Cookie announcing ks's identity
// with the given role body.
func Sign(ks *keystore.KeyStore, body Body) (Cookie, error) {
	key := ks.Fingerprint()
	publicKeyBlob := ks.PublicArmor()

	payload, err := signableBytes(key, publicKeyBlob, body)
	if err != nil {
		return Cookie{}, err
	}

	sig, err := ks.DetachSign(payload)
	if err != nil {
		return Cookie{}, fmt.Errorf("cookie: sign: %w", err)
	}

	return Cookie{
		Key:           key,
		PublicKeyBlob: publicKeyBlob,
		Body:          body,
		Signature:     sig,
	}, nil
}

// Verify checks the fingerprint-binding and signature invariants: the
// embedded Key must equal the fingerprint of PublicKeyBlob, and
// Signature must verify over the rest of the cookie under that key.
// On success it returns the parsed public-key entity for the caller
// to retain (e.g. in entity_keys).
func Verify(c Cookie) (*openpgp.Entity, error) {
	entity, err := keystore.ReadPublicKeyArmor(c.PublicKeyBlob)
	if err != nil {
		return nil, fmt.Errorf("cookie: %w", err)
	}

	if keystore.FingerprintOf(entity) != c.Key {
		return nil, fmt.Errorf("cookie: key %s does not match fingerprint of embedded public key", c.Key)
	}

	payload, err := signableBytes(c.Key, c.PublicKeyBlob, c.Body)
	if err != nil {
		return nil, err
	}
	if err := keystore.VerifyDetached(entity, payload, c.Signature); err != nil {
		return nil, fmt.Errorf("cookie: %w", err)
	}

	return entity, nil
}

// Decode parses a BSON-encoded Cookie blob, the payload carried by
// Entity messages.
func Decode(b []byte) (Cookie, error) {
	var c Cookie
	if err := bson.Unmarshal(b, &c); err != nil {
		return Cookie{}, fmt.Errorf("cookie: decode: %w", err)
	}
	return c, nil
}

// Encode serializes a Cookie for transmission as an Entity message
// payload.
func Encode(c Cookie) ([]byte, error) {
	b, err := bson.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("cookie: encode: %w", err)
	}
	return b, nil
}
