// Package identity implements an agent's cryptographic identity: an
// Ed25519 keypair plus the hex-SHA-256 fingerprint derived from its
// public key. The fingerprint is the full 64-hex digest, not a truncated
// ID, and is the agent's stable identifier everywhere in the system.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Identity is an agent's root of trust: a public key, an optional private
// key (absent when representing a peer rather than the local agent), and
// the fingerprint derived from the public key.
type Identity struct {
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey // nil when this Identity only verifies others
	Fingerprint string
}

// Generate creates a new random Ed25519 identity with both keys set.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &Identity{
		PublicKey:   pub,
		PrivateKey:  priv,
		Fingerprint: fingerprint(pub),
	}, nil
}

// FromPublicKey builds an Identity that can verify but not sign, for
// representing a known peer.
func FromPublicKey(pub ed25519.PublicKey) (*Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return &Identity{
		PublicKey:   pub,
		Fingerprint: fingerprint(pub),
	}, nil
}

// FromPrivateKey rebuilds an Identity from a previously persisted full
// 64-byte Ed25519 private key, for loading an agent's identity across
// restarts. A bare 32-byte seed is rejected.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		PublicKey:   pub,
		PrivateKey:  priv,
		Fingerprint: fingerprint(pub),
	}, nil
}

func fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// ErrNoPrivateKey is returned by Sign when the identity holds no private
// key (a peer identity, never our own).
var ErrNoPrivateKey = errors.New("identity: no private key available to sign")

// Sign produces an Ed25519 signature over data.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id.PrivateKey == nil {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(id.PrivateKey, data), nil
}

// Verify reports whether sig is a valid Ed25519 signature over data under
// pub. Never panics or errors — an invalid
// signature, wrong length, or malformed input all simply report false.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
