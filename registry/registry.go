// Package registry implements the IdentityRegistry: a fingerprint to
// public-key lookup used by transports to verify inbound messages before
// they reach an agent's inbox.
package registry

import (
	"crypto/ed25519"
	"sync"
)

// Registry maps agent fingerprints to their Ed25519 public keys.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{keys: make(map[string]ed25519.PublicKey)}
}

// Register associates fingerprint with pub, overwriting any prior entry.
func (r *Registry) Register(fingerprint string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[fingerprint] = pub
}

// Unregister removes fingerprint's entry, if present.
func (r *Registry) Unregister(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, fingerprint)
}

// Lookup returns the public key registered for fingerprint, if any.
func (r *Registry) Lookup(fingerprint string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[fingerprint]
	return pub, ok
}
