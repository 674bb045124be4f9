// Package transport defines the Transport contract shared by the
// in-process, TCP, and WebSocket implementations: send, receive, and a
// default receive-verified built on an identity registry lookup.
package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/converge-project/converge/message"
)

// ErrNotStarted is returned by Send or Receive when called before Start.
var ErrNotStarted = errors.New("transport: not started")

// ErrTimeout is returned by Receive when the deadline elapses before a
// message arrives.
var ErrTimeout = errors.New("transport: receive timed out")

// PublicKeyLookup resolves a fingerprint to the Ed25519 public key used
// to verify a received message, matching the shape registry.Registry
// already exposes (Lookup(fingerprint) (ed25519.PublicKey, bool)).
type PublicKeyLookup interface {
	Lookup(fingerprint string) (pub ed25519.PublicKey, ok bool)
}

// Transport is the contract every wire implementation (in-process, TCP,
// WebSocket) satisfies. Send before Start fails with ErrNotStarted.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg message.Message) error

	// Receive blocks for the next inbound message. A zero timeout blocks
	// indefinitely; a positive timeout returns ErrTimeout if it elapses
	// first.
	Receive(ctx context.Context, timeout time.Duration) (message.Message, error)

	// ReceiveVerified receives one message and verifies it against
	// registry. Returns (zero, false, nil) — not an error — if the sender is
	// unknown or the signature fails; the caller treats that as "drop".
	ReceiveVerified(ctx context.Context, registry PublicKeyLookup, timeout time.Duration) (message.Message, bool, error)
}

// VerifyReceived is the default ReceiveVerified behavior, shared by every
// transport: receive, then verify against registry.
func VerifyReceived(ctx context.Context, t Transport, registry PublicKeyLookup, timeout time.Duration) (message.Message, bool, error) {
	msg, err := t.Receive(ctx, timeout)
	if err != nil {
		return message.Message{}, false, err
	}
	pub, ok := registry.Lookup(msg.Sender)
	if !ok {
		return message.Message{}, false, nil
	}
	if !message.Verify(msg, pub) {
		return message.Message{}, false, nil
	}
	return msg, true, nil
}
