// Package message implements the signed, optionally encrypted envelope
// agents exchange over a Transport. The canonical signing digest is
// msgpack over the fixed field order {id, sender, recipient, topics,
// payload, task_id, timestamp}, so any two peers produce byte-identical
// digests for equal message content.
package message

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/converge-project/converge/identity"
	"github.com/converge-project/converge/topic"
)

// Message is the immutable-after-signing envelope exchanged between
// agents. Topics, Payload, and Signature are never mutated in place —
// Sign, EncryptPayload, and DecryptPayload all return a new Message.
type Message struct {
	ID        string
	Sender    string // fingerprint, empty before signing
	Recipient string // fingerprint, optional
	Topics    []topic.Topic
	Payload   map[string]any
	TaskID    string // optional
	Timestamp int64  // ms since Unix epoch, assigned at creation
	Signature []byte // empty until signed
}

// New creates an unsigned Message with a fresh ID and the given creation
// timestamp in milliseconds since the Unix epoch.
func New(recipient string, topics []topic.Topic, payload map[string]any, taskID string, nowMS int64) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Topics:    topics,
		Payload:   payload,
		TaskID:    taskID,
		Timestamp: nowMS,
	}
}

// canonicalFields is the exact, ordered tuple signed and serialized:
// id, sender, recipient, topics, payload, task_id, timestamp.
type canonicalFields struct {
	ID        string
	Sender    string
	Recipient string
	Topics    []string
	Payload   map[string]any
	TaskID    string
	Timestamp int64
}

func (m Message) fields() canonicalFields {
	topicStrings := make([]string, len(m.Topics))
	for i, t := range m.Topics {
		topicStrings[i] = t.String()
	}
	return canonicalFields{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Topics:    topicStrings,
		Payload:   canonicalizeMap(m.Payload),
		TaskID:    m.TaskID,
		Timestamp: m.Timestamp,
	}
}

// encodeArray writes f as a fixed-order msgpack array (not a map), so
// field order is exactly what's encoded on the wire regardless of the Go
// struct's memory layout or any map-key sorting behavior.
func (f canonicalFields) encodeArray(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(7); err != nil {
		return err
	}
	if err := enc.EncodeString(f.ID); err != nil {
		return err
	}
	if err := enc.EncodeString(f.Sender); err != nil {
		return err
	}
	if err := enc.EncodeString(f.Recipient); err != nil {
		return err
	}
	if err := enc.Encode(f.Topics); err != nil {
		return err
	}
	if err := enc.Encode(f.Payload); err != nil {
		return err
	}
	if err := enc.EncodeString(f.TaskID); err != nil {
		return err
	}
	return enc.EncodeInt64(f.Timestamp)
}

func decodeCanonicalArray(dec *msgpack.Decoder) (canonicalFields, error) {
	var f canonicalFields
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return f, err
	}
	if n != 7 {
		return f, fmt.Errorf("message: expected 7 canonical fields, got %d", n)
	}
	if f.ID, err = dec.DecodeString(); err != nil {
		return f, err
	}
	if f.Sender, err = dec.DecodeString(); err != nil {
		return f, err
	}
	if f.Recipient, err = dec.DecodeString(); err != nil {
		return f, err
	}
	if err = dec.Decode(&f.Topics); err != nil {
		return f, err
	}
	if err = dec.Decode(&f.Payload); err != nil {
		return f, err
	}
	if f.TaskID, err = dec.DecodeString(); err != nil {
		return f, err
	}
	if f.Timestamp, err = dec.DecodeInt64(); err != nil {
		return f, err
	}
	return f, nil
}

// canonicalizeMap returns a copy of the map with nested maps and slices
// rebuilt as map[string]any/[]any, so every map the encoder sees takes
// the sorted-key path enabled by SetSortMapKeys. The encoder's default
// map path ranges Go maps, whose iteration order is randomized per call —
// sorting at every depth is what keeps the digest byte-identical across
// Sign and Verify.
func canonicalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = canonicalizeValue(v)
	}
	return out
}

func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// canonicalBytes returns the deterministic msgpack encoding of the
// signing digest (every field except Signature). SetSortMapKeys makes
// the encoder emit payload map keys lexicographically instead of in Go's
// randomized map iteration order.
func canonicalBytes(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := m.fields().encodeArray(enc); err != nil {
		return nil, fmt.Errorf("message: encode signing digest: %w", err)
	}
	return buf.Bytes(), nil
}

// ErrNoPrivateKey is returned by Sign when the identity cannot sign.
var ErrNoPrivateKey = identity.ErrNoPrivateKey

// Sign returns a new Message with Sender set to id's fingerprint and
// Signature set to the Ed25519 signature over the canonical digest.
func Sign(m Message, id *identity.Identity) (Message, error) {
	if id.PrivateKey == nil {
		return Message{}, ErrNoPrivateKey
	}
	signed := m
	signed.Sender = id.Fingerprint
	digest, err := canonicalBytes(signed)
	if err != nil {
		return Message{}, err
	}
	sig, err := id.Sign(digest)
	if err != nil {
		return Message{}, err
	}
	signed.Signature = sig
	return signed, nil
}

// Verify reports whether m's signature is valid under pub. Never returns
// an error — any structural or cryptographic failure simply yields false.
func Verify(m Message, pub []byte) bool {
	if len(m.Signature) == 0 {
		return false
	}
	digest, err := canonicalBytes(m)
	if err != nil {
		return false
	}
	return identity.Verify(pub, digest, m.Signature)
}

// ToBytes serializes m for wire transmission: the canonical fields plus
// its signature, defaulting to an empty byte string if unsigned.
func ToBytes(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := m.fields().encodeArray(enc); err != nil {
		return nil, fmt.Errorf("message: encode wire form: %w", err)
	}
	sig := m.Signature
	if sig == nil {
		sig = []byte{}
	}
	if err := enc.EncodeBytes(sig); err != nil {
		return nil, fmt.Errorf("message: encode wire form: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes deserializes a wire-encoded Message. Topics are reconstructed
// with topic.Parse, the inverse of the String() form signed into the
// canonical digest, so a decoded Message's namespace/attributes/version
// are exactly what was signed and Verify keeps working on the round-trip.
func FromBytes(data []byte) (Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	f, err := decodeCanonicalArray(dec)
	if err != nil {
		return Message{}, fmt.Errorf("message: decode wire form: %w", err)
	}
	sig, err := dec.DecodeBytes()
	if err != nil {
		return Message{}, fmt.Errorf("message: decode wire form: %w", err)
	}

	topics := make([]topic.Topic, len(f.Topics))
	for i, s := range f.Topics {
		t, err := topic.Parse(s)
		if err != nil {
			return Message{}, fmt.Errorf("message: decode wire form: %w", err)
		}
		topics[i] = t
	}
	return Message{
		ID: f.ID, Sender: f.Sender, Recipient: f.Recipient,
		Topics: topics, Payload: f.Payload, TaskID: f.TaskID,
		Timestamp: f.Timestamp, Signature: sig,
	}, nil
}

const encryptedPayloadKey = "_encrypted"

// ErrInvalidKeyLength is returned when an encryption/decryption key is not
// exactly 32 bytes (AES-256).
var ErrInvalidKeyLength = errors.New("message: key must be 32 bytes for AES-256")

// EncryptPayload returns a new Message whose payload is the single key
// "_encrypted" mapping to base64(nonce || ciphertext || tag), where nonce
// is 12 random bytes and the plaintext is a deterministic encoding of the
// original payload.
func EncryptPayload(m Message, key []byte) (Message, error) {
	if len(key) != 32 {
		return Message{}, ErrInvalidKeyLength
	}
	var plainBuf bytes.Buffer
	plainEnc := msgpack.NewEncoder(&plainBuf)
	plainEnc.SetSortMapKeys(true)
	if err := plainEnc.Encode(canonicalizeMap(m.Payload)); err != nil {
		return Message{}, fmt.Errorf("message: encode payload: %w", err)
	}
	plaintext := plainBuf.Bytes()

	block, err := aes.NewCipher(key)
	if err != nil {
		return Message{}, fmt.Errorf("message: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Message{}, fmt.Errorf("message: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Message{}, fmt.Errorf("message: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	out := m
	out.Payload = map[string]any{
		encryptedPayloadKey: base64.StdEncoding.EncodeToString(sealed),
	}
	return out, nil
}

// ErrDecryption wraps any AEAD authentication or decoding failure.
var ErrDecryption = errors.New("message: payload decryption failed")

// DecryptPayload is the inverse of EncryptPayload. Absence of the
// "_encrypted" key is a no-op that returns m unchanged.
func DecryptPayload(m Message, key []byte) (Message, error) {
	raw, ok := m.Payload[encryptedPayloadKey]
	if !ok {
		return m, nil
	}
	if len(key) != 32 {
		return Message{}, ErrInvalidKeyLength
	}
	encoded, ok := raw.(string)
	if !ok {
		return Message{}, fmt.Errorf("%w: _encrypted value is not a string", ErrDecryption)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Message{}, fmt.Errorf("message: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Message{}, fmt.Errorf("message: new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return Message{}, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	var payload map[string]any
	if err := msgpack.Unmarshal(plaintext, &payload); err != nil {
		return Message{}, fmt.Errorf("%w: decode plaintext payload: %v", ErrDecryption, err)
	}

	out := m
	out.Payload = payload
	return out, nil
}
