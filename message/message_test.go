package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-project/converge/identity"
	"github.com/converge-project/converge/topic"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func TestSignSetsSenderAndSignature(t *testing.T) {
	id := testIdentity(t)
	m := New("recipient-fp", []topic.Topic{topic.New("orders", nil, "")}, map[string]any{"k": "v"}, "task-1", 1000)

	signed, err := Sign(m, id)
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint, signed.Sender)
	assert.NotEmpty(t, signed.Signature)
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	id := testIdentity(t)
	m := New("", nil, map[string]any{"a": 1}, "", 1)
	signed, err := Sign(m, id)
	require.NoError(t, err)
	assert.True(t, Verify(signed, id.PublicKey))
}

func TestVerifyRejectsModifiedPayload(t *testing.T) {
	id := testIdentity(t)
	m := New("", nil, map[string]any{"a": 1}, "", 1)
	signed, err := Sign(m, id)
	require.NoError(t, err)

	tampered := signed
	tampered.Payload = map[string]any{"a": 2}
	assert.False(t, Verify(tampered, id.PublicKey))
}

func TestVerifyRejectsUnsignedMessage(t *testing.T) {
	m := New("", nil, nil, "", 1)
	id := testIdentity(t)
	assert.False(t, Verify(m, id.PublicKey))
}

func TestSignFailsWithoutPrivateKey(t *testing.T) {
	id := testIdentity(t)
	peer, err := identity.FromPublicKey(id.PublicKey)
	require.NoError(t, err)

	_, err = Sign(New("", nil, nil, "", 1), peer)
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestToBytesFromBytesRoundTripPreservesSignatureValidity(t *testing.T) {
	id := testIdentity(t)
	topics := []topic.Topic{topic.New("orders", map[string]string{"region": "eu", "priority": "high"}, "2.0")}
	m := New("peer-fp", topics, map[string]any{"x": "y"}, "t1", 42)
	signed, err := Sign(m, id)
	require.NoError(t, err)

	raw, err := ToBytes(signed)
	require.NoError(t, err)

	decoded, err := FromBytes(raw)
	require.NoError(t, err)

	assert.Equal(t, signed.ID, decoded.ID)
	assert.Equal(t, signed.Sender, decoded.Sender)
	assert.Equal(t, signed.Recipient, decoded.Recipient)
	assert.Equal(t, signed.TaskID, decoded.TaskID)
	assert.Equal(t, signed.Timestamp, decoded.Timestamp)
	require.Len(t, decoded.Topics, 1)
	assert.Equal(t, topics[0].String(), decoded.Topics[0].String())
	assert.Equal(t, "eu", decoded.Topics[0].Attributes["region"])
	assert.True(t, Verify(decoded, id.PublicKey))
}

func TestEncryptDecryptPayloadRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	m := New("", nil, map[string]any{"secret": "value"}, "", 1)

	encrypted, err := EncryptPayload(m, key)
	require.NoError(t, err)
	assert.Contains(t, encrypted.Payload, "_encrypted")

	decrypted, err := DecryptPayload(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, "value", decrypted.Payload["secret"])
}

func TestDecryptPayloadRejectsWrongKey(t *testing.T) {
	key := make([]byte, 32)
	wrongKey := make([]byte, 32)
	wrongKey[0] = 1
	m := New("", nil, map[string]any{"secret": "value"}, "", 1)

	encrypted, err := EncryptPayload(m, key)
	require.NoError(t, err)

	_, err = DecryptPayload(encrypted, wrongKey)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptPayloadNoopWhenNotEncrypted(t *testing.T) {
	m := New("", nil, map[string]any{"plain": true}, "", 1)
	out, err := DecryptPayload(m, make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, m.Payload, out.Payload)
}

func TestEncryptPayloadRejectsBadKeyLength(t *testing.T) {
	m := New("", nil, nil, "", 1)
	_, err := EncryptPayload(m, make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestCanonicalEncodingStableAcrossCalls(t *testing.T) {
	id := testIdentity(t)
	payload := map[string]any{
		"alpha": 1, "beta": 2, "gamma": 3, "delta": 4, "epsilon": 5,
		"nested": map[string]any{"zulu": "z", "yankee": "y", "xray": "x"},
	}
	signed, err := Sign(New("peer-fp", nil, payload, "", 7), id)
	require.NoError(t, err)

	first, err := ToBytes(signed)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := ToBytes(signed)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.True(t, Verify(signed, id.PublicKey))
	}
}
