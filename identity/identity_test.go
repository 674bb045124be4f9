package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesDistinctFingerprints(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
	assert.Len(t, a.Fingerprint, 64) // hex-encoded SHA-256
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	data := []byte("hello agents")
	sig, err := id.Sign(data)
	require.NoError(t, err)
	assert.True(t, Verify(id.PublicKey, data, sig))
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	sig, err := id.Sign([]byte("original"))
	require.NoError(t, err)
	assert.False(t, Verify(id.PublicKey, []byte("tampered"), sig))
}

func TestFromPublicKeyCannotSign(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	peer, err := FromPublicKey(id.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint, peer.Fingerprint)

	_, err = peer.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestFromPublicKeyRejectsWrongLength(t *testing.T) {
	_, err := FromPublicKey(make([]byte, 4))
	assert.Error(t, err)
}

func TestFromPrivateKeyRebuildsSameFingerprint(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	rebuilt, err := FromPrivateKey(id.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint, rebuilt.Fingerprint)
	assert.True(t, id.PublicKey.Equal(rebuilt.PublicKey))
}
