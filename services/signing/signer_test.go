package signing

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	return seed
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewSignerFromSeed(newSeed(t))

	payload := []byte(`{"kind":"CONFIG","payload":{"max_connections":50}}`)
	sig, identity, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Equal(t, signer.Identity(), identity)

	require.NoError(t, Verify(payload, sig, identity))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer := NewSignerFromSeed(newSeed(t))

	sig, identity, err := signer.Sign([]byte("original"))
	require.NoError(t, err)

	assert.Error(t, Verify([]byte("tampered"), sig, identity))
}

func TestVerifyRejectsForeignIdentity(t *testing.T) {
	signer := NewSignerFromSeed(newSeed(t))
	other := NewSignerFromSeed(newSeed(t))

	sig, _, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)

	assert.Error(t, Verify([]byte("payload"), sig, other.Identity()))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	signer := NewSignerFromSeed(newSeed(t))

	assert.Error(t, Verify([]byte("payload"), "not-base64!", signer.Identity()))
	assert.Error(t, Verify([]byte("payload"), "c2hvcnQ=", signer.Identity()))
}
