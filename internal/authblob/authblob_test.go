package authblob

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("site-rules-blob")
	blob := Sign(priv, msg)

	got, err := Verify(blob, pub)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	blob := Sign(priv, []byte("original"))
	blob[0] ^= 0xff

	_, err = Verify(blob, pub)
	assert.Error(t, err)
}

func TestVerifyRejectsShortBlob(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, err = Verify([]byte("short"), pub)
	assert.Error(t, err)
}

func TestVerifyRejectsBadPubSize(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	blob := Sign(priv, []byte("msg"))
	_, err = Verify(blob, []byte{1, 2, 3})
	assert.Error(t, err)
}
