package oprf

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateDeterministic(t *testing.T) {
	var key, alpha [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	_, err = rand.Read(alpha[:])
	require.NoError(t, err)

	b1, err := Evaluate(key, alpha)
	require.NoError(t, err)
	b2, err := Evaluate(key, alpha)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestEvaluateDifferentKeysDiffer(t *testing.T) {
	var key1, key2, alpha [32]byte
	key1[1], key2[1] = 1, 2
	key1[31], key2[31] = 1, 1
	_, err := rand.Read(alpha[:])
	require.NoError(t, err)

	b1, err := Evaluate(key1, alpha)
	require.NoError(t, err)
	b2, err := Evaluate(key2, alpha)
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)
}

func TestSplitJoinKeyRoundTrip(t *testing.T) {
	var scalar [32]byte
	_, err := rand.Read(scalar[:])
	require.NoError(t, err)

	key := JoinKey(3, scalar)
	index, gotScalar := SplitKey(key)
	assert.Equal(t, byte(3), index)
	assert.Equal(t, scalar, gotScalar)
}
