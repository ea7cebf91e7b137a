package dkg

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartProducesNShares(t *testing.T) {
	_, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	res, err := Start(3, 2, sk)
	require.NoError(t, err)
	assert.Len(t, res.Shares, 3)
	assert.Len(t, res.SignedCommitments, 3*32+ed25519.SignatureSize)
}

func TestCommitmentsRoundTripMarshal(t *testing.T) {
	c := Commitments{{1}, {2}, {3}}
	raw := c.marshal()
	got, err := unmarshalCommitments(raw)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestVerifyCommitmentsAcceptsGenuineShare(t *testing.T) {
	pub, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	res, err := Start(1, 1, sk)
	require.NoError(t, err)

	myIndex := byte(1)
	peerPubs := map[byte]ed25519.PublicKey{myIndex: pub}
	signed := map[byte][]byte{myIndex: res.SignedCommitments}
	received := map[byte]SharePayload{myIndex: res.Shares[myIndex]}

	complaints, verified, err := VerifyCommitments(myIndex, peerPubs, signed, received)
	require.NoError(t, err)
	assert.Empty(t, complaints)
	assert.Contains(t, verified, myIndex)
}

func TestVerifyCommitmentsComplainsOnTamperedShare(t *testing.T) {
	pub, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	res, err := Start(1, 1, sk)
	require.NoError(t, err)

	myIndex := byte(1)
	peerPubs := map[byte]ed25519.PublicKey{myIndex: pub}
	signed := map[byte][]byte{myIndex: res.SignedCommitments}

	tampered := res.Shares[myIndex]
	tampered.Scalar[0] ^= 0xff
	received := map[byte]SharePayload{myIndex: tampered}

	complaints, _, err := VerifyCommitments(myIndex, peerPubs, signed, received)
	require.NoError(t, err)
	assert.Contains(t, complaints, myIndex)
}

func TestVerifyCommitmentsComplainsOnBadSignature(t *testing.T) {
	pub, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	res, err := Start(1, 1, sk)
	require.NoError(t, err)

	myIndex := byte(1)
	peerPubs := map[byte]ed25519.PublicKey{myIndex: pub}
	bogus := append([]byte{}, res.SignedCommitments...)
	bogus[0] ^= 0xff
	signed := map[byte][]byte{myIndex: bogus}
	received := map[byte]SharePayload{myIndex: res.Shares[myIndex]}

	complaints, _, err := VerifyCommitments(myIndex, peerPubs, signed, received)
	require.NoError(t, err)
	assert.Contains(t, complaints, myIndex)
}

func TestFinishSumsShares(t *testing.T) {
	myIndex := byte(2)
	shares := map[byte]SharePayload{
		1: {Scalar: [32]byte{1}},
		2: {Scalar: [32]byte{2}},
	}
	share := Finish(myIndex, shares)
	assert.Equal(t, myIndex, share[0])
	// both scalars are big-endian with only the top byte set: 1 + 2 = 3.
	want := [32]byte{3}
	assert.Equal(t, want[:], share[1:])
}

func TestSharePayloadMarshalRoundTrip(t *testing.T) {
	p := SharePayload{Scalar: [32]byte{9}, Salt: [32]byte{7}}
	got, err := UnmarshalSharePayload(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
