package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSolveThenVerify(t *testing.T) {
	pow := LeadingZeroBits{}
	seed := []byte("some-challenge-bytes")
	n, k := byte(60), byte(4)

	sol := Solve(n, k, seed)
	assert.Len(t, sol, pow.SolutionSize(n, k))
	assert.True(t, pow.Verify(n, k, seed, sol))
}

func TestVerifyRejectsWrongSeed(t *testing.T) {
	pow := LeadingZeroBits{}
	n, k := byte(60), byte(4)
	sol := Solve(n, k, []byte("seed-a"))
	assert.False(t, pow.Verify(n, k, []byte("seed-b"), sol))
}

func TestVerifyRejectsWrongSize(t *testing.T) {
	pow := LeadingZeroBits{}
	assert.False(t, pow.Verify(60, 4, []byte("seed"), []byte("short")))
}

func TestLeadingZeroBits(t *testing.T) {
	assert.Equal(t, uint(8), leadingZeroBits([]byte{0x00, 0xff}))
	assert.Equal(t, uint(0), leadingZeroBits([]byte{0xff}))
	assert.Equal(t, uint(3), leadingZeroBits([]byte{0x1f}))
}
