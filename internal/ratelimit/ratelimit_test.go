package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asciimoo/pwdsphinx/internal/proto"
	"github.com/asciimoo/pwdsphinx/internal/store"
)

func newLimiter(t *testing.T) *Limiter {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return New(st, LeadingZeroBits{}, 1800*time.Second, 2, 10*time.Second, nil)
}

func challengePrefix(c Challenge) []byte {
	return c.Bytes()[:proto.ChallengeSize]
}

func TestCreateThenVerifyChallengeRoundTrip(t *testing.T) {
	l := newLimiter(t)
	now := time.Now()
	req := append([]byte{0x66}, make([]byte, 64)...)

	ch, err := l.CreateChallenge("account1", req, now)
	require.NoError(t, err)
	assert.Equal(t, byte(60), ch.N)
	assert.Equal(t, byte(4), ch.K)

	sol := Solve(ch.N, ch.K, append(challengePrefix(ch), req...))
	err = l.VerifyChallenge(challengePrefix(ch), ch.Sig, req, sol, now)
	assert.NoError(t, err)
}

func TestVerifyChallengeRejectsBadMAC(t *testing.T) {
	l := newLimiter(t)
	now := time.Now()
	req := append([]byte{0x66}, make([]byte, 64)...)

	ch, err := l.CreateChallenge("account1", req, now)
	require.NoError(t, err)

	badSig := append([]byte{}, ch.Sig...)
	badSig[0] ^= 0xff
	sol := Solve(ch.N, ch.K, append(challengePrefix(ch), req...))
	err = l.VerifyChallenge(challengePrefix(ch), badSig, req, sol, now)
	assert.Error(t, err)
}

func TestVerifyChallengeRejectsStale(t *testing.T) {
	l := newLimiter(t)
	now := time.Now()
	req := append([]byte{0x66}, make([]byte, 64)...)

	ch, err := l.CreateChallenge("account1", req, now)
	require.NoError(t, err)
	sol := Solve(ch.N, ch.K, append(challengePrefix(ch), req...))

	future := now.Add(2 * time.Hour)
	err = l.VerifyChallenge(challengePrefix(ch), ch.Sig, req, sol, future)
	assert.Error(t, err)
}

func TestEscalationAdvancesLevel(t *testing.T) {
	l := newLimiter(t)
	now := time.Now()
	req := append([]byte{0x66}, make([]byte, 64)...)

	var last Challenge
	for i := 0; i < 4; i++ {
		ch, err := l.CreateChallenge("account2", req, now)
		require.NoError(t, err)
		last = ch
		now = now.Add(time.Millisecond)
	}
	assert.Greater(t, last.N, byte(60))
}

func TestDecayResetsLevel(t *testing.T) {
	l := newLimiter(t)
	now := time.Now()
	req := append([]byte{0x66}, make([]byte, 64)...)

	for i := 0; i < 4; i++ {
		_, err := l.CreateChallenge("account3", req, now)
		require.NoError(t, err)
		now = now.Add(time.Millisecond)
	}
	later := now.Add(2 * l.decay)
	ch, err := l.CreateChallenge("account3", req, later)
	require.NoError(t, err)
	assert.Equal(t, byte(60), ch.N)
}
