package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutForKnownRung(t *testing.T) {
	timeout, ok := TimeoutFor(60, 4)
	assert.True(t, ok)
	assert.Equal(t, time.Second, timeout)
}

func TestTimeoutForUnknownRung(t *testing.T) {
	_, ok := TimeoutFor(61, 4)
	assert.False(t, ok)
}

func TestLadderIsSorted(t *testing.T) {
	for i := 1; i < len(Ladder); i++ {
		assert.Greater(t, Ladder[i].Timeout, Ladder[i-1].Timeout)
		assert.Greater(t, Ladder[i].N, Ladder[i-1].N)
	}
}
