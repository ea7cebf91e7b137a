package ratelimit

import "time"

// Rung is one entry of the adaptive difficulty ladder (spec.md §4.4). The
// (n, k) pair selects a PoW's cost; Timeout bounds how long a client has to
// submit a solution before it is considered stale.
type Rung struct {
	N, K    byte
	Timeout time.Duration
}

// Ladder is the reference difficulty ladder from spec.md §4.4, benchmarked
// (in the original) against a Raspberry Pi 1B; entries above index 7 are
// interpolated rather than measured.
var Ladder = []Rung{
	{N: 60, K: 4, Timeout: 1 * time.Second},
	{N: 65, K: 4, Timeout: 2 * time.Second},
	{N: 70, K: 4, Timeout: 4 * time.Second},
	{N: 75, K: 4, Timeout: 9 * time.Second},
	{N: 80, K: 4, Timeout: 16 * time.Second},
	{N: 85, K: 4, Timeout: 32 * time.Second},
	{N: 90, K: 4, Timeout: 80 * time.Second},
	{N: 95, K: 4, Timeout: 160 * time.Second},
	{N: 100, K: 4, Timeout: 320 * time.Second},
	{N: 105, K: 4, Timeout: 640 * time.Second},
	{N: 110, K: 4, Timeout: 1280 * time.Second},
	{N: 115, K: 4, Timeout: 2560 * time.Second},
	{N: 120, K: 4, Timeout: 5120 * time.Second},
}

// TimeoutFor looks up the solution-age timeout for a given (n, k) pair, the
// counterpart of oracle.py's module-level RL_Timeouts dict.
func TimeoutFor(n, k byte) (time.Duration, bool) {
	for _, r := range Ladder {
		if r.N == n && r.K == k {
			return r.Timeout, true
		}
	}
	return 0, false
}
