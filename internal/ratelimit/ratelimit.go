// Package ratelimit implements the adaptive proof-of-work rate limiter
// (spec.md §4.4, C5): an Equihash-shaped challenge whose difficulty climbs
// with traffic to an account and decays with silence, self-authenticated by
// a process-wide MAC key so the server holds no per-challenge state.
package ratelimit

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/asciimoo/pwdsphinx/internal/log"
	"github.com/asciimoo/pwdsphinx/internal/proto"
	"github.com/asciimoo/pwdsphinx/internal/store"
	"github.com/asciimoo/pwdsphinx/internal/wire"
)

// Difficulty is the 9-byte persisted rate-limit context for one account:
// level[1] || count[4] || ts[4] (spec.md §3).
type Difficulty struct {
	Level uint8
	Count uint32
	Ts    uint32
}

func (d Difficulty) marshal() []byte {
	b := make([]byte, proto.DifficultySize)
	b[0] = d.Level
	copy(b[1:5], wire.PutUint32(d.Count))
	copy(b[5:9], wire.PutUint32(d.Ts))
	return b
}

func unmarshalDifficulty(b []byte) (Difficulty, error) {
	if len(b) != proto.DifficultySize {
		return Difficulty{}, fmt.Errorf("ratelimit: bad difficulty size %d", len(b))
	}
	return Difficulty{
		Level: b[0],
		Count: wire.Uint32(b[1:5]),
		Ts:    wire.Uint32(b[5:9]),
	}, nil
}

// Limiter ties the ladder, a PoW implementation, and durable difficulty
// state together.
type Limiter struct {
	store       *store.Store
	pow         PoW
	decay       time.Duration
	threshold   uint32
	gracetime   time.Duration
	log         *log.Logger
}

// New builds a Limiter. decay/threshold/gracetime correspond to the
// rl_decay/rl_threshold/rl_gracetime config keys (spec.md §6).
func New(st *store.Store, pow PoW, decay time.Duration, threshold uint32, gracetime time.Duration, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.With()
	}
	return &Limiter{store: st, pow: pow, decay: decay, threshold: threshold, gracetime: gracetime, log: logger}
}

func (l *Limiter) macKey() ([]byte, error) {
	return l.store.LoadOrCreateMACKey(func(n int) ([]byte, error) {
		b := make([]byte, n)
		_, err := rand.Read(b)
		return b, err
	})
}

// mac computes the 32-byte keyed generic hash (BLAKE2b, matching
// pysodium.crypto_generichash) over req || challenge[:10].
func mac(key, req, challenge []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: init MAC: %w", err)
	}
	h.Write(req)
	h.Write(challenge)
	return h.Sum(nil), nil
}

// Challenge is the response to CHALLENGE_CREATE: n || k || ts || sig.
type Challenge struct {
	N, K byte
	Ts   uint64
	Sig  []byte
}

// Bytes renders the wire form n || k || ts[8] || sig[32].
func (c Challenge) Bytes() []byte {
	out := make([]byte, 0, proto.ChallengeSize+proto.MACSize)
	out = append(out, c.N, c.K)
	out = append(out, wire.PutUint64(c.Ts)...)
	out = append(out, c.Sig...)
	return out
}

// advance implements spec.md §4.4 steps 1-5: load, clamp, decay or
// escalate, and return the rung plus the difficulty to persist.
func (l *Limiter) advance(id string, now time.Time) (Rung, Difficulty, bool, error) {
	raw, err := l.store.Load(id, "difficulty", proto.DifficultySize)
	hadPrior := true
	var d Difficulty
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Rung{}, Difficulty{}, false, fmt.Errorf("ratelimit: load difficulty: %w", err)
		}
		hadPrior = false
		d = Difficulty{Level: 0, Count: 0, Ts: uint32(now.Unix())}
		return Ladder[0], d, hadPrior, nil
	}
	d, err = unmarshalDifficulty(raw)
	if err != nil {
		return Rung{}, Difficulty{}, hadPrior, err
	}

	if int(d.Level) >= len(Ladder) {
		l.log.Warn("invalid level in difficulty context, clamping", "id", id, "level", d.Level)
		d.Level = uint8(len(Ladder) - 1)
		d.Count = 0
	} else if age := now.Sub(time.Unix(int64(d.Ts), 0)); age > l.decay && d.Level > 0 {
		periods := uint32(age / l.decay)
		if uint32(d.Level) > periods {
			d.Level -= uint8(periods)
		} else {
			d.Level = 0
		}
		d.Count = 0
	} else {
		if d.Count >= l.threshold && int(d.Level) < len(Ladder)-1 {
			d.Level++
			d.Count = 0
		} else {
			d.Count++
		}
	}
	d.Ts = uint32(now.Unix())

	if int(d.Level) == len(Ladder)-1 && d.Count > 2*l.threshold {
		l.log.Warn("alert: sustained proof-of-work pressure", "id", id, "count", d.Count)
	}

	return Ladder[d.Level], d, hadPrior, nil
}

// CreateChallenge implements CHALLENGE_CREATE (spec.md §4.4).
func (l *Limiter) CreateChallenge(id string, req []byte, now time.Time) (Challenge, error) {
	rung, d, hadPrior, err := l.advance(id, now)
	if err != nil {
		return Challenge{}, err
	}

	// The difficulty file is tracked independent of full account existence
	// (spec.md §8: "any op on nonexistent id ... no state change observable
	// on disk beyond the difficulty update rules"), so ensure the id's
	// directory exists before persisting.
	if err := l.store.EnsureDir(id); err != nil {
		return Challenge{}, fmt.Errorf("ratelimit: ensure id dir: %w", err)
	}
	// "ignore write failures only if no prior difficulty existed" — a
	// brand-new id that vanished between advance() and here (e.g. a
	// concurrent delete) must not be resurrected by this write.
	if err := l.store.Save(id, "difficulty", d.marshal()); err != nil {
		if !hadPrior {
			// swallow: no prior state, no side effect to preserve
		} else {
			return Challenge{}, fmt.Errorf("ratelimit: persist difficulty: %w", err)
		}
	}

	challenge := make([]byte, 0, proto.ChallengeSize)
	challenge = append(challenge, rung.N, rung.K)
	challenge = append(challenge, wire.PutUint64(uint64(now.Unix()))...)

	key, err := l.macKey()
	if err != nil {
		return Challenge{}, err
	}
	sig, err := mac(key, req, challenge)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{N: rung.N, K: rung.K, Ts: uint64(now.Unix()), Sig: sig}, nil
}

// VerifyChallenge implements CHALLENGE_VERIFY steps 3-6 (spec.md §4.4): MAC
// recheck, age check, and PoW verification. Reading the wire fields
// (challenge, sig, req, solution) is the caller's job (internal/server);
// this function only judges them.
func (l *Limiter) VerifyChallenge(challengeRaw []byte, sig, req []byte, solution []byte, now time.Time) error {
	if len(challengeRaw) != proto.ChallengeSize {
		return fmt.Errorf("ratelimit: bad challenge size %d", len(challengeRaw))
	}
	n, k := challengeRaw[0], challengeRaw[1]
	ts := wire.Uint64(challengeRaw[2:10])

	key, err := l.macKey()
	if err != nil {
		return err
	}
	want, err := mac(key, req, challengeRaw)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, sig) != 1 {
		return fmt.Errorf("ratelimit: bad MAC")
	}

	timeout, ok := TimeoutFor(n, k)
	if !ok {
		return fmt.Errorf("ratelimit: unknown (n,k)=(%d,%d)", n, k)
	}
	age := now.Sub(time.Unix(int64(ts), 0))
	if age > timeout+l.gracetime {
		return fmt.Errorf("ratelimit: stale challenge: age %s exceeds %s", age, timeout+l.gracetime)
	}

	wantSize := l.pow.SolutionSize(n, k)
	if len(solution) != wantSize {
		return fmt.Errorf("ratelimit: bad solution size: want %d, got %d", wantSize, len(solution))
	}
	seed := append(append([]byte{}, challengeRaw...), req...)
	if !l.pow.Verify(n, k, seed, solution) {
		return fmt.Errorf("ratelimit: invalid proof of work")
	}
	return nil
}

// SolutionSize exposes the PoW's solution size so the server knows how
// many bytes to read off the wire once it has decoded (n, k).
func (l *Limiter) SolutionSize(n, k byte) int { return l.pow.SolutionSize(n, k) }
