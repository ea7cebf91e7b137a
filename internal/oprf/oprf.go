// Package oprf implements the OPRF engine (spec.md §4.3, C4): stateless
// evaluation of a 32-byte key against a blinded 32-byte input, producing a
// 32-byte result.
//
// The real OPRF point evaluation is named as an out-of-scope external
// primitive in spec.md §1 ("consumed through the interfaces named in
// §6") — Evaluator is that interface. The concrete implementation here
// stands in for it using golang.org/x/crypto/curve25519 scalar
// multiplication, the same elliptic-curve primitive family the real
// protocol's oblivious evaluation is built from, so the daemon is fully
// runnable without inventing a non-existent dependency.
package oprf

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Evaluator applies a secret key to a blinded point.
type Evaluator interface {
	Evaluate(key, alpha [32]byte) ([32]byte, error)
}

// Curve25519 is the default Evaluator: beta = key * alpha on Curve25519,
// i.e. the same scalar-multiplication step X25519 performs for key
// agreement, repurposed here as the blinded evaluation step.
type Curve25519 struct{}

func (Curve25519) Evaluate(key, alpha [32]byte) ([32]byte, error) {
	var beta [32]byte
	out, err := curve25519.X25519(key[:], alpha[:])
	if err != nil {
		return beta, fmt.Errorf("oprf: evaluate: %w", err)
	}
	copy(beta[:], out)
	return beta, nil
}

// Evaluate is the package-level convenience entry point, used everywhere
// the daemon does not need to swap the implementation.
func Evaluate(key, alpha [32]byte) ([32]byte, error) {
	return Curve25519{}.Evaluate(key, alpha)
}

// SplitKey splits an on-disk 33-byte key (index || scalar) into its parts,
// implementing the "always 33 bytes, index 0 for centrally generated keys"
// resolution of spec.md §9's open question.
func SplitKey(key [33]byte) (index byte, scalar [32]byte) {
	index = key[0]
	copy(scalar[:], key[1:])
	return
}

// JoinKey is the inverse of SplitKey.
func JoinKey(index byte, scalar [32]byte) [33]byte {
	var key [33]byte
	key[0] = index
	copy(key[1:], scalar[:])
	return key
}
