// Package authblob implements the signed-blob verifier (spec.md §4.1, C3):
// every authenticated message on the wire is `msg || sig[64]`, a detached
// Ed25519 signature over msg. Ed25519 itself is named as an out-of-scope
// external primitive (spec.md §1); this package is the thin wrapper around
// stdlib crypto/ed25519 that the rest of sphinxd calls through.
package authblob

import (
	"crypto/ed25519"
	"fmt"
)

// Verify splits blob into msg || sig[64], verifies sig as a detached
// signature over msg under pub, and returns msg on success. Any failure
// (too short, bad signature) is reported as an error — callers treat it as
// fatal for the connection per spec.md §7.
func Verify(blob []byte, pub []byte) ([]byte, error) {
	if len(blob) < ed25519.SignatureSize {
		return nil, fmt.Errorf("authblob: blob shorter than signature")
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("authblob: bad public key size %d", len(pub))
	}
	split := len(blob) - ed25519.SignatureSize
	msg, sig := blob[:split], blob[split:]
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return nil, fmt.Errorf("authblob: signature verification failed")
	}
	return msg, nil
}

// Sign appends a detached Ed25519 signature over msg to itself: msg || sig.
// Used by internal/dkg when a peer must sign its own commitment.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	sig := ed25519.Sign(priv, msg)
	out := make([]byte, 0, len(msg)+len(sig))
	out = append(out, msg...)
	out = append(out, sig...)
	return out
}
