// Package dkg implements the n-of-t distributed key generation coordinator
// (spec.md §4.7, C7): commitment exchange, share distribution over the
// Noise-XK mesh, verification, and complaint collection.
//
// The real DKG algebra is named an out-of-scope external primitive in
// spec.md §1. vss.go is its concrete reference implementation: Shamir
// secret sharing over the Curve25519 scalar field (golang.org/x/crypto/
// curve25519, already used by internal/oprf), with per-recipient hash
// commitments (golang.org/x/crypto/blake2b) standing in for the real
// scheme's algebraic (Feldman/Pedersen) public verifiability — a
// homomorphic commitment would need elliptic-curve point addition, which
// x/crypto/curve25519's Montgomery-ladder API does not expose. This is not
// a hardened VSS; it exists to make the coordinator's orchestration logic
// (commitment exchange, complaint collection, transcript binding) runnable
// end to end. See DESIGN.md.
package dkg

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"

	"github.com/asciimoo/pwdsphinx/internal/authblob"
	"github.com/asciimoo/pwdsphinx/internal/oprf"
)

// groupOrder is the order of the Curve25519/Ed25519 prime-order subgroup,
// l = 2^252 + 27742317777372353535851937790883648493.
var groupOrder, _ = new(big.Int).SetString("7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)

func randomScalar() (*big.Int, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	s := new(big.Int).SetBytes(b)
	return s.Mod(s, groupOrder), nil
}

func scalarToBytes(s *big.Int) [32]byte {
	var out [32]byte
	s.FillBytes(out[:])
	return out
}

// groupCommit computes scalar * basepoint on Curve25519: a public
// commitment to this dealer's own polynomial constant term, returned in
// StartResult.GroupCommitment; nothing else in the run reads it.
func groupCommit(scalar [32]byte) ([32]byte, error) {
	var out [32]byte
	pt, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("dkg: group commit: %w", err)
	}
	copy(out[:], pt)
	return out, nil
}

// polynomial is a degree t-1 polynomial over the scalar field, coeffs[0]
// being the secret.
type polynomial struct {
	coeffs []*big.Int
}

func newPolynomial(t int) (*polynomial, error) {
	p := &polynomial{coeffs: make([]*big.Int, t)}
	for i := range p.coeffs {
		s, err := randomScalar()
		if err != nil {
			return nil, err
		}
		p.coeffs[i] = s
	}
	return p, nil
}

func (p *polynomial) eval(x int) *big.Int {
	// Horner's method: ((c[t-1]*x + c[t-2])*x + ... )*x + c[0]
	acc := new(big.Int)
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		acc.Mul(acc, big.NewInt(int64(x)))
		acc.Add(acc, p.coeffs[i])
		acc.Mod(acc, groupOrder)
	}
	return acc
}

// Share is one participant's piece of the jointly generated secret: index
// || scalar, the same 33-byte layout as an account's on-disk OPRF key.
type Share = [33]byte

// shareCommitment is the hash commitment a dealer publishes for one
// recipient index: blake2b(salt || index || scalar). The recipient learns
// salt alongside its share and recomputes the hash to check the dealer
// didn't tamper with it in transit.
type shareCommitment [32]byte

// Commitments is the full vector of per-recipient commitments a dealer
// broadcasts, one entry per participant: entry i-1 holds the commitment
// for participant index i (1..n).
type Commitments []shareCommitment

func commitTo(salt [32]byte, index byte, scalar [32]byte) shareCommitment {
	h, _ := blake2b.New256(nil)
	h.Write(salt[:])
	h.Write([]byte{index})
	h.Write(scalar[:])
	var out shareCommitment
	copy(out[:], h.Sum(nil))
	return out
}

func (c Commitments) hash() [32]byte {
	h, _ := blake2b.New256(nil)
	for _, ci := range c {
		h.Write(ci[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c Commitments) marshal() []byte {
	out := make([]byte, 0, len(c)*32)
	for _, ci := range c {
		out = append(out, ci[:]...)
	}
	return out
}

func unmarshalCommitments(b []byte) (Commitments, error) {
	if len(b)%32 != 0 {
		return nil, fmt.Errorf("dkg: bad commitments length %d", len(b))
	}
	c := make(Commitments, len(b)/32)
	for i := range c {
		copy(c[i][:], b[i*32:(i+1)*32])
	}
	return c, nil
}

// SharePayload is what the dealer sends one specific recipient over its
// Noise-XK session: the recipient's scalar share plus the salt needed to
// check it against the broadcast commitment vector.
type SharePayload struct {
	Scalar [32]byte
	Salt   [32]byte
}

func (p SharePayload) Marshal() []byte {
	out := make([]byte, 0, 64)
	out = append(out, p.Scalar[:]...)
	out = append(out, p.Salt[:]...)
	return out
}

func UnmarshalSharePayload(b []byte) (SharePayload, error) {
	if len(b) != 64 {
		return SharePayload{}, fmt.Errorf("dkg: bad share payload length %d", len(b))
	}
	var p SharePayload
	copy(p.Scalar[:], b[:32])
	copy(p.Salt[:], b[32:])
	return p, nil
}

// Transcript accumulates everything exchanged during one DKG run, bound to
// the operation that triggered it (spec.md §9, "Transcript aux binding").
// Mixing order matters: aux must be written before the run finishes so
// every participant's transcript hash reflects the same operation.
type Transcript struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func newTranscript(seed []byte) (*Transcript, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(seed)
	return &Transcript{h: h}, nil
}

// MixAux binds aux (op || alpha, per spec.md §4.6/§4.7) into the
// transcript.
func (t *Transcript) MixAux(aux []byte) { t.h.Write(aux) }

// Sum returns the current transcript digest.
func (t *Transcript) Sum() [32]byte {
	var out [32]byte
	copy(out[:], t.h.Sum(nil))
	return out
}

// StartResult is what Start returns: the values broadcast to every peer
// plus the per-recipient share payloads to send over each outbound Noise
// session.
type StartResult struct {
	CHash             [32]byte
	SignedCommitments []byte
	GroupCommitment    [32]byte
	Shares             map[byte]SharePayload // recipient index -> payload
	Transcript         *Transcript
}

// Start runs the local half of DKG step 1-2 (spec.md §4.7): sample a fresh
// degree-(t-1) polynomial, commit to every recipient's share of it, and
// prepare the per-peer share payloads.
func Start(n, t int, sk ed25519.PrivateKey) (*StartResult, error) {
	poly, err := newPolynomial(t)
	if err != nil {
		return nil, fmt.Errorf("dkg: start: %w", err)
	}
	groupCommitment, err := groupCommit(scalarToBytes(poly.coeffs[0]))
	if err != nil {
		return nil, err
	}

	commitments := make(Commitments, n)
	shares := make(map[byte]SharePayload, n)
	for idx := 1; idx <= n; idx++ {
		scalar := scalarToBytes(poly.eval(idx))
		var salt [32]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return nil, fmt.Errorf("dkg: salt: %w", err)
		}
		commitments[idx-1] = commitTo(salt, byte(idx), scalar)
		shares[byte(idx)] = SharePayload{Scalar: scalar, Salt: salt}
	}
	cHash := commitments.hash()
	signed := authblob.Sign(sk, commitments.marshal())

	transcript, err := newTranscript(cHash[:])
	if err != nil {
		return nil, err
	}

	return &StartResult{
		CHash:             cHash,
		SignedCommitments: signed,
		GroupCommitment:   groupCommitment,
		Shares:            shares,
		Transcript:        transcript,
	}, nil
}

// ReceivedShare bundles what VerifyCommitments needs about one peer: the
// commitment vector it broadcast (once authenticated), and the payload it
// sent us directly.
type ReceivedShare struct {
	Commitments Commitments
	Payload     SharePayload
}

// VerifyCommitments implements spec.md §4.7 step 6: check every peer's
// signed commitment vector and the share payload each peer sent us,
// returning the indices of peers whose share failed verification (the
// complaint vector).
func VerifyCommitments(myIndex byte, peerPubs map[byte]ed25519.PublicKey, signedCommitments map[byte][]byte, received map[byte]SharePayload) ([]byte, map[byte]Commitments, error) {
	var complaints []byte
	verifiedCommitments := make(map[byte]Commitments, len(signedCommitments))

	for peerIdx, signed := range signedCommitments {
		pub, ok := peerPubs[peerIdx]
		if !ok {
			complaints = append(complaints, peerIdx)
			continue
		}
		msg, err := authblob.Verify(signed, pub)
		if err != nil {
			complaints = append(complaints, peerIdx)
			continue
		}
		commitments, err := unmarshalCommitments(msg)
		if err != nil || int(myIndex) > len(commitments) || myIndex == 0 {
			complaints = append(complaints, peerIdx)
			continue
		}
		verifiedCommitments[peerIdx] = commitments

		payload, ok := received[peerIdx]
		if !ok {
			complaints = append(complaints, peerIdx)
			continue
		}
		want := commitments[myIndex-1]
		got := commitTo(payload.Salt, myIndex, payload.Scalar)
		if got != want {
			complaints = append(complaints, peerIdx)
		}
	}
	return complaints, verifiedCommitments, nil
}

// Finish implements spec.md §4.7 step 7: sum every received scalar share
// (including our own dealt-to-self share) into the final indexed secret
// share.
func Finish(myIndex byte, received map[byte]SharePayload) Share {
	sum := new(big.Int)
	for _, p := range received {
		v := new(big.Int).SetBytes(p.Scalar[:])
		sum.Add(sum, v)
		sum.Mod(sum, groupOrder)
	}
	return oprf.JoinKey(myIndex, scalarToBytes(sum))
}
