// coordinator.go implements the n-of-t DKG run itself (spec.md §4.7, C7):
// session setup over a client-mediated stream, per-peer Noise-XK
// handshakes, commitment broadcast, share exchange over the resulting
// encrypted channels, verification, and complaint collection. A non-empty
// complaint vector aborts the run (spec.md §9, "the current spec chooses
// abort").
package dkg

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"fmt"

	"github.com/asciimoo/pwdsphinx/internal/noisexk"
	"github.com/asciimoo/pwdsphinx/internal/wire"
)

// PeerStream is the subset of framed I/O the coordinator needs from the
// worker's connection to the mediating client: every DKG message (static
// pubkey exchange, handshake messages, broadcast commitments, per-peer
// shares, complaint vectors) travels over this single stream, one
// operation at a time, exactly as spec.md §5 describes ("Peers are
// discovered through the same client-mediated stream, not by direct
// server-to-server connections").
type PeerStream interface {
	ReadExact(n int) ([]byte, error)
	Send(b ...[]byte) error
}

// AuthorizedPeer is one entry of the startup-loaded peer allowlist: a
// Noise-XK static public key and its human-readable name (spec.md §3,
// "authorized peer keys").
type AuthorizedPeer struct {
	NoiseStatic *ecdh.PublicKey
	Name        string
}

// Result is what a completed, uncomplained-about DKG run produces.
type Result struct {
	Share Share
}

// Run executes one DKG session for n peers with threshold t, over a single
// client-mediated stream. aux (op || alpha, per spec.md §9 "Transcript aux
// binding") is mixed into the run's transcript right after Start; the
// transcript digest is not an input to Finish, so the share value itself
// does not depend on aux.
//
// myIndex is this server's own participant index (1..n), assigned out of
// band by the mediating client per CREATE_DKG's request (spec.md §4.6).
// noiseStatic is this server's long-lived Noise-XK static key (loaded once
// at startup, spec.md §3); allowed is the startup-loaded peer allowlist
// used to authenticate each handshake.
//
// Wire shape per run, mirroring spec.md §4.7's numbered steps:
//  1. exchange 32-byte Ed25519 DKG-signing pubkeys (n of them)
//  2. one Noise-XK handshake per peer (lower index initiates)
//  3. broadcast/collect c_hash (32 bytes each)
//  4. broadcast/collect signed_commitment (u16-length-prefixed)
//  5. send/receive one share payload (64 bytes, AEAD-sealed) per peer
//  6. send/receive a length-prefixed complaint vector
func Run(stream PeerStream, myIndex byte, n, t int, noiseStatic *ecdh.PrivateKey, allowed []AuthorizedPeer, aux []byte) (*Result, error) {
	if n < 1 || t < 1 || t > n {
		return nil, fmt.Errorf("dkg: invalid (n=%d, t=%d)", n, t)
	}
	if myIndex < 1 || int(myIndex) > n {
		return nil, fmt.Errorf("dkg: invalid myIndex %d for n=%d", myIndex, n)
	}

	dkgPub, dkgPriv, err := ed25519GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("dkg: generate signing key: %w", err)
	}

	peerPubs, err := exchangeDKGPubkeys(stream, dkgPub, n)
	if err != nil {
		return nil, err
	}

	sessions, err := setupNoiseMesh(stream, myIndex, n, noiseStatic, allowed)
	if err != nil {
		return nil, fmt.Errorf("dkg: noise mesh setup: %w", err)
	}

	start, err := Start(n, t, dkgPriv)
	if err != nil {
		return nil, fmt.Errorf("dkg: start: %w", err)
	}
	start.Transcript.MixAux(aux)

	if _, err := broadcastCollect(stream, start.CHash[:], 32, n); err != nil {
		return nil, fmt.Errorf("dkg: exchange c_hash: %w", err)
	}

	signedCommitments, err := broadcastCollectVar(stream, start.SignedCommitments, n)
	if err != nil {
		return nil, fmt.Errorf("dkg: exchange signed commitments: %w", err)
	}

	received := make(map[byte]SharePayload, n)
	for idx, payload := range start.Shares {
		if idx == myIndex {
			received[idx] = payload
			continue
		}
		sess := sessions[idx]
		ct, err := sess.SendMsg(payload.Marshal())
		if err != nil {
			return nil, fmt.Errorf("dkg: seal share for %d: %w", idx, err)
		}
		if err := stream.Send(ct); err != nil {
			return nil, fmt.Errorf("dkg: send share to %d: %w", idx, err)
		}
	}
	shareCiphertextSize := 64 + noisexk.ShareCiphertextOverhead
	for peerIdx := range peerPubs {
		if peerIdx == myIndex {
			continue
		}
		ct, err := stream.ReadExact(shareCiphertextSize)
		if err != nil {
			return nil, fmt.Errorf("dkg: read share from %d: %w", peerIdx, err)
		}
		pt, err := sessions[peerIdx].ReadMsg(ct)
		if err != nil {
			return nil, fmt.Errorf("dkg: decrypt share from %d: %w", peerIdx, err)
		}
		payload, err := UnmarshalSharePayload(pt)
		if err != nil {
			return nil, err
		}
		received[peerIdx] = payload
	}

	signedByIdx := make(map[byte][]byte, n)
	for idx, raw := range signedCommitments {
		signedByIdx[idx] = raw
	}
	peerPubByIdx := make(map[byte]ed25519.PublicKey, n)
	for idx, pub := range peerPubs {
		peerPubByIdx[idx] = pub
	}

	complaints, _, err := VerifyCommitments(myIndex, peerPubByIdx, signedByIdx, received)
	if err != nil {
		return nil, err
	}

	if err := sendComplaints(stream, complaints); err != nil {
		return nil, err
	}
	peerComplaints, err := recvComplaints(stream, n)
	if err != nil {
		return nil, err
	}
	if len(complaints) > 0 || anyNonEmpty(peerComplaints) {
		return nil, fmt.Errorf("dkg: aborting on non-empty complaint vector")
	}

	share := Finish(myIndex, received)
	return &Result{Share: share}, nil
}

func anyNonEmpty(vs [][]byte) bool {
	for _, v := range vs {
		if len(v) > 0 {
			return true
		}
	}
	return false
}

func ed25519GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// exchangeDKGPubkeys sends our own per-run Ed25519 signing pubkey and reads
// n peer pubkeys, rejecting duplicates (spec.md §4.7 step 1).
func exchangeDKGPubkeys(stream PeerStream, myPub ed25519.PublicKey, n int) (map[byte]ed25519.PublicKey, error) {
	if err := stream.Send([]byte(myPub)); err != nil {
		return nil, fmt.Errorf("dkg: send signing pubkey: %w", err)
	}
	seen := make(map[[32]byte]bool, n)
	out := make(map[byte]ed25519.PublicKey, n)
	for i := 1; i <= n; i++ {
		raw, err := stream.ReadExact(ed25519.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("dkg: read peer signing pubkey: %w", err)
		}
		var key [32]byte
		copy(key[:], raw)
		if seen[key] {
			return nil, fmt.Errorf("dkg: duplicate peer signing key")
		}
		seen[key] = true
		out[byte(i)] = ed25519.PublicKey(append([]byte{}, raw...))
	}
	return out, nil
}

// setupNoiseMesh authenticates and completes one Noise-XK handshake per
// peer index, keyed by the lower-index-initiates convention, and returns
// the completed sessions keyed by peer index. Each peer's Noise static key
// is looked up by position in the allowlist: the mediating client is
// trusted to have arranged indices 1..n consistently with the allowlist
// order (spec.md §4.7, "Session setup").
func setupNoiseMesh(stream PeerStream, myIndex byte, n int, myStatic *ecdh.PrivateKey, allowed []AuthorizedPeer) (map[byte]*noisexk.Session, error) {
	sessions := make(map[byte]*noisexk.Session, n)
	for i := 1; i <= n; i++ {
		idx := byte(i)
		if idx == myIndex {
			continue
		}
		peerIdx := int(idx)
		if peerIdx > len(allowed) {
			return nil, fmt.Errorf("dkg: no allowlisted peer for index %d", idx)
		}
		peerStatic := allowed[peerIdx-1].NoiseStatic

		if idx > myIndex {
			// Lower index initiates.
			pending, msg1, err := noisexk.InitiatorSession(myStatic, peerStatic)
			if err != nil {
				return nil, err
			}
			if err := stream.Send(msg1); err != nil {
				return nil, err
			}
			msg2, err := stream.ReadExact(noisexk.HandshakeMsgSize)
			if err != nil {
				return nil, err
			}
			sess, err := noisexk.InitiatorSessionComplete(pending, msg2)
			if err != nil {
				return nil, fmt.Errorf("dkg: handshake with peer %d: %w", idx, err)
			}
			sessions[idx] = sess
		} else {
			msg1, err := stream.ReadExact(noisexk.HandshakeMsgSize)
			if err != nil {
				return nil, err
			}
			sess, msg2, err := noisexk.ResponderSession(myStatic, peerStatic, msg1)
			if err != nil {
				return nil, fmt.Errorf("dkg: handshake with peer %d: %w", idx, err)
			}
			if err := stream.Send(msg2); err != nil {
				return nil, err
			}
			sessions[idx] = sess
		}
	}
	return sessions, nil
}

// broadcastCollect sends mine, then reads n values the mediating client
// relays back — one per participant, including our own echoed value —
// matching exchangeDKGPubkeys's and broadcastCollectVar's "n total"
// convention.
func broadcastCollect(stream PeerStream, mine []byte, size, n int) (map[int][]byte, error) {
	if err := stream.Send(mine); err != nil {
		return nil, err
	}
	out := make(map[int][]byte, n)
	for i := 0; i < n; i++ {
		b, err := stream.ReadExact(size)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func broadcastCollectVar(stream PeerStream, mine []byte, n int) (map[byte][]byte, error) {
	if err := stream.Send(wire.PutUint16(uint16(len(mine))), mine); err != nil {
		return nil, err
	}
	out := make(map[byte][]byte, n)
	for i := 1; i <= n; i++ {
		lenBuf, err := stream.ReadExact(2)
		if err != nil {
			return nil, err
		}
		l := wire.Uint16(lenBuf)
		b, err := stream.ReadExact(int(l))
		if err != nil {
			return nil, err
		}
		out[byte(i)] = b
	}
	return out, nil
}

func sendComplaints(stream PeerStream, complaints []byte) error {
	return stream.Send(wire.PutUint16(uint16(len(complaints))), complaints)
}

func recvComplaints(stream PeerStream, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		lenBuf, err := stream.ReadExact(2)
		if err != nil {
			return nil, err
		}
		l := wire.Uint16(lenBuf)
		b, err := stream.ReadExact(int(l))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
