// Package account implements the per-account durable state machine
// (spec.md §4.5–4.6, C8): create / create_dkg / get / change / change_dkg /
// commit / undo / delete / read, all built on the record store's atomic
// save/load and shadow-copy rename primitives.
//
// Every error returned by an exported method here is, per spec.md §7,
// fatal for the connection: callers (internal/server) log it and send the
// fail marker. None of these errors are structured for the wire.
package account

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"

	"github.com/gofrs/flock"

	"github.com/asciimoo/pwdsphinx/internal/authblob"
	"github.com/asciimoo/pwdsphinx/internal/hostblob"
	"github.com/asciimoo/pwdsphinx/internal/log"
	"github.com/asciimoo/pwdsphinx/internal/oprf"
	"github.com/asciimoo/pwdsphinx/internal/proto"
	"github.com/asciimoo/pwdsphinx/internal/store"
)

// Conn is the subset of wire.Conn the state machine drives directly —
// narrowed to exact-length I/O so this package stays decoupled from TLS
// and deadline concerns.
type Conn interface {
	ReadExact(n int) ([]byte, error)
	Send(b ...[]byte) error
}

// Manager ties the record store, host-blob protocol, and per-account
// locking together into the seven operations spec.md §4.5–4.6 name.
type Manager struct {
	store    *store.Store
	hostblob *hostblob.Manager
	log      *log.Logger
}

func New(st *store.Store, hb *hostblob.Manager, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.With()
	}
	return &Manager{store: st, hostblob: hb, log: logger}
}

// lock acquires a per-account advisory file lock for the duration of any
// mutating op, the "faithful reimplementation should add per-account
// advisory locks" strengthening spec.md §9 requires to prevent interleaved
// change/commit/undo races. The lock file lives alongside the account
// directory rather than inside it, so it survives the directory's removal
// by DELETE.
func (m *Manager) lock(id string) (*flock.Flock, error) {
	path := m.store.Root() + "/." + id + ".lock"
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("account: lock %s: %w", id, err)
	}
	return fl, nil
}

func randKey32() ([32]byte, error) {
	var k [32]byte
	_, err := rand.Read(k[:])
	return k, err
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// loadLiveKey reads and splits the account's live 33-byte OPRF key, the
// "always 33 bytes, index 0 for centrally generated" representation
// internal/oprf.SplitKey documents (spec.md §9 open question).
func (m *Manager) loadLiveKey(id string) (index byte, scalar [32]byte, err error) {
	raw, err := m.store.Load(id, "key", 33)
	if err != nil {
		return 0, scalar, err
	}
	var key [33]byte
	copy(key[:], raw)
	idx, sc := oprf.SplitKey(key)
	return idx, sc, nil
}

// Create implements CREATE (spec.md §4.6): reject if the directory
// exists, sample a fresh centrally-generated key (index 0), evaluate,
// reply beta, then read and verify the enrolment triple.
func (m *Manager) Create(c Conn, id string, alpha [32]byte) error {
	if m.store.AccountExists(id) {
		return fmt.Errorf("account: create: %s already exists", id)
	}
	scalar, err := randKey32()
	if err != nil {
		return fmt.Errorf("account: create: generate key: %w", err)
	}
	beta, err := oprf.Evaluate(scalar, alpha)
	if err != nil {
		return fmt.Errorf("account: create: oprf eval: %w", err)
	}
	if err := c.Send(beta[:]); err != nil {
		return err
	}
	return m.finishEnrolment(c, id, oprf.JoinKey(0, scalar))
}

// CreateDKG implements CREATE_DKG (spec.md §4.6): identical to Create
// except the key comes from a completed DKG run (dkgShare), already bound
// to aux = op || alpha by the coordinator's transcript.
func (m *Manager) CreateDKG(c Conn, id string, alpha [32]byte, dkgShare [33]byte) error {
	if m.store.AccountExists(id) {
		return fmt.Errorf("account: create_dkg: %s already exists", id)
	}
	index, scalar := oprf.SplitKey(dkgShare)
	beta, err := oprf.Evaluate(scalar, alpha)
	if err != nil {
		return fmt.Errorf("account: create_dkg: oprf eval: %w", err)
	}
	if err := c.Send([]byte{index}, beta[:]); err != nil {
		return err
	}
	return m.finishEnrolment(c, id, dkgShare)
}

// finishEnrolment reads pub || rules || sig (32+RULE_SIZE+64), verifies it
// under the freshly-received pub, runs the host-blob enrolment, creates
// the account directory, and persists key/pub/rules (spec.md §4.6).
func (m *Manager) finishEnrolment(c Conn, id string, key [33]byte) error {
	blob, err := c.ReadExact(proto.PubSize + proto.RuleSize + proto.SigSize)
	if err != nil {
		return err
	}
	pub := blob[:proto.PubSize]
	msg, err := authblob.Verify(blob, pub)
	if err != nil {
		return fmt.Errorf("account: create: %w", err)
	}
	rules := msg[proto.PubSize:]

	if err := m.hostblob.Update(c, ed25519.PublicKey(pub)); err != nil {
		return fmt.Errorf("account: create: host-blob update: %w", err)
	}

	if err := m.store.CreateAccountDir(id); err != nil {
		return err
	}
	if err := m.store.Save(id, "key", key[:]); err != nil {
		return err
	}
	if err := m.store.Save(id, "pub", pub); err != nil {
		return err
	}
	if err := m.store.Save(id, "rules", rules); err != nil {
		return err
	}
	return c.Send(proto.OK)
}

// Get implements GET (spec.md §4.5): no authentication, no PoW-adjacent
// state change beyond what the caller already charged via CHALLENGE_VERIFY
// — load key and rules, evaluate, reply index || beta || rules. An absent
// account is fatal.
func (m *Manager) Get(c Conn, id string, alpha [32]byte) error {
	index, scalar, err := m.loadLiveKey(id)
	if err != nil {
		return fmt.Errorf("account: get: %w", err)
	}
	rules, err := m.store.Load(id, "rules", proto.RuleSize)
	if err != nil {
		return fmt.Errorf("account: get: %w", err)
	}
	beta, err := oprf.Evaluate(scalar, alpha)
	if err != nil {
		return fmt.Errorf("account: get: oprf eval: %w", err)
	}
	return c.Send([]byte{index}, beta[:], rules)
}

// authenticate runs the per-op handshake of spec.md §4.5.1: challenge the
// client with an OPRF evaluation of the request's alpha plus a nonce, then
// require a detached signature of the nonce under the account's live pub.
// A zero alpha (READ's placeholder) skips the evaluation, so only the
// nonce is sent.
func (m *Manager) authenticate(c Conn, id string, alpha [32]byte) error {
	pub, err := m.store.Load(id, "pub", proto.PubSize)
	if err != nil {
		return fmt.Errorf("account: auth: load pub: %w", err)
	}
	nonce, err := randBytes(proto.NonceSize)
	if err != nil {
		return err
	}

	var beta []byte
	index, scalar, err := m.loadLiveKey(id)
	if err == nil && alpha == ([32]byte{}) {
		// READ carries no alpha: nothing to evaluate.
	} else if err == nil {
		b, err := oprf.Evaluate(scalar, alpha)
		if err != nil {
			return fmt.Errorf("account: auth: oprf eval: %w", err)
		}
		beta = append([]byte{index}, b[:]...)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := c.Send(beta, nonce); err != nil {
		return err
	}
	sig, err := c.ReadExact(proto.SigSize)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), nonce, sig) {
		return fmt.Errorf("account: auth: bad signature for %s", id)
	}
	return c.Send(proto.Auth)
}

// Change implements CHANGE (spec.md §4.5): authenticate, then stage a new
// centrally-generated key and the client-supplied pub/rules as shadow
// files, without touching the live triple.
func (m *Manager) Change(c Conn, id string, alpha [32]byte) error {
	if !m.store.AccountExists(id) {
		return fmt.Errorf("account: change: %s does not exist", id)
	}
	fl, err := m.lock(id)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := m.authenticate(c, id, alpha); err != nil {
		return err
	}

	alphaPrime, err := c.ReadExact(proto.AlphaSize)
	if err != nil {
		return err
	}
	var alphaP [32]byte
	copy(alphaP[:], alphaPrime)

	scalar, err := randKey32()
	if err != nil {
		return err
	}
	beta, err := oprf.Evaluate(scalar, alphaP)
	if err != nil {
		return fmt.Errorf("account: change: oprf eval: %w", err)
	}
	if err := c.Send(beta[:]); err != nil {
		return err
	}
	return m.stageShadow(c, id, oprf.JoinKey(0, scalar))
}

// ChangeDKG implements CHANGE_DKG (spec.md §4.5): identical to Change
// except the new key is a DKG-produced share.
func (m *Manager) ChangeDKG(c Conn, id string, alpha [32]byte, dkgShare [33]byte) error {
	if !m.store.AccountExists(id) {
		return fmt.Errorf("account: change_dkg: %s does not exist", id)
	}
	fl, err := m.lock(id)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := m.authenticate(c, id, alpha); err != nil {
		return err
	}

	alphaPrime, err := c.ReadExact(proto.AlphaSize)
	if err != nil {
		return err
	}
	var alphaP [32]byte
	copy(alphaP[:], alphaPrime)

	index, scalar := oprf.SplitKey(dkgShare)
	beta, err := oprf.Evaluate(scalar, alphaP)
	if err != nil {
		return fmt.Errorf("account: change_dkg: oprf eval: %w", err)
	}
	if err := c.Send([]byte{index}, beta[:]); err != nil {
		return err
	}
	return m.stageShadow(c, id, dkgShare)
}

// stageShadow reads pub' || rules' || sig, verifies it, and writes the
// shadow triple (new, rules.new, pub.new). Reply ok on success.
func (m *Manager) stageShadow(c Conn, id string, key [33]byte) error {
	blob, err := c.ReadExact(proto.PubSize + proto.RuleSize + proto.SigSize)
	if err != nil {
		return err
	}
	pub := blob[:proto.PubSize]
	msg, err := authblob.Verify(blob, pub)
	if err != nil {
		return fmt.Errorf("account: stage: %w", err)
	}
	rules := msg[proto.PubSize:]

	if err := m.store.Save(id, "new", key[:]); err != nil {
		return err
	}
	if err := m.store.Save(id, "pub.new", pub); err != nil {
		return err
	}
	if err := m.store.Save(id, "rules.new", rules); err != nil {
		return err
	}
	return c.Send(proto.OK)
}

// Commit implements COMMIT (spec.md §4.5): require the shadow and live
// triples both present, then promote live -> .old, shadow -> live (the
// rename removes the shadow name). Each rename is atomic and followed by a
// directory fsync, but the six renames together are not one atomic step:
// live is rotated to .old before shadow is promoted, and a crash between
// two renames leaves a mix of live, .old and shadow names that a re-issued
// COMMIT does not repair (it fails on the missing live file).
func (m *Manager) Commit(c Conn, id string, alpha [32]byte) error {
	if !m.store.AccountExists(id) {
		return fmt.Errorf("account: commit: %s does not exist", id)
	}
	fl, err := m.lock(id)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := m.authenticate(c, id, alpha); err != nil {
		return err
	}
	if err := m.rotate(id, "new", "key", "rules.new", "rules", "pub.new", "pub"); err != nil {
		return fmt.Errorf("account: commit: %w", err)
	}
	return c.Send(proto.OK)
}

// Undo implements UNDO (spec.md §4.5): like Commit with the .old triple in
// the role of the shadow, except that the live triple it replaces is
// discarded rather than archived (see rotate).
func (m *Manager) Undo(c Conn, id string, alpha [32]byte) error {
	if !m.store.AccountExists(id) {
		return fmt.Errorf("account: undo: %s does not exist", id)
	}
	fl, err := m.lock(id)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := m.authenticate(c, id, alpha); err != nil {
		return err
	}
	if err := m.rotate(id, "old", "key", "rules.old", "rules", "pub.old", "pub"); err != nil {
		return fmt.Errorf("account: undo: %w", err)
	}
	return c.Send(proto.OK)
}

// rotate promotes three shadow files into the live triple, first requiring
// each shadow name to be present, then fsync+rename-ing each live name out
// to its counterpart archive slot (spec.md §3: ".old" for commit, implicit
// "<dropped>" for undo — undo doesn't archive what it is replacing, it
// simply discards it since a second-generation undo is not supported, per
// §9 "within a single generation") before moving the shadow into place.
//
// Triples are given as (shadowName, liveName) pairs; the archive names for
// commit are "old", "rules.old" and "pub.old" (the names Undo promotes
// from); for undo there is no archive (the current live triple, which is
// about to be replaced by .old's contents, is simply discarded by removal).
func (m *Manager) rotate(id string, shadowKey, liveKey, shadowRules, liveRules, shadowPub, livePub string) error {
	isUndo := shadowKey == "old"
	for _, name := range []string{shadowKey, shadowRules, shadowPub} {
		if _, err := m.store.Load(id, name, 0); err != nil {
			return fmt.Errorf("missing shadow %s: %w", name, err)
		}
	}
	for _, name := range []string{liveKey, liveRules, livePub} {
		if _, err := m.store.Load(id, name, 0); err != nil {
			return fmt.Errorf("missing live %s: %w", name, err)
		}
	}

	if !isUndo {
		if err := m.store.Rename(id, liveKey, "old"); err != nil {
			return err
		}
		if err := m.store.Rename(id, liveRules, liveRules+".old"); err != nil {
			return err
		}
		if err := m.store.Rename(id, livePub, livePub+".old"); err != nil {
			return err
		}
	} else {
		if err := m.store.Remove(id, liveKey); err != nil {
			return err
		}
		if err := m.store.Remove(id, liveRules); err != nil {
			return err
		}
		if err := m.store.Remove(id, livePub); err != nil {
			return err
		}
	}

	if err := m.store.Rename(id, shadowKey, liveKey); err != nil {
		return err
	}
	if err := m.store.Rename(id, shadowRules, liveRules); err != nil {
		return err
	}
	if err := m.store.Rename(id, shadowPub, livePub); err != nil {
		return err
	}
	return nil
}

// Delete implements DELETE (spec.md §4.5): authenticate, run the host-blob
// update wire exchange (the client supplies its own signed id and a final
// blob, the same negotiation CREATE runs), then remove the account
// directory recursively. The host-blob record lives under the directory of
// the id the client signed in that exchange, so it is updated here, not
// removed, unless that id is the account's own.
func (m *Manager) Delete(c Conn, id string, alpha [32]byte) error {
	if !m.store.AccountExists(id) {
		return fmt.Errorf("account: delete: %s does not exist", id)
	}
	fl, err := m.lock(id)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := m.authenticate(c, id, alpha); err != nil {
		return err
	}
	if err := m.hostblob.Update(c, nil); err != nil {
		return fmt.Errorf("account: delete: host-blob update: %w", err)
	}
	if err := m.store.RemoveAccount(id); err != nil {
		return err
	}
	return c.Send(proto.OK)
}

// Read implements READ (spec.md §4.5): authenticate, then reply with the
// account's host-record blob, or an empty payload if none has been set.
func (m *Manager) Read(c Conn, id string) error {
	if !m.store.AccountExists(id) {
		return fmt.Errorf("account: read: %s does not exist", id)
	}
	fl, err := m.lock(id)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	var zeroAlpha [32]byte
	if err := m.authenticate(c, id, zeroAlpha); err != nil {
		return err
	}
	blob, err := m.store.Load(id, "blob", 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c.Send(nil)
		}
		return fmt.Errorf("account: read: %w", err)
	}
	return c.Send(blob)
}
