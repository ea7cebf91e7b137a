// Package hostblob implements the host-record blob protocol (spec.md §4.8,
// C9): a signed append/update channel for a user-enrolment blob, kept as a
// pub/blob file pair in the directory of the id the client signs, in the
// same store root as (but distinct from) the account directories. DELETE
// runs the same negotiation one last time before the account directory is
// removed; the pair itself is not removed by DELETE.
package hostblob

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"

	"github.com/asciimoo/pwdsphinx/internal/authblob"
	"github.com/asciimoo/pwdsphinx/internal/proto"
	"github.com/asciimoo/pwdsphinx/internal/store"
)

// Conn is the exact-length I/O surface update_blob needs.
type Conn interface {
	ReadExact(n int) ([]byte, error)
	Send(b ...[]byte) error
}

// Manager implements update_blob against its own store root — in
// production this is the same datadir as the account store. The id a
// given call operates on is never passed in by the caller: it is always
// the 32-byte id the client signs and sends as the first thing on the
// wire (spec.md §4.8), hex-encoded the same way every other directory
// name in the tree is (internal/server's idHex).
type Manager struct {
	store *store.Store
}

func New(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Update implements update_blob's full negotiation (spec.md §4.8): read
// the signed id, no-op on an all-zero id, otherwise either enrol (first
// time) or update (pub already on file) the blob at that id. enrolPub is
// the pub the just-completed CREATE/CREATE_DKG already verified, used as
// the enrolment path's public key — enrolment never derives its own pub
// from the wire a second time.
func (m *Manager) Update(c Conn, enrolPub ed25519.PublicKey) error {
	signedID, err := c.ReadExact(proto.IDSize + proto.SigSize)
	if err != nil {
		return err
	}
	rawID := signedID[:proto.IDSize]
	if allZero(rawID) {
		return nil
	}
	id := hex.EncodeToString(rawID)

	existingPub, err := m.store.Load(id, "pub", proto.PubSize)
	pubExists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("hostblob: load pub: %w", err)
	}
	dirExists := m.store.AccountExists(id)

	switch {
	case !pubExists && !dirExists:
		return m.enrol(c, id, enrolPub)
	case pubExists:
		return m.update(c, id, existingPub, signedID)
	default:
		return fmt.Errorf("hostblob: inconsistent state for %s: dir without pub", id)
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// enrol accepts a length-prefixed blob plus signature from the client and
// persists pub and blob for the first time. The signed span, and what
// gets persisted, is prefix[2] || content — the 2-byte length prefix is
// part of the message, not wire framing to be stripped before verifying
// (spec.md §4.8, oracle.py's update_blob persisting pk+prefix+content).
func (m *Manager) enrol(c Conn, id string, pub ed25519.PublicKey) error {
	lenBuf, err := c.ReadExact(2)
	if err != nil {
		return err
	}
	blobLen := int(lenBuf[0])<<8 | int(lenBuf[1])
	rest, err := c.ReadExact(blobLen + proto.SigSize)
	if err != nil {
		return err
	}
	blob := append(append([]byte{}, lenBuf...), rest...)
	msg, err := authblob.Verify(blob, []byte(pub))
	if err != nil {
		return fmt.Errorf("hostblob: enrol: %w", err)
	}
	if err := m.store.CreateAccountDir(id); err != nil {
		return err
	}
	if err := m.store.Save(id, "pub", []byte(pub)); err != nil {
		return err
	}
	return m.store.Save(id, "blob", msg)
}

// update verifies signedID under the already-persisted pub, sends the
// current blob, then accepts and persists prefix[2] || content, signed as
// a single span together with sig (spec.md §4.8).
func (m *Manager) update(c Conn, id string, existingPub []byte, signedID []byte) error {
	if _, err := authblob.Verify(signedID, existingPub); err != nil {
		return fmt.Errorf("hostblob: update: bad signed id: %w", err)
	}
	current, err := m.store.Load(id, "blob", 0)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("hostblob: update: load blob: %w", err)
		}
		current = nil
	}
	if err := c.Send(current); err != nil {
		return err
	}

	lenBuf, err := c.ReadExact(2)
	if err != nil {
		return err
	}
	blobLen := int(lenBuf[0])<<8 | int(lenBuf[1])
	rest, err := c.ReadExact(blobLen + proto.SigSize)
	if err != nil {
		return err
	}
	blob := append(append([]byte{}, lenBuf...), rest...)
	msg, err := authblob.Verify(blob, existingPub)
	if err != nil {
		return fmt.Errorf("hostblob: update: %w", err)
	}
	return m.store.Save(id, "blob", msg)
}
