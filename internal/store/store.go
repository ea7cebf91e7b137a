// Package store implements the durable record layer (spec.md §4.2, C1): a
// per-account directory under the daemon's datadir, with atomic, strictly
// permissioned blob save/load. It does not interpret the bytes it is given.
//
// The atomic-write-then-place idiom (write to a sibling temp file, fsync,
// then atomically place it at the final name) mirrors how go-ethereum's own
// accounts/keystore persists key files using github.com/cespare/cp.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/cp"
)

const (
	dirMode  os.FileMode = 0700
	fileMode os.FileMode = 0600
)

// Store is a handle on one datadir.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating dir (mode 0700) if it does
// not yet exist — "Data directory is created on demand with 0700" (spec.md
// §3, invariant 4).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("store: create datadir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Root returns the datadir path.
func (s *Store) Root() string { return s.dir }

func (s *Store) accountDir(id string) string {
	return filepath.Join(s.dir, id)
}

// AccountExists reports whether id's directory is present, which per
// invariant 1 of spec.md §3 is equivalent to the account existing.
func (s *Store) AccountExists(id string) bool {
	_, err := os.Stat(s.accountDir(id))
	return err == nil
}

// CreateAccountDir makes a fresh, empty account directory. It fails if the
// directory already exists, matching CREATE/CREATE_DKG's "reject if account
// dir exists" rule.
func (s *Store) CreateAccountDir(id string) error {
	if err := os.Mkdir(s.accountDir(id), dirMode); err != nil {
		return fmt.Errorf("store: create account dir: %w", err)
	}
	return nil
}

// EnsureDir idempotently creates id's directory, for callers (the rate
// limiter) that persist per-id state — the difficulty file — independent
// of full account existence: spec.md §8's boundary case ("any op on
// nonexistent id: fatal, no state change observable on disk beyond the
// difficulty update rules") implies the difficulty file is tracked even
// for an id with no account.
func (s *Store) EnsureDir(id string) error {
	if err := os.MkdirAll(s.accountDir(id), dirMode); err != nil {
		return fmt.Errorf("store: ensure dir: %w", err)
	}
	return nil
}

// RemoveAccount deletes an account directory and everything in it (DELETE,
// spec.md §4.5).
func (s *Store) RemoveAccount(id string) error {
	if err := os.RemoveAll(s.accountDir(id)); err != nil {
		return fmt.Errorf("store: remove account dir: %w", err)
	}
	return nil
}

// Save atomically writes data to <datadir>/<id>/<name> with mode 0600.
// id == "" saves directly under the datadir (used for the process-wide MAC
// key).
func (s *Store) Save(id, name string, data []byte) error {
	dir := s.dir
	if id != "" {
		dir = s.accountDir(id)
	}
	path := filepath.Join(dir, name)
	return atomicWrite(dir, path, data)
}

func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("store: chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := cp.CopyFile(path, tmpName); err != nil {
		return fmt.Errorf("store: place %s: %w", path, err)
	}
	return syncDir(dir)
}

// syncDir fsyncs the directory entry so a rename/place is durable across a
// crash, the "fsync parent directory" boundary spec.md §4.5 (COMMIT) and §9
// (Atomic rotation) call out explicitly.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// Load reads <datadir>/<id>/<name>. expectedSize of 0 skips the size check.
// A missing file is reported via os.IsNotExist on the returned error, not a
// sentinel — callers that treat "absent" as a valid outcome (e.g. difficulty
// lookup) check errors.Is(err, fs.ErrNotExist) themselves.
func (s *Store) Load(id, name string, expectedSize int) ([]byte, error) {
	dir := s.dir
	if id != "" {
		dir = s.accountDir(id)
	}
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if expectedSize != 0 && len(data) != expectedSize {
		return nil, fmt.Errorf("store: corrupted blob %s: want %d bytes, got %d", path, expectedSize, len(data))
	}
	return data, nil
}

// Remove deletes a single file in an account directory, used by UNDO to
// discard the live triple before the .old triple is promoted.
func (s *Store) Remove(id, name string) error {
	path := filepath.Join(s.accountDir(id), name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove %s: %w", path, err)
	}
	return nil
}

// Rename moves a file within an account's directory; since both names live
// on the same filesystem this is a single atomic syscall, the mechanism
// COMMIT/UNDO rely on to promote shadow files into the live triple without
// an observable intermediate state.
func (s *Store) Rename(id, oldName, newName string) error {
	dir := s.accountDir(id)
	if err := os.Rename(filepath.Join(dir, oldName), filepath.Join(dir, newName)); err != nil {
		return fmt.Errorf("store: rename %s->%s: %w", oldName, newName, err)
	}
	return syncDir(dir)
}

const macKeyName = "key"

// LoadOrCreateMACKey returns the process-wide MAC key, creating it on first
// use. Creation uses O_CREATE|O_EXCL and falls back to re-reading on
// EEXIST, the "exclusive-create, retry-read" strengthening spec.md §9
// ("MAC key creation has a TOCTOU") calls for.
func (s *Store) LoadOrCreateMACKey(randBytes func(int) ([]byte, error)) ([]byte, error) {
	path := filepath.Join(s.dir, macKeyName)
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != 32 {
			return nil, fmt.Errorf("store: corrupted MAC key: want 32 bytes, got %d", len(data))
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: read MAC key: %w", err)
	}

	key, err := randBytes(32)
	if err != nil {
		return nil, fmt.Errorf("store: generate MAC key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		if os.IsExist(err) {
			// Lost the creation race; whoever won has already written it.
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil, fmt.Errorf("store: read MAC key after race: %w", rerr)
			}
			if len(data) != 32 {
				return nil, fmt.Errorf("store: corrupted MAC key: want 32 bytes, got %d", len(data))
			}
			return data, nil
		}
		return nil, fmt.Errorf("store: create MAC key: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(key); err != nil {
		return nil, fmt.Errorf("store: write MAC key: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("store: fsync MAC key: %w", err)
	}
	return key, nil
}
