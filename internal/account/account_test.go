package account

import (
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asciimoo/pwdsphinx/internal/authblob"
	"github.com/asciimoo/pwdsphinx/internal/hostblob"
	"github.com/asciimoo/pwdsphinx/internal/oprf"
	"github.com/asciimoo/pwdsphinx/internal/proto"
	"github.com/asciimoo/pwdsphinx/internal/store"
	"github.com/asciimoo/pwdsphinx/internal/wire"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	hb := hostblob.New(st)
	return New(st, hb, nil)
}

func pipe(t *testing.T) (*wire.Conn, *wire.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return wire.New(a, time.Second), wire.New(b, time.Second)
}

func rules(b byte) []byte {
	r := make([]byte, proto.RuleSize)
	r[0] = b
	return r
}

// createAccount drives CREATE to completion over a pipe, returning the
// enrolment keypair and the id used, so later tests can authenticate
// against a real account.
func createAccount(t *testing.T, m *Manager, id string) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	server, client := pipe(t)
	done := make(chan error, 1)
	go func() { done <- m.Create(server, id, [32]byte{9}) }()

	_, err = client.ReadExact(proto.BetaSize)
	require.NoError(t, err)

	msg := append(append([]byte{}, pub...), rules(9)...)
	blob := authblob.Sign(priv, msg)
	require.NoError(t, client.Send(blob))

	// host-blob enrolment: all-zero id is a no-op.
	require.NoError(t, client.Send(make([]byte, proto.IDSize+proto.SigSize)))

	ok, err := client.ReadExact(len(proto.OK))
	require.NoError(t, err)
	assert.Equal(t, proto.OK, ok)
	require.NoError(t, <-done)

	return pub, priv
}

func TestCreateRejectsExisting(t *testing.T) {
	m := newTestManager(t)
	createAccount(t, m, "alice")

	server, _ := pipe(t)
	err := m.Create(server, "alice", [32]byte{1})
	assert.Error(t, err)
}

func TestGetReturnsIndexBetaRules(t *testing.T) {
	m := newTestManager(t)
	createAccount(t, m, "bob")

	server, client := pipe(t)
	done := make(chan error, 1)
	go func() { done <- m.Get(server, "bob", [32]byte{2}) }()

	resp, err := client.ReadExact(1 + proto.BetaSize + proto.RuleSize)
	require.NoError(t, err)
	assert.Equal(t, byte(0), resp[0])
	require.NoError(t, <-done)
}

func TestGetFailsForUnknownAccount(t *testing.T) {
	m := newTestManager(t)
	server, _ := pipe(t)
	err := m.Get(server, "ghost", [32]byte{1})
	assert.Error(t, err)
}

// authenticateAsClient plays the client half of the §4.5.1 handshake over
// client, signing the nonce under priv.
func authenticateAsClient(t *testing.T, client *wire.Conn, priv ed25519.PrivateKey, withIndex bool) {
	t.Helper()
	n := proto.NonceSize
	if withIndex {
		n += 1 + proto.BetaSize
	}
	resp, err := client.ReadExact(n)
	require.NoError(t, err)
	nonce := resp[len(resp)-proto.NonceSize:]
	sig := ed25519.Sign(priv, nonce)
	require.NoError(t, client.Send(sig))

	auth, err := client.ReadExact(len(proto.Auth))
	require.NoError(t, err)
	assert.Equal(t, proto.Auth, auth)
}

func TestChangeThenCommitRotatesKey(t *testing.T) {
	m := newTestManager(t)
	_, priv := createAccount(t, m, "carol")

	server, client := pipe(t)
	done := make(chan error, 1)
	go func() { done <- m.Change(server, "carol", [32]byte{3}) }()

	authenticateAsClient(t, client, priv, true)
	alphaPrime := [32]byte{5}
	require.NoError(t, client.Send(alphaPrime[:]))

	_, err := client.ReadExact(proto.BetaSize)
	require.NoError(t, err)

	msg := append(append([]byte{}, []byte(mustPub(t, priv))...), rules(11)...)
	blob := authblob.Sign(priv, msg)
	require.NoError(t, client.Send(blob))

	ok, err := client.ReadExact(len(proto.OK))
	require.NoError(t, err)
	assert.Equal(t, proto.OK, ok)
	require.NoError(t, <-done)

	server2, client2 := pipe(t)
	done2 := make(chan error, 1)
	go func() { done2 <- m.Commit(server2, "carol", [32]byte{3}) }()
	authenticateAsClient(t, client2, priv, true)
	ok2, err := client2.ReadExact(len(proto.OK))
	require.NoError(t, err)
	assert.Equal(t, proto.OK, ok2)
	require.NoError(t, <-done2)
}

func mustPub(t *testing.T, priv ed25519.PrivateKey) ed25519.PublicKey {
	t.Helper()
	return priv.Public().(ed25519.PublicKey)
}

func TestDeleteRemovesAccount(t *testing.T) {
	m := newTestManager(t)
	_, priv := createAccount(t, m, "dave")

	server, client := pipe(t)
	done := make(chan error, 1)
	go func() { done <- m.Delete(server, "dave", [32]byte{4}) }()

	authenticateAsClient(t, client, priv, true)
	// DELETE runs the host-blob update wire exchange before removing the
	// account; an all-zero signed id no-ops it, same as createAccount's
	// own CREATE-time enrolment above.
	require.NoError(t, client.Send(make([]byte, proto.IDSize+proto.SigSize)))
	ok, err := client.ReadExact(len(proto.OK))
	require.NoError(t, err)
	assert.Equal(t, proto.OK, ok)
	require.NoError(t, <-done)

	assert.False(t, m.store.AccountExists("dave"))
}

func TestReadRepliesEmptyWhenNoBlob(t *testing.T) {
	m := newTestManager(t)
	_, priv := createAccount(t, m, "erin")

	server, client := pipe(t)
	done := make(chan error, 1)
	go func() { done <- m.Read(server, "erin") }()

	// READ carries no alpha, so the handshake sends the nonce only.
	authenticateAsClient(t, client, priv, false)
	// no blob was ever enrolled, so the reply is a zero-length payload.
	n, err := client.Read(make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, <-done)
}

func TestChangeRejectsUnknownAccount(t *testing.T) {
	m := newTestManager(t)
	server, _ := pipe(t)
	err := m.Change(server, "nobody", [32]byte{1})
	assert.Error(t, err)
}

func TestOPRFEvaluateIsDeterministic(t *testing.T) {
	scalar := [32]byte{5}
	alpha := [32]byte{6}
	b1, err := oprf.Evaluate(scalar, alpha)
	require.NoError(t, err)
	b2, err := oprf.Evaluate(scalar, alpha)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}
