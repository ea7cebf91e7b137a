package noisexk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeEstablishesMatchingTransportKeys(t *testing.T) {
	iStatic, err := GenerateStatic()
	require.NoError(t, err)
	rStatic, err := GenerateStatic()
	require.NoError(t, err)

	pending, msg1, err := InitiatorSession(iStatic, rStatic.PublicKey())
	require.NoError(t, err)
	assert.Len(t, msg1, HandshakeMsgSize)

	rSess, msg2, err := ResponderSession(rStatic, iStatic.PublicKey(), msg1)
	require.NoError(t, err)
	assert.Len(t, msg2, HandshakeMsgSize)

	iSess, err := InitiatorSessionComplete(pending, msg2)
	require.NoError(t, err)

	pt := []byte("the message")
	ct, err := iSess.SendMsg(pt)
	require.NoError(t, err)
	got, err := rSess.ReadMsg(ct)
	require.NoError(t, err)
	assert.Equal(t, pt, got)

	ct2, err := rSess.SendMsg([]byte("reply"))
	require.NoError(t, err)
	got2, err := iSess.ReadMsg(ct2)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), got2)
}

func TestResponderRejectsBadMsg1(t *testing.T) {
	rStatic, err := GenerateStatic()
	require.NoError(t, err)
	iStatic, err := GenerateStatic()
	require.NoError(t, err)

	bogus := make([]byte, HandshakeMsgSize)
	_, _, err = ResponderSession(rStatic, iStatic.PublicKey(), bogus)
	assert.Error(t, err)
}

func TestInitiatorRejectsBadMsg2(t *testing.T) {
	iStatic, err := GenerateStatic()
	require.NoError(t, err)
	rStatic, err := GenerateStatic()
	require.NoError(t, err)

	pending, _, err := InitiatorSession(iStatic, rStatic.PublicKey())
	require.NoError(t, err)

	bogus := make([]byte, HandshakeMsgSize)
	_, err = InitiatorSessionComplete(pending, bogus)
	assert.Error(t, err)
}
