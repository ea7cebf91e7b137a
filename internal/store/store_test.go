package store

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.CreateAccountDir("abc"))
	require.NoError(t, st.Save("abc", "rules", []byte("hello")))

	got, err := st.Load("abc", "rules", 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestLoadWrongSizeFails(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.CreateAccountDir("abc"))
	require.NoError(t, st.Save("abc", "key", []byte("short")))

	_, err = st.Load("abc", "key", 33)
	assert.Error(t, err)
}

func TestLoadMissingIsNotExist(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = st.Load("nope", "key", 0)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestCreateAccountDirRejectsDuplicate(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.CreateAccountDir("abc"))
	assert.Error(t, st.CreateAccountDir("abc"))
}

func TestRenameAndRemove(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.CreateAccountDir("abc"))
	require.NoError(t, st.Save("abc", "new", []byte("staged")))
	require.NoError(t, st.Rename("abc", "new", "key"))

	got, err := st.Load("abc", "key", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("staged"), got)

	require.NoError(t, st.Remove("abc", "key"))
	_, err = st.Load("abc", "key", 0)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestRemoveAccountDeletesDirectory(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, st.CreateAccountDir("abc"))
	require.NoError(t, st.RemoveAccount("abc"))
	assert.False(t, st.AccountExists("abc"))

	_, statErr := filepath.Glob(filepath.Join(dir, "abc"))
	assert.NoError(t, statErr)
}

func TestLoadOrCreateMACKeyIsStableAcrossCalls(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)

	gen := func(n int) ([]byte, error) {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i)
		}
		return b, nil
	}

	k1, err := st.LoadOrCreateMACKey(gen)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := st.LoadOrCreateMACKey(gen)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
