package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[server]
address = "0.0.0.0"
port = 2355
timeout = 3
max_kids = 5
datadir = "%s"
noisekey = "%s/noise.key"
authorized_keys = "%s/authorized_keys"
ssl_key = "%s/server.key"
ssl_cert = "%s/server.crt"
rl_decay = 1800
rl_threshold = 1
rl_gracetime = 10
verbose = true
`

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "sphinxd.toml")
	content := sampleTOML
	for i := 0; i < 5; i++ {
		content = replaceFirst(content, "%s", dir)
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func replaceFirst(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2355, cfg.Server.Port)
	assert.True(t, cfg.Server.Verbose)
}

func TestLoadRejectsMissingRequired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 2355\n"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDumpListsEveryKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)
	cfg, err := Load(path)
	require.NoError(t, err)

	lines := cfg.Dump()
	assert.NotEmpty(t, lines)
	found := false
	for _, l := range lines {
		if l == "rl_decay:     1800" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), expandHome("~/x"))
	assert.Equal(t, "/abs/path", expandHome("/abs/path"))
}
