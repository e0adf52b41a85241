package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()

	cfgPath := filepath.Join(t.TempDir(), ConfigFile)
	assert.NoError(t, WriteConfig(cfgPath, cfg))

	res, err := ReadConfig(cfgPath)
	assert.NoError(t, err)
	assert.Equal(t, cfg, res)
}

func TestLoadOrInit(t *testing.T) {
	repo := filepath.Join(t.TempDir(), "repo")
	path, err := ExpandRepo(repo)
	require.NoError(t, err)
	require.Equal(t, repo, path)

	cfg, err := LoadOrInit(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	_, err = os.Stat(filepath.Join(path, ConfigFile))
	require.NoError(t, err)

	cfg.WalletConnect.SupportedChains = []uint64{1}
	cfg.Store.Type = "redis"
	require.NoError(t, WriteConfig(filepath.Join(path, ConfigFile), cfg))
	loaded, err := LoadOrInit(path)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, loaded.WalletConnect.SupportedChains)
	require.Equal(t, "redis", loaded.Store.Type)

	require.Equal(t, filepath.Join(path, SessionFile), RepoPath(path, SessionFile))
	require.Equal(t, "/abs/keys", RepoPath(path, "/abs/keys"))
}
