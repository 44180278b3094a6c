package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
aliases:
  step: ["si"]
debug-plugin: ptrace
backend-plugin: none
use-pty: true
listing-limit: 16
`
	require.NoError(t, ioutil.WriteFile(path, []byte(data), 0600))

	c, err := LoadConfigFrom(path)
	require.NoError(t, err)
	require.Equal(t, []string{"si"}, c.Aliases["step"])
	require.Equal(t, "ptrace", c.GetDebugPlugin())
	require.Equal(t, "", c.GetBackendPlugin())
	require.True(t, c.UsePty)
	require.Equal(t, 16, c.GetListingLimit())
	require.Equal(t, DefaultInstructionCacheSize, c.GetInstructionCacheSize())
}

func TestDefaultConfigParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	f, err := createDefaultConfig(path)
	require.NoError(t, err)
	f.Close()

	c, err := LoadConfigFrom(path)
	require.NoError(t, err)
	require.Equal(t, DefaultDebugPlugin, c.GetDebugPlugin())
	require.Equal(t, DefaultBackendPlugin, c.GetBackendPlugin())
	require.Equal(t, DefaultPluginPackage, c.GetPluginPackage())
	require.Equal(t, DefaultListingLimit, c.GetListingLimit())
}

func TestLoadConfigFromMissing(t *testing.T) {
	_, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}
