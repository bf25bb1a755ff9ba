package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func readMap(t *testing.T, path string) map[string]any {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, yamlv3.Unmarshal(content, &out))
	return out
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, AtomicWrite(path, map[string]any{"driver": "sqlite", "pool_size": 4}))

	got := readMap(t, path)
	assert.Equal(t, "sqlite", got["driver"])
	assert.Equal(t, 4, got["pool_size"])
}

func TestAtomicWrite_KeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "1"}))
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "2"}))

	assert.Equal(t, "1", readMap(t, path+".bak")["version"])
	assert.Equal(t, "2", readMap(t, path)["version"])
}

func TestAtomicWriteWithHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, AtomicWriteWithHeader(path, "zonekeeper config\nedit and restart", map[string]int{"a": 1}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "# zonekeeper config\n# edit and restart\n"))
	assert.Equal(t, 1, readMap(t, path)["a"])
}

func TestAtomicWriteRaw_RejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, AtomicWriteRaw(path, []byte("ok: true\n")))

	err := AtomicWriteRaw(path, []byte("key: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yaml validation failed")
	assert.Equal(t, true, readMap(t, path)["ok"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".zonekeeper-tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestAtomicWrite_MissingDir(t *testing.T) {
	err := AtomicWrite(filepath.Join(t.TempDir(), "nope", "config.yaml"), map[string]int{"a": 1})
	assert.Error(t, err)
}
