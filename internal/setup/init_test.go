package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/zonekeeper/internal/model"
)

func TestRun_CreatesLayout(t *testing.T) {
	project := t.TempDir()

	base, err := Run(project, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(project, DirName), base)

	for _, d := range []string{"logs", "locks"} {
		info, err := os.Stat(filepath.Join(base, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir())
	}

	cfg, err := model.LoadConfig(ConfigPath(base))
	require.NoError(t, err)
	want := model.DefaultConfig()
	assert.Equal(t, want.Store, cfg.Store)
	assert.Equal(t, want.Leasing, cfg.Leasing)
	assert.Equal(t, want.Recommend, cfg.Recommend)
	assert.Equal(t, want.HTTP, cfg.HTTP)
	assert.Equal(t, want.Events.AuditLog, cfg.Events.AuditLog)
}

func TestRun_DriverOverride(t *testing.T) {
	base, err := Run(t.TempDir(), model.StoreDriverMemory)
	require.NoError(t, err)

	cfg, err := model.LoadConfig(ConfigPath(base))
	require.NoError(t, err)
	assert.Equal(t, model.StoreDriverMemory, cfg.Store.Driver)
}

func TestRun_RejectsPostgresWithoutDSN(t *testing.T) {
	project := t.TempDir()
	_, err := Run(project, model.StoreDriverPostgres)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(project, DirName, "config.yaml"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_AlreadyExists(t *testing.T) {
	project := t.TempDir()
	_, err := Run(project, "")
	require.NoError(t, err)

	_, err = Run(project, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestFindBase(t *testing.T) {
	project := t.TempDir()
	base, err := Run(project, "")
	require.NoError(t, err)

	nested := filepath.Join(project, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	got, err := FindBase(nested)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	_, err = FindBase(t.TempDir())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestLoadConfig_ResolvesPaths(t *testing.T) {
	base, err := Run(t.TempDir(), "")
	require.NoError(t, err)

	cfg, err := LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "zonekeeper.db"), cfg.Store.SQLitePath)
	assert.Equal(t, filepath.Join(base, "logs", "audit.jsonl"), cfg.Events.AuditLog)
	assert.Empty(t, cfg.Catalog.ExportFile)
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "", Resolve("/base", ""))
	assert.Equal(t, "/abs/x.db", Resolve("/base", "/abs/x.db"))
	assert.Equal(t, "/base/x.db", Resolve("/base", "x.db"))
}
