package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mount.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
mount_point: /tmp/mnt
overlay_dir: /tmp/overlay
journal_dir: /tmp/journal
path_cache_size: 128
allow_other: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mnt", cfg.MountPoint)
	assert.Equal(t, "/tmp/overlay", cfg.OverlayDir)
	assert.Equal(t, 128, cfg.PathCacheSize)
	assert.True(t, cfg.AllowOther)
}

func TestLoadAppliesDefaultPathCacheSize(t *testing.T) {
	path := writeConfig(t, `
mount_point: /tmp/mnt
overlay_dir: /tmp/overlay
journal_dir: /tmp/journal
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().PathCacheSize, cfg.PathCacheSize)
}

func TestLoadMissingRequiredFieldsFails(t *testing.T) {
	path := writeConfig(t, `
overlay_dir: /tmp/overlay
journal_dir: /tmp/journal
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadNonexistentFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsNonPositivePathCacheSize(t *testing.T) {
	cfg := Default()
	cfg.MountPoint = "/tmp/mnt"
	cfg.OverlayDir = "/tmp/overlay"
	cfg.JournalDir = "/tmp/journal"
	cfg.PathCacheSize = 0

	assert.Error(t, cfg.Validate())
}
