package uploader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArchive(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLocalUploader(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nas")
	u, err := NewLocal(LocalConfig{Enabled: true, Path: dest})
	require.NoError(t, err)
	require.NoError(t, u.Login(context.Background()))
	assert.True(t, u.Authenticated())

	archive := writeArchive(t, "Backup-world.tar.zst", "archive-bytes")
	require.NoError(t, u.UploadFile(context.Background(), archive, "world"))

	got, err := os.ReadFile(filepath.Join(dest, "world", "Backup-world.tar.zst"))
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(got))
	assert.False(t, u.ErrorOccurred())

	require.NoError(t, u.UploadFile(context.Background(), archive, "."))
	assert.FileExists(t, filepath.Join(dest, "root", "Backup-world.tar.zst"))
}

func TestLocalUploaderMissingSourceSetsError(t *testing.T) {
	u, err := NewLocal(LocalConfig{Enabled: true, Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, u.Login(context.Background()))

	err = u.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing.tar.zst"), "world")
	assert.Error(t, err)
	assert.True(t, u.ErrorOccurred())
}

func TestLocalUploaderTestRemovesFile(t *testing.T) {
	dest := t.TempDir()
	u, err := NewLocal(LocalConfig{Enabled: true, Path: dest})
	require.NoError(t, err)
	require.NoError(t, u.Login(context.Background()))

	p, err := WriteTestFile(t.TempDir(), 10)
	require.NoError(t, err)
	require.NoError(t, u.Test(context.Background(), p))

	entries, err := os.ReadDir(filepath.Join(dest, TestLocation))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewLocalRejectsRelativePath(t *testing.T) {
	_, err := NewLocal(LocalConfig{Path: "relative/dir"})
	assert.Error(t, err)
	_, err = NewLocal(LocalConfig{})
	assert.Error(t, err)
}
