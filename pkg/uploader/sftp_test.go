package uploader

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-serverbackup/pkg/sftpclient"
	"github.com/paulschiretz/pgl-serverbackup/pkg/sftpclient/sftptest"
)

func newTestSFTP(t *testing.T) (*SFTPUploader, *sftpclient.Client) {
	t.Helper()
	u, err := NewSFTP(SFTPConfig{
		Enabled:         true,
		Config:          sftpclient.Config{Host: "example.com", User: "mc", Password: "pw", KnownHostsFile: "/dev/null"},
		RemoteDirectory: "/backups",
	})
	require.NoError(t, err)

	client := sftptest.NewClient(t)
	u.dial = func(ctx context.Context, cfg sftpclient.Config) (*sftpclient.Client, error) {
		return client, nil
	}
	return u, client
}

func TestSFTPUploader(t *testing.T) {
	u, client := newTestSFTP(t)
	require.NoError(t, u.Login(context.Background()))
	assert.True(t, u.Authenticated())

	archive := writeArchive(t, "Backup-world.tar.zst", "archive-bytes")
	require.NoError(t, u.UploadFile(context.Background(), archive, "world"))
	// A second upload of the same name replaces the first.
	require.NoError(t, u.UploadFile(context.Background(), archive, "world"))

	f, err := client.Open("/backups/world/Backup-world.tar.zst")
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(got))

	_, err = client.Stat("/backups/world/Backup-world.tar.zst.part")
	assert.Error(t, err, "temporary file must not remain")
}

func TestSFTPUploaderReplacesExistingArchive(t *testing.T) {
	u, client := newTestSFTP(t)
	require.NoError(t, u.Login(context.Background()))

	require.NoError(t, u.UploadFile(context.Background(), writeArchive(t, "Backup-world.tar.zst", "old"), "world"))
	require.NoError(t, u.UploadFile(context.Background(), writeArchive(t, "Backup-world.tar.zst", "new"), "world"))

	f, err := client.Open("/backups/world/Backup-world.tar.zst")
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

type fakeRenamer struct {
	posix bool
	calls []string
}

func (r *fakeRenamer) HasExtension(name string) (string, bool) {
	return "1", r.posix && name == posixRenameExtension
}

func (r *fakeRenamer) PosixRename(oldname, newname string) error {
	r.calls = append(r.calls, "posix-rename "+newname)
	return nil
}

func (r *fakeRenamer) Rename(oldname, newname string) error {
	r.calls = append(r.calls, "rename "+newname)
	return nil
}

func (r *fakeRenamer) Remove(path string) error {
	r.calls = append(r.calls, "remove "+path)
	return nil
}

func TestReplaceFile(t *testing.T) {
	posix := &fakeRenamer{posix: true}
	require.NoError(t, replaceFile(posix, "a.part", "a"))
	assert.Equal(t, []string{"posix-rename a"}, posix.calls, "the target must never be removed first")

	plain := &fakeRenamer{}
	require.NoError(t, replaceFile(plain, "a.part", "a"))
	assert.Equal(t, []string{"remove a", "rename a"}, plain.calls)
}

func TestSFTPUploaderTestRemovesFile(t *testing.T) {
	u, client := newTestSFTP(t)
	require.NoError(t, u.Login(context.Background()))

	p, err := WriteTestFile(t.TempDir(), 64)
	require.NoError(t, err)
	require.NoError(t, u.Test(context.Background(), p))

	entries, err := client.ReadDir("/backups/test")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSFTPUploaderLoginFailure(t *testing.T) {
	u, _ := newTestSFTP(t)
	u.dial = func(ctx context.Context, cfg sftpclient.Config) (*sftpclient.Client, error) {
		return nil, errors.New("connection refused")
	}
	assert.Error(t, u.Login(context.Background()))
	assert.False(t, u.Authenticated())
	assert.ErrorIs(t, u.UploadFile(context.Background(), "x", "world"), errNotLoggedIn)
}
