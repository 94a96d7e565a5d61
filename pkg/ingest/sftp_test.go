package ingest

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-serverbackup/pkg/sftpclient"
	"github.com/paulschiretz/pgl-serverbackup/pkg/sftpclient/sftptest"
)

func remoteFile(t *testing.T, c *sftpclient.Client, p, content string) {
	t.Helper()
	require.NoError(t, c.MkdirAll(path.Dir(p)))
	f, err := c.Create(p)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func newTestSFTPSource(t *testing.T, cfg SFTPSourceConfig) (*SFTPSource, *sftpclient.Client) {
	t.Helper()
	cfg.Config = sftpclient.Config{Host: "files.example.com", User: "mc", Password: "pw", KnownHostsFile: "/dev/null"}
	src, err := NewSFTPSource(cfg)
	require.NoError(t, err)

	client := sftptest.NewClient(t)
	src.dial = func(ctx context.Context, cfg sftpclient.Config) (*sftpclient.Client, error) {
		return client, nil
	}
	return src, client
}

func TestSFTPSourceIngest(t *testing.T) {
	src, client := newTestSFTPSource(t, SFTPSourceConfig{
		BaseDirectory: "/srv/lobby",
		BackupList: []SFTPBackupEntry{
			{Path: "world", Blacklist: []string{"*.log"}},
			{Path: "plugins"},
		},
	})
	remoteFile(t, client, "/srv/lobby/world/a.txt", "a")
	remoteFile(t, client, "/srv/lobby/world/b.log", "b")
	remoteFile(t, client, "/srv/lobby/world/sub/c.txt", "c")
	remoteFile(t, client, "/srv/lobby/plugins/p.jar", "p")
	remoteFile(t, client, "/srv/lobby/other/ignored.txt", "x")

	staging := t.TempDir()
	require.NoError(t, src.Ingest(context.Background(), staging))

	assert.FileExists(t, filepath.Join(staging, "world", "a.txt"))
	assert.FileExists(t, filepath.Join(staging, "world", "sub", "c.txt"))
	assert.NoFileExists(t, filepath.Join(staging, "world", "b.log"))
	assert.FileExists(t, filepath.Join(staging, "plugins", "p.jar"))
	assert.NoDirExists(t, filepath.Join(staging, "other"))

	got, err := os.ReadFile(filepath.Join(staging, "world", "sub", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(got))
}

func TestSFTPSourceMissingRemotePathIsNotFatal(t *testing.T) {
	src, _ := newTestSFTPSource(t, SFTPSourceConfig{BackupList: []SFTPBackupEntry{{Path: "/nope"}}})
	assert.NoError(t, src.Ingest(context.Background(), t.TempDir()))
}

func TestSFTPSourceDialFailure(t *testing.T) {
	src, _ := newTestSFTPSource(t, SFTPSourceConfig{BackupList: []SFTPBackupEntry{{Path: "world"}}})
	src.dial = func(ctx context.Context, cfg sftpclient.Config) (*sftpclient.Client, error) {
		return nil, errors.New("connection refused")
	}
	assert.Error(t, src.Ingest(context.Background(), t.TempDir()))
}

func TestSFTPSourceIdentity(t *testing.T) {
	a, _ := newTestSFTPSource(t, SFTPSourceConfig{BaseDirectory: "/srv/a", BackupList: []SFTPBackupEntry{{Path: "world"}}})
	b, _ := newTestSFTPSource(t, SFTPSourceConfig{BaseDirectory: "/srv/a", BackupList: []SFTPBackupEntry{{Path: "other"}}})
	c, _ := newTestSFTPSource(t, SFTPSourceConfig{BaseDirectory: "/srv/b", BackupList: []SFTPBackupEntry{{Path: "world"}}})

	assert.Equal(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Identity(), c.Identity())
	assert.Equal(t, "files.example.com:22", a.Addr())
}

func TestNewSFTPSourceValidates(t *testing.T) {
	base := sftpclient.Config{Host: "h", User: "u", Password: "p", KnownHostsFile: "/dev/null"}

	_, err := NewSFTPSource(SFTPSourceConfig{Config: base})
	assert.Error(t, err, "empty backup list")

	_, err = NewSFTPSource(SFTPSourceConfig{Config: base, BackupList: []SFTPBackupEntry{{Path: "w", Blacklist: []string{"!keep"}}}})
	assert.Error(t, err, "exclusion pattern")
}

func TestRemoteRel(t *testing.T) {
	assert.Equal(t, "a/b.txt", remoteRel("/srv/world", "/srv/world/a/b.txt"))
	assert.Equal(t, "b.txt", remoteRel("/srv/world/", "/srv/world/b.txt"))
	assert.Equal(t, ".hidden", remoteRel(".", ".hidden"))
	assert.Equal(t, "level.dat", remoteRel("/srv/level.dat", "/srv/level.dat"))
	assert.Equal(t, "x", remoteRel("/", "/x"))
}
