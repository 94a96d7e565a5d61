package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/sftpclient"
)

const (
	sftpID   = "sftp"
	sftpName = "SFTP"
)

// SFTPUploader stores archives on an SSH server.
type SFTPUploader struct {
	state
	cfg    SFTPConfig
	dial   func(ctx context.Context, cfg sftpclient.Config) (*sftpclient.Client, error)
	client *sftpclient.Client
}

// NewSFTP validates cfg and returns an SFTPUploader. The connection is opened on Login.
func NewSFTP(cfg SFTPConfig) (*SFTPUploader, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	if cfg.RemoteDirectory == "" {
		cfg.RemoteDirectory = "."
	}
	return &SFTPUploader{
		state: state{name: sftpName, id: sftpID},
		cfg:   cfg,
		dial:  sftpclient.Dial,
	}, nil
}

// Login dials the server; a finished handshake counts as authenticated.
func (u *SFTPUploader) Login(ctx context.Context) error {
	client, err := u.dial(ctx, u.cfg.Config)
	if err != nil {
		return err
	}
	u.client = client
	u.authenticated.Store(true)
	return nil
}

func (u *SFTPUploader) UploadFile(ctx context.Context, localPath, location string) error {
	return u.track(u.upload(ctx, localPath, remotePath(u.cfg.RemoteDirectory, location, filepath.Base(localPath))))
}

// upload writes to a temporary name and renames it into place.
func (u *SFTPUploader) upload(ctx context.Context, localPath, remote string) error {
	if u.client == nil {
		return errNotLoggedIn
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("sftp: failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := u.client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("sftp: failed to create %s: %w", path.Dir(remote), err)
	}

	tmp := remote + ".part"
	dst, err := u.client.Create(tmp)
	if err != nil {
		return fmt.Errorf("sftp: failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(dst, readerWithContext(ctx, src)); err != nil {
		dst.Close()
		_ = u.client.Remove(tmp)
		return fmt.Errorf("sftp: failed to write %s: %w", tmp, err)
	}
	if err := dst.Close(); err != nil {
		_ = u.client.Remove(tmp)
		return fmt.Errorf("sftp: failed to finish %s: %w", tmp, err)
	}
	if err := replaceFile(u.client, tmp, remote); err != nil {
		return fmt.Errorf("sftp: failed to rename %s: %w", tmp, err)
	}
	plog.Debug("Uploaded file", "backend", sftpID, "path", remote)
	return nil
}

const posixRenameExtension = "posix-rename@openssh.com"

type renamer interface {
	HasExtension(name string) (string, bool)
	PosixRename(oldname, newname string) error
	Rename(oldname, newname string) error
	Remove(path string) error
}

// replaceFile moves tmp over dst atomically when the server supports POSIX
// rename. Plain SFTP rename refuses an existing target, so without the
// extension dst is removed first.
func replaceFile(c renamer, tmp, dst string) error {
	if _, ok := c.HasExtension(posixRenameExtension); ok {
		return c.PosixRename(tmp, dst)
	}
	_ = c.Remove(dst)
	return c.Rename(tmp, dst)
}

func (u *SFTPUploader) Test(ctx context.Context, localPath string) error {
	remote := remotePath(u.cfg.RemoteDirectory, TestLocation, filepath.Base(localPath))
	if err := u.upload(ctx, localPath, remote); err != nil {
		return err
	}
	if err := u.client.Remove(remote); err != nil {
		return fmt.Errorf("sftp: failed to delete test file %s: %w", remote, err)
	}
	return nil
}

func (u *SFTPUploader) Close() error {
	if u.client == nil {
		return nil
	}
	err := u.client.Close()
	u.client = nil
	return err
}

var _ Uploader = (*SFTPUploader)(nil)
