package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

const (
	localID   = "local"
	localName = "Local Directory"
)

// LocalUploader copies archives into another directory, typically a mounted
// network share.
type LocalUploader struct {
	state
	cfg LocalConfig
}

// NewLocal validates cfg and returns a LocalUploader.
func NewLocal(cfg LocalConfig) (*LocalUploader, error) {
	if cfg.Path == "" {
		return nil, errors.New("local: path is required")
	}
	p, err := util.ExpandPath(cfg.Path)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(p) {
		return nil, errors.New("local: path must be absolute")
	}
	cfg.Path = p
	return &LocalUploader{state: state{name: localName, id: localID}, cfg: cfg}, nil
}

// Login checks that the destination exists or can be created.
func (u *LocalUploader) Login(ctx context.Context) error {
	if err := os.MkdirAll(u.cfg.Path, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("local: destination is not usable: %w", err)
	}
	u.authenticated.Store(true)
	return nil
}

func (u *LocalUploader) destination(localPath, location string) string {
	return filepath.Join(u.cfg.Path, util.DenormalizePath(remotePath("", location, filepath.Base(localPath))))
}

func (u *LocalUploader) UploadFile(ctx context.Context, localPath, location string) error {
	return u.track(u.copy(ctx, localPath, u.destination(localPath, location)))
}

// copy writes to a temporary file next to dst and renames it into place.
func (u *LocalUploader) copy(ctx context.Context, localPath, dst string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("local: failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("local: failed to create %s: %w", filepath.Dir(dst), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "pgl-serverbackup-*.tmp")
	if err != nil {
		return fmt.Errorf("local: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, readerWithContext(ctx, src)); err != nil {
		tmp.Close()
		return fmt.Errorf("local: failed to copy %s: %w", localPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local: failed to finish %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("local: failed to rename into %s: %w", dst, err)
	}
	plog.Debug("Copied file", "backend", localID, "path", dst)
	return nil
}

func (u *LocalUploader) Test(ctx context.Context, localPath string) error {
	dst := u.destination(localPath, TestLocation)
	if err := u.copy(ctx, localPath, dst); err != nil {
		return err
	}
	return os.Remove(dst)
}

func (u *LocalUploader) Close() error { return nil }

var _ Uploader = (*LocalUploader)(nil)
