// Package uploader ships finished archives to remote stores.
//
// Every backend implements Uploader. An active set is built fresh for each
// run: enabled backends are constructed, backends whose auth provider has no
// stored credential are dropped, and the rest must log in. Uploaders that fail
// any step are logged with a remediation hint and left out; building the set
// never fails a run.
package uploader

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// AuthProvider names the credential store entry a backend needs.
type AuthProvider string

const (
	AuthNone    AuthProvider = ""
	AuthDropbox AuthProvider = "dropbox"
)

// TestLocation is the logical location test uploads are written to.
const TestLocation = "test"

// loginTimeout bounds the auth round-trip of one backend.
const loginTimeout = 30 * time.Second

// Uploader is one remote store.
type Uploader interface {
	Name() string
	ID() string
	AuthProvider() AuthProvider
	// Login performs the backend specific authentication and records the
	// outcome in Authenticated.
	Login(ctx context.Context) error
	Authenticated() bool
	// ErrorOccurred reports whether any upload of this instance failed.
	ErrorOccurred() bool
	// UploadFile stores the local file under {remoteDirectory}/{location}/{name}.
	UploadFile(ctx context.Context, localPath, location string) error
	// Test uploads localPath under the test location and removes it again
	// where the backend supports deletes.
	Test(ctx context.Context, localPath string) error
	Close() error
}

// CredentialChecker answers whether a credential exists for an auth provider.
type CredentialChecker interface {
	HasCredential(provider AuthProvider) bool
}

// state carries the bookkeeping every backend shares.
type state struct {
	name          string
	id            string
	authProvider  AuthProvider
	authenticated atomic.Bool
	errorOccurred atomic.Bool
}

func (s *state) Name() string               { return s.name }
func (s *state) ID() string                 { return s.id }
func (s *state) AuthProvider() AuthProvider { return s.authProvider }
func (s *state) Authenticated() bool        { return s.authenticated.Load() }
func (s *state) ErrorOccurred() bool        { return s.errorOccurred.Load() }

// track records err as an upload failure and returns it.
func (s *state) track(err error) error {
	if err != nil {
		s.errorOccurred.Store(true)
	}
	return err
}

// remotePath joins the remote directory, the location directory and the file name
// with forward slashes.
func remotePath(remoteDir, location, name string) string {
	return path.Join(util.NormalizePath(remoteDir), util.LocationDir(location), name)
}

// New constructs every enabled backend in build order: s3, sftp, dropbox, local.
// Backends that cannot be constructed are logged and skipped.
func New(cfg Config, creds *CredentialStore) []Uploader {
	var out []Uploader
	add := func(u Uploader, err error, id string) {
		if err != nil {
			plog.Warn("Uploader disabled, configuration is invalid", "backend", id, "error", err)
			return
		}
		out = append(out, u)
	}
	if cfg.S3.Enabled {
		u, err := NewS3(cfg.S3)
		add(u, err, s3ID)
	}
	if cfg.SFTP.Enabled {
		u, err := NewSFTP(cfg.SFTP)
		add(u, err, sftpID)
	}
	if cfg.Dropbox.Enabled {
		u, err := NewDropbox(cfg.Dropbox, creds)
		add(u, err, dropboxID)
	}
	if cfg.Local.Enabled {
		u, err := NewLocal(cfg.Local)
		add(u, err, localID)
	}
	return out
}

// linkHint names the command that stores a credential for p.
func linkHint(p AuthProvider) string {
	return fmt.Sprintf("run '%s link %s' to authorize it", buildinfo.ExecName, p)
}

// BuildActiveSet filters candidates down to the uploaders that may receive
// archives this run. Order is preserved. Removed uploaders are closed.
func BuildActiveSet(ctx context.Context, candidates []Uploader, creds CredentialChecker) []Uploader {
	active := make([]Uploader, 0, len(candidates))
	for _, u := range candidates {
		if p := u.AuthProvider(); p != AuthNone && (creds == nil || !creds.HasCredential(p)) {
			plog.Warn("Uploader disabled, no stored credential",
				"backend", u.ID(), "provider", string(p),
				"hint", linkHint(p))
			closeQuietly(u)
			continue
		}

		loginCtx, cancel := context.WithTimeout(ctx, loginTimeout)
		err := u.Login(loginCtx)
		cancel()
		if err != nil || !u.Authenticated() {
			plog.Warn("Uploader disabled, login failed",
				"backend", u.ID(), "error", err,
				"hint", "check the backend credentials and run the test command")
			closeQuietly(u)
			continue
		}
		active = append(active, u)
	}
	return active
}

// CloseAll closes every uploader and logs failures.
func CloseAll(uploaders []Uploader) {
	for _, u := range uploaders {
		closeQuietly(u)
	}
}

func closeQuietly(u Uploader) {
	if err := u.Close(); err != nil {
		plog.Debug("Failed to close uploader", "backend", u.ID(), "error", err)
	}
}
