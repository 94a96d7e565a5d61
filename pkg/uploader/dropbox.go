package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"golang.org/x/oauth2"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

const (
	dropboxID   = "dropbox"
	dropboxName = "Dropbox"

	// Upload session chunks must be a multiple of 4 MiB.
	dropboxChunkUnit        = 4 * 1024 * 1024
	dropboxDefaultChunkSize = 2 * dropboxChunkUnit
)

// DropboxUploader stores archives in a Dropbox app folder. It authenticates
// with a refresh token from the credential store.
type DropboxUploader struct {
	state
	cfg       DropboxConfig
	creds     *CredentialStore
	chunkSize int64
	endpoint  oauth2.Endpoint

	// urlGenerator overrides the API hosts in tests.
	urlGenerator func(hostType, namespace, route string) string

	files files.Client
}

// NewDropbox validates cfg and returns a DropboxUploader.
func NewDropbox(cfg DropboxConfig, creds *CredentialStore) (*DropboxUploader, error) {
	if cfg.AppKey == "" {
		return nil, errors.New("dropbox: appKey is required")
	}
	chunk := cfg.ChunkSizeMB * 1024 * 1024
	if chunk <= 0 {
		chunk = dropboxDefaultChunkSize
	}
	chunk = (chunk + dropboxChunkUnit - 1) / dropboxChunkUnit * dropboxChunkUnit
	return &DropboxUploader{
		state:     state{name: dropboxName, id: dropboxID, authProvider: AuthDropbox},
		cfg:       cfg,
		creds:     creds,
		chunkSize: chunk,
		endpoint:  dropboxEndpoint(),
	}, nil
}

func dropboxEndpoint() oauth2.Endpoint {
	ep := dropbox.OAuthEndpoint("")
	ep.AuthStyle = oauth2.AuthStyleInParams
	return ep
}

func dropboxOAuthConfig(cfg DropboxConfig, endpoint oauth2.Endpoint) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.AppKey,
		ClientSecret: cfg.AppSecret,
		Endpoint:     endpoint,
	}
}

// sdkConfig routes every SDK request through client, which carries the
// refreshing token source.
func (u *DropboxUploader) sdkConfig(client *http.Client) dropbox.Config {
	return dropbox.Config{
		Client:       client,
		LogLevel:     dropbox.LogOff,
		URLGenerator: u.urlGenerator,
	}
}

// Login exchanges the stored refresh token and checks the account.
func (u *DropboxUploader) Login(ctx context.Context) error {
	cred, ok := u.creds.Get(AuthDropbox)
	if !ok || cred.RefreshToken == "" {
		return errors.New("dropbox: no refresh token stored")
	}
	ts := dropboxOAuthConfig(u.cfg, u.endpoint).TokenSource(context.Background(), &oauth2.Token{RefreshToken: cred.RefreshToken})
	if _, err := ts.Token(); err != nil {
		return fmt.Errorf("dropbox: failed to refresh access token: %w", err)
	}
	sdk := u.sdkConfig(oauth2.NewClient(context.Background(), ts))

	account, err := users.New(sdk).GetCurrentAccount()
	if err != nil {
		return fmt.Errorf("dropbox: failed to read the linked account: %w", err)
	}
	plog.Debug("Logged in", "backend", dropboxID, "account", account.Email)
	u.files = files.New(sdk)
	u.authenticated.Store(true)
	return nil
}

// dropboxPath returns the absolute Dropbox path of a file.
func (u *DropboxUploader) dropboxPath(localPath, location string) string {
	return "/" + strings.TrimPrefix(remotePath(u.cfg.RemoteDirectory, location, filepath.Base(localPath)), "/")
}

func (u *DropboxUploader) UploadFile(ctx context.Context, localPath, location string) error {
	return u.track(u.upload(ctx, localPath, u.dropboxPath(localPath, location)))
}

func overwriteCommit(dst string) *files.CommitInfo {
	commit := files.NewCommitInfo(dst)
	commit.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeOverwrite}}
	commit.Mute = true
	return commit
}

// upload sends small files in one request and larger ones through an upload session.
func (u *DropboxUploader) upload(ctx context.Context, localPath, dst string) error {
	if u.files == nil {
		return errNotLoggedIn
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("dropbox: failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("dropbox: failed to stat %s: %w", localPath, err)
	}
	// The SDK has no per-call context; reading through ctx stops a transfer.
	src := readerWithContext(ctx, f)

	if info.Size() <= u.chunkSize {
		arg := files.NewUploadArg(dst)
		arg.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeOverwrite}}
		arg.Mute = true
		if _, err := u.files.Upload(arg, src); err != nil {
			return fmt.Errorf("dropbox: upload of %s failed: %w", dst, err)
		}
		return nil
	}

	session, err := u.files.UploadSessionStart(files.NewUploadSessionStartArg(), io.LimitReader(src, u.chunkSize))
	if err != nil {
		return fmt.Errorf("dropbox: failed to start upload session: %w", err)
	}
	cursor := files.NewUploadSessionCursor(session.SessionId, uint64(u.chunkSize))
	for info.Size()-int64(cursor.Offset) > u.chunkSize {
		if err := u.files.UploadSessionAppendV2(files.NewUploadSessionAppendArg(cursor), io.LimitReader(src, u.chunkSize)); err != nil {
			return fmt.Errorf("dropbox: failed to append to upload session: %w", err)
		}
		cursor.Offset += uint64(u.chunkSize)
	}
	if _, err := u.files.UploadSessionFinish(files.NewUploadSessionFinishArg(cursor, overwriteCommit(dst)), src); err != nil {
		return fmt.Errorf("dropbox: failed to finish upload session for %s: %w", dst, err)
	}
	return nil
}

func (u *DropboxUploader) Test(ctx context.Context, localPath string) error {
	dst := u.dropboxPath(localPath, TestLocation)
	if err := u.upload(ctx, localPath, dst); err != nil {
		return err
	}
	if _, err := u.files.DeleteV2(files.NewDeleteArg(dst)); err != nil {
		return fmt.Errorf("dropbox: failed to delete %s: %w", dst, err)
	}
	return nil
}

func (u *DropboxUploader) Close() error {
	u.files = nil
	return nil
}

var _ Uploader = (*DropboxUploader)(nil)

// DropboxLinker runs the authorization-code flow that produces the refresh
// token stored for AuthDropbox. It uses PKCE, so no app secret is needed.
type DropboxLinker struct {
	conf     *oauth2.Config
	verifier string
}

// NewDropboxLinker returns a linker for the app configured in cfg.
func NewDropboxLinker(cfg DropboxConfig) (*DropboxLinker, error) {
	if cfg.AppKey == "" {
		return nil, errors.New("dropbox: appKey is required")
	}
	return &DropboxLinker{conf: dropboxOAuthConfig(cfg, dropboxEndpoint()), verifier: oauth2.GenerateVerifier()}, nil
}

// AuthURL is the page the operator opens to approve access. Dropbox shows
// the authorization code there.
func (l *DropboxLinker) AuthURL() string {
	return l.conf.AuthCodeURL("",
		oauth2.SetAuthURLParam("token_access_type", "offline"),
		oauth2.S256ChallengeOption(l.verifier))
}

// Exchange trades the authorization code for a long-lived credential.
func (l *DropboxLinker) Exchange(ctx context.Context, code string) (Credential, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Credential{}, errors.New("dropbox: authorization code is empty")
	}
	tok, err := l.conf.Exchange(ctx, code, oauth2.VerifierOption(l.verifier))
	if err != nil {
		return Credential{}, fmt.Errorf("dropbox: failed to exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return Credential{}, errors.New("dropbox: no refresh token returned, the app must request offline access")
	}
	return Credential{RefreshToken: tok.RefreshToken}, nil
}
