package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	dropboxAccountJSON = `{"account_id":"dbid:AAH4f99T0taONIb-OurWxbNQ6ywGRopQngc",` +
		`"name":{"given_name":"Ops","surname":"Team","familiar_name":"Ops","display_name":"Ops Team","abbreviated_name":"OT"},` +
		`"email":"ops@example.com","email_verified":true,"disabled":false,"locale":"en",` +
		`"referral_link":"https://db.tt/ZITNuhtI","is_paired":false,"account_type":{".tag":"basic"},` +
		`"root_info":{".tag":"user","root_namespace_id":"3235641","home_namespace_id":"3235641"},"country":"US"}`

	dropboxFileFields = `"name":"archive.tar.zst","id":"id:a4ayc_80_OEAAAAAAAAAXw","path_lower":"/mc/archive.tar.zst",` +
		`"path_display":"/mc/archive.tar.zst","client_modified":"2024-07-19T17:36:40Z",` +
		`"server_modified":"2024-07-19T17:36:40Z","rev":"a1c10ce0dd78","size":16`
	dropboxFileJSON       = `{` + dropboxFileFields + `}`
	dropboxFileTaggedJSON = `{".tag":"file",` + dropboxFileFields + `}`
)

// fakeDropbox records uploads and serves the token and account endpoints.
type fakeDropbox struct {
	mu       sync.Mutex
	calls    []string
	files    map[string][]byte
	sessions map[string][]byte
	deleted  []string
	badToken bool
}

func (f *fakeDropbox) file(p string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.files[p])
}

func (f *fakeDropbox) snapshot() (calls, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]string(nil), f.deleted...)
}

func (f *fakeDropbox) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, r.URL.Path)

		if r.URL.Path == "/oauth2/token" {
			if f.badToken {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
				return
			}
			assert.NoError(t, r.ParseForm())
			w.Header().Set("Content-Type", "application/json")
			switch r.Form.Get("grant_type") {
			case "authorization_code":
				assert.Equal(t, "pasted-code", r.Form.Get("code"))
				assert.NotEmpty(t, r.Form.Get("code_verifier"))
				_, _ = io.WriteString(w, `{"access_token":"access","token_type":"bearer","expires_in":14400,"refresh_token":"linked-refresh"}`)
			default:
				assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
				assert.Equal(t, "stored-refresh", r.Form.Get("refresh_token"))
				_, _ = io.WriteString(w, `{"access_token":"access","token_type":"bearer","expires_in":14400}`)
			}
			return
		}

		if r.Header.Get("Authorization") != "Bearer access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var arg map[string]any
		if h := r.Header.Get("Dropbox-API-Arg"); h != "" {
			assert.NoError(t, json.Unmarshal([]byte(h), &arg))
		}
		body, _ := io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/2/users/get_current_account":
			_, _ = io.WriteString(w, dropboxAccountJSON)
		case "/2/files/upload":
			f.files[arg["path"].(string)] = body
			_, _ = io.WriteString(w, dropboxFileJSON)
		case "/2/files/upload_session/start":
			f.sessions["s1"] = body
			_, _ = io.WriteString(w, `{"session_id":"s1"}`)
		case "/2/files/upload_session/append_v2":
			cursor := arg["cursor"].(map[string]any)
			id := cursor["session_id"].(string)
			assert.EqualValues(t, len(f.sessions[id]), cursor["offset"])
			f.sessions[id] = append(f.sessions[id], body...)
		case "/2/files/upload_session/finish":
			cursor := arg["cursor"].(map[string]any)
			id := cursor["session_id"].(string)
			assert.EqualValues(t, len(f.sessions[id]), cursor["offset"])
			commit := arg["commit"].(map[string]any)
			f.files[commit["path"].(string)] = append(f.sessions[id], body...)
			_, _ = io.WriteString(w, dropboxFileJSON)
		case "/2/files/delete_v2":
			var req struct{ Path string }
			assert.NoError(t, json.Unmarshal(body, &req))
			f.deleted = append(f.deleted, req.Path)
			_, _ = io.WriteString(w, `{"metadata":`+dropboxFileTaggedJSON+`}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestDropbox(t *testing.T, fake *fakeDropbox) *DropboxUploader {
	t.Helper()
	fake.files = map[string][]byte{}
	fake.sessions = map[string][]byte{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	creds, err := LoadCredentialStore(filepath.Join(t.TempDir(), "creds.yaml"))
	require.NoError(t, err)
	creds.Set(AuthDropbox, Credential{RefreshToken: "stored-refresh"})

	u, err := NewDropbox(DropboxConfig{Enabled: true, AppKey: "key", AppSecret: "secret", RemoteDirectory: "mc"}, creds)
	require.NoError(t, err)
	u.endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/oauth2/token", AuthStyle: oauth2.AuthStyleInParams}
	u.urlGenerator = func(hostType, namespace, route string) string {
		return srv.URL + "/2/" + namespace + "/" + route
	}
	return u
}

func TestDropboxUploaderSmallFile(t *testing.T) {
	fake := &fakeDropbox{}
	u := newTestDropbox(t, fake)

	require.NoError(t, u.Login(context.Background()))
	assert.True(t, u.Authenticated())
	assert.Equal(t, AuthDropbox, u.AuthProvider())

	archive := writeArchive(t, "Backup-world.tar.zst", "archive-bytes")
	require.NoError(t, u.UploadFile(context.Background(), archive, "world"))

	assert.Equal(t, "archive-bytes", fake.file("/mc/world/Backup-world.tar.zst"))
}

func TestDropboxUploaderSessionUpload(t *testing.T) {
	fake := &fakeDropbox{}
	u := newTestDropbox(t, fake)
	u.chunkSize = 4
	require.NoError(t, u.Login(context.Background()))

	content := "0123456789"
	archive := writeArchive(t, "big.tar.zst", content)
	require.NoError(t, u.UploadFile(context.Background(), archive, "."))

	assert.Equal(t, content, fake.file("/mc/root/big.tar.zst"))
	calls, _ := fake.snapshot()
	var appends int
	for _, c := range calls {
		if strings.HasSuffix(c, "append_v2") {
			appends++
		}
	}
	assert.Equal(t, 1, appends)
}

func TestDropboxUploaderTestDeletes(t *testing.T) {
	fake := &fakeDropbox{}
	u := newTestDropbox(t, fake)
	require.NoError(t, u.Login(context.Background()))

	p, err := WriteTestFile(t.TempDir(), 16)
	require.NoError(t, err)
	require.NoError(t, u.Test(context.Background(), p))

	_, deleted := fake.snapshot()
	require.Len(t, deleted, 1)
	assert.Equal(t, "/mc/test/"+filepath.Base(p), deleted[0])
}

func TestDropboxUploaderLoginFailsWithRevokedToken(t *testing.T) {
	fake := &fakeDropbox{badToken: true}
	u := newTestDropbox(t, fake)

	assert.Error(t, u.Login(context.Background()))
	assert.False(t, u.Authenticated())
}

func TestNewDropboxRoundsChunkSize(t *testing.T) {
	u, err := NewDropbox(DropboxConfig{AppKey: "key", ChunkSizeMB: 5}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 8*1024*1024, u.chunkSize)

	_, err = NewDropbox(DropboxConfig{}, nil)
	assert.Error(t, err)
}

func TestDropboxUploaderUploadBeforeLogin(t *testing.T) {
	u, err := NewDropbox(DropboxConfig{AppKey: "key"}, nil)
	require.NoError(t, err)
	archive := writeArchive(t, "Backup-world.tar.zst", "x")
	assert.ErrorIs(t, u.UploadFile(context.Background(), archive, "world"), errNotLoggedIn)
	assert.True(t, u.ErrorOccurred())
}

func TestDropboxLinker(t *testing.T) {
	fake := &fakeDropbox{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	l, err := NewDropboxLinker(DropboxConfig{AppKey: "key"})
	require.NoError(t, err)

	authURL, err := url.Parse(l.AuthURL())
	require.NoError(t, err)
	q := authURL.Query()
	assert.Equal(t, "key", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "offline", q.Get("token_access_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	l.conf.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/oauth2/token", AuthStyle: oauth2.AuthStyleInParams}
	cred, err := l.Exchange(context.Background(), "  pasted-code\n")
	require.NoError(t, err)
	assert.Equal(t, "linked-refresh", cred.RefreshToken)

	_, err = l.Exchange(context.Background(), " ")
	assert.Error(t, err)

	_, err = NewDropboxLinker(DropboxConfig{})
	assert.Error(t, err)
}
