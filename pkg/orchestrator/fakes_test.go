package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/ingest"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-serverbackup/pkg/uploader"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// fakeCompressor writes a small file per target into dir instead of a real archive.
type fakeCompressor struct {
	dir   string
	fail  map[string]error
	panic map[string]bool
	block chan struct{}

	mu    sync.Mutex
	calls []string
}

func (c *fakeCompressor) OutputDir(location string) string {
	return filepath.Join(c.dir, util.LocationDir(location))
}

func (c *fakeCompressor) Format() pathcompression.Format { return pathcompression.TarZst }

func (c *fakeCompressor) Compress(ctx context.Context, req pathcompression.Request) <-chan pathcompression.Event {
	c.mu.Lock()
	c.calls = append(c.calls, req.Location)
	c.mu.Unlock()

	if c.panic[req.Location] {
		panic("boom")
	}

	events := make(chan pathcompression.Event, 4)
	go func() {
		defer close(events)
		if c.block != nil {
			select {
			case <-c.block:
			case <-ctx.Done():
				events <- pathcompression.Failed{Err: ctx.Err()}
				return
			}
		}
		if err := c.fail[req.Location]; err != nil {
			events <- pathcompression.Failed{Err: err}
			return
		}
		out := c.OutputDir(req.Location)
		if err := os.MkdirAll(out, 0755); err != nil {
			events <- pathcompression.Failed{Err: err}
			return
		}
		prefix := pathcompression.ArchivePrefix(req.NameFormat, util.LastPathSegment(req.Location))
		p := filepath.Join(out, prefix+time.Now().Format("150405.000000000")+".tar.zst")
		if err := os.WriteFile(p, []byte("archive"), 0644); err != nil {
			events <- pathcompression.Failed{Err: err}
			return
		}
		events <- pathcompression.Listed{Count: 1}
		events <- pathcompression.Complete{Result: pathcompression.Result{Location: req.Location, Path: p, Files: 1}}
	}()
	return events
}

func (c *fakeCompressor) called() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeUploader struct {
	name string
	fail bool

	mu      sync.Mutex
	uploads []string
	files   []string
	closed  bool
}

func (u *fakeUploader) Name() string                             { return u.name }
func (u *fakeUploader) ID() string                               { return u.name }
func (u *fakeUploader) AuthProvider() uploader.AuthProvider      { return uploader.AuthNone }
func (u *fakeUploader) Login(ctx context.Context) error          { return nil }
func (u *fakeUploader) Authenticated() bool                      { return true }
func (u *fakeUploader) ErrorOccurred() bool                      { return u.fail }
func (u *fakeUploader) Test(ctx context.Context, p string) error { return nil }

func (u *fakeUploader) UploadFile(ctx context.Context, localPath, location string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, location)
	u.files = append(u.files, filepath.Base(localPath))
	if u.fail {
		return errors.New("upload refused")
	}
	return nil
}

func (u *fakeUploader) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return nil
}

func (u *fakeUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.uploads...)
}

type fakeRetainer struct {
	mu       sync.Mutex
	titles   []string
	prefixes []string
	keeps    []int
}

func (r *fakeRetainer) Apply(ctx context.Context, title, dirPath, prefix string, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.prefixes = append(r.prefixes, prefix)
	r.keeps = append(r.keeps, keep)
	return nil
}

func (r *fakeRetainer) applied() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

type fakeHooks struct {
	mu    sync.Mutex
	names []string
	envs  [][]string
}

func (h *fakeHooks) RunBestEffort(ctx context.Context, hookName string, commands []string, env ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names = append(h.names, hookName)
	h.envs = append(h.envs, env)
}

func (h *fakeHooks) fired() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.names...)
}

type fakeGate struct {
	vote  bool
	err   error
	block bool

	mu    sync.Mutex
	asked int
}

func (g *fakeGate) Name() string { return "fake" }

func (g *fakeGate) Vote(ctx context.Context) (bool, error) {
	g.mu.Lock()
	g.asked++
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return g.vote, g.err
}

func (g *fakeGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.asked
}

type fakeSchedule struct {
	mu       sync.Mutex
	advanced int
}

func (s *fakeSchedule) Advance(now time.Time) {
	s.mu.Lock()
	s.advanced++
	s.mu.Unlock()
}

func (s *fakeSchedule) Describe(now time.Time) string { return "in 5 minutes" }

// fakeSource is an external source that writes one file or fails.
type fakeSource struct {
	kind ingest.Kind
	id   string
	err  error
}

func (s *fakeSource) Kind() ingest.Kind  { return s.kind }
func (s *fakeSource) Addr() string       { return "db.example.com:3306" }
func (s *fakeSource) Identity() []string { return []string{s.id} }
func (s *fakeSource) NameFormat() string { return "" }
func (s *fakeSource) Ingest(ctx context.Context, dir string) error {
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(filepath.Join(dir, "dump.sql"), []byte("-- dump"), 0644)
}
