package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-serverbackup/pkg/identity"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
)

type fakeSource struct {
	kind       Kind
	fields     []string
	nameFormat string
	err        error
	files      map[string]string
}

func (f *fakeSource) Kind() Kind         { return f.kind }
func (f *fakeSource) Addr() string       { return "db.example.com:3306" }
func (f *fakeSource) Identity() []string { return f.fields }
func (f *fakeSource) NameFormat() string { return f.nameFormat }

func (f *fakeSource) Ingest(ctx context.Context, stagingDir string) error {
	if f.err != nil {
		return f.err
	}
	for name, content := range f.files {
		if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func TestStage(t *testing.T) {
	root := t.TempDir()
	s := NewStager(root)
	src := &fakeSource{kind: KindMySQL, fields: []string{"db", "3306", "mc", "pw", "world"}, files: map[string]string{"world.sql": "dump"}}

	target, err := s.Stage(context.Background(), src)
	require.NoError(t, err)

	name, err := identity.StagingName("mysql", src.fields...)
	require.NoError(t, err)
	assert.Equal(t, "external-backups/"+name, target.Location)
	assert.Equal(t, pathcompression.DefaultNameFormat, target.NameFormat)
	assert.Equal(t, KindMySQL, target.Kind)
	assert.True(t, strings.HasPrefix(name, "mysql-"))

	got, err := os.ReadFile(filepath.Join(root, "external-backups", name, "world.sql"))
	require.NoError(t, err)
	assert.Equal(t, "dump", string(got))
}

func TestStageRemovesLeftovers(t *testing.T) {
	root := t.TempDir()
	s := NewStager(root)
	src := &fakeSource{kind: KindSFTP, fields: []string{"a"}, nameFormat: "%NAME-2006", files: map[string]string{"new.txt": "x"}}
	name, _ := identity.StagingName("sftp", "a")
	stale := filepath.Join(s.Dir(), name, "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	target, err := s.Stage(context.Background(), src)
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(s.Dir(), name, "new.txt"))
	assert.Equal(t, "%NAME-2006", target.NameFormat)
}

func TestStageAllIsolatesFailures(t *testing.T) {
	s := NewStager(t.TempDir())
	sources := []Source{
		&fakeSource{kind: KindMySQL, fields: []string{"1"}, err: errors.New("connection refused")},
		&fakeSource{kind: KindSFTP, fields: []string{"2"}},
		&fakeSource{kind: "", fields: []string{"3"}},
	}

	targets := s.StageAll(context.Background(), sources)

	require.Len(t, targets, 1)
	assert.Equal(t, KindSFTP, targets[0].Kind)
}

func TestStageIsReproducible(t *testing.T) {
	s := NewStager(t.TempDir())
	src := &fakeSource{kind: KindPostgres, fields: []string{"h", "5432", "u", "p", "db"}}

	first, err := s.Stage(context.Background(), src)
	require.NoError(t, err)
	second, err := s.Stage(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, first.Location, second.Location)
}

func TestCleanup(t *testing.T) {
	s := NewStager(t.TempDir())
	_, err := s.Stage(context.Background(), &fakeSource{kind: KindSFTP, fields: []string{"x"}})
	require.NoError(t, err)
	require.DirExists(t, s.Dir())

	require.NoError(t, s.Cleanup())
	assert.NoDirExists(t, s.Dir())
}

func TestSourcesSkipsInvalidEntries(t *testing.T) {
	cfg := Config{
		Databases: []DatabaseSourceConfig{
			{Type: KindMySQL, Host: "db", User: "mc", Databases: []DatabaseEntry{{Name: "world"}}},
			{Type: "oracle", Host: "db", User: "mc", Databases: []DatabaseEntry{{Name: "world"}}},
		},
	}
	sources := Sources(cfg)
	require.Len(t, sources, 1)
	assert.Equal(t, KindMySQL, sources[0].Kind())
}
