// Package ingest pulls external sources into local staging folders so the
// archive engine can treat them as ordinary targets.
//
// Each source is staged into {sourceRoot}/external-backups/{kind}-{hash},
// where the hash covers the connection identity and what is fetched. The
// same configuration therefore always reuses the same folder. A failing
// source is logged and left out of the run; other sources and the
// configured targets are not affected.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/identity"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// StagingDirName is the folder below the source root holding every staging folder.
const StagingDirName = "external-backups"

// Kind is the staging name prefix of a source type.
type Kind string

const (
	KindSFTP     Kind = "sftp"
	KindMySQL    Kind = "mysql"
	KindPostgres Kind = "postgres"
)

// Source is one external system that can be copied into a staging folder.
type Source interface {
	Kind() Kind
	// Addr is host:port, used in log lines.
	Addr() string
	// Identity lists the fields hashed into the staging folder name.
	Identity() []string
	NameFormat() string
	// Ingest fills stagingDir. It returns an error only when nothing usable
	// was fetched; partial failures are logged by the source.
	Ingest(ctx context.Context, stagingDir string) error
}

// Target is the synthesized backup target of a staged source.
type Target struct {
	Location   string
	NameFormat string
	Kind       Kind
	Addr       string
}

// Stager stages sources below one source root.
type Stager struct {
	sourceRoot string
}

// NewStager returns a Stager writing below sourceRoot/external-backups.
func NewStager(sourceRoot string) *Stager {
	return &Stager{sourceRoot: sourceRoot}
}

// Dir returns the staging root.
func (s *Stager) Dir() string {
	return filepath.Join(s.sourceRoot, StagingDirName)
}

// Location returns the target location src is staged under, relative to the
// source root. It is stable for an unchanged source configuration.
func Location(src Source) (string, error) {
	name, err := identity.StagingName(string(src.Kind()), src.Identity()...)
	if err != nil {
		return "", fmt.Errorf("failed to derive staging folder: %w", err)
	}
	return path.Join(StagingDirName, name), nil
}

// Stage ingests src into its staging folder and returns the synthesized target.
// Leftovers from an earlier run are removed first.
func (s *Stager) Stage(ctx context.Context, src Source) (Target, error) {
	location, err := Location(src)
	if err != nil {
		return Target{}, err
	}
	dir := filepath.Join(s.sourceRoot, util.DenormalizePath(location))
	if err := os.RemoveAll(dir); err != nil {
		return Target{}, fmt.Errorf("failed to clear staging folder %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return Target{}, fmt.Errorf("failed to create staging folder %s: %w", dir, err)
	}

	start := time.Now()
	plog.Info("External backup started", "kind", string(src.Kind()), "addr", src.Addr())
	if err := src.Ingest(ctx, dir); err != nil {
		return Target{}, err
	}
	plog.Info("External backup complete", "kind", string(src.Kind()), "addr", src.Addr(),
		"duration", time.Since(start).Round(time.Millisecond))

	nameFormat := src.NameFormat()
	if nameFormat == "" {
		nameFormat = pathcompression.DefaultNameFormat
	}
	return Target{
		Location:   location,
		NameFormat: nameFormat,
		Kind:       src.Kind(),
		Addr:       src.Addr(),
	}, nil
}

// StageAll stages every source in order. Failed sources are logged and skipped.
func (s *Stager) StageAll(ctx context.Context, sources []Source) []Target {
	var targets []Target
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		t, err := s.Stage(ctx, src)
		if err != nil {
			plog.Warn("External backup failed", "kind", string(src.Kind()), "addr", src.Addr(), "error", err)
			continue
		}
		targets = append(targets, t)
	}
	return targets
}

// Cleanup removes the staging root.
func (s *Stager) Cleanup() error {
	return os.RemoveAll(s.Dir())
}

// Config lists the configured external sources.
type Config struct {
	SFTP      []SFTPSourceConfig     `yaml:"sftp"`
	Databases []DatabaseSourceConfig `yaml:"databases"`
}

// Sources builds a Source per configured entry, SFTP sources first.
// Entries that fail validation are logged and skipped.
func Sources(cfg Config) []Source {
	var out []Source
	for _, c := range cfg.SFTP {
		src, err := NewSFTPSource(c)
		if err != nil {
			plog.Warn("External source disabled, configuration is invalid", "kind", string(KindSFTP), "error", err)
			continue
		}
		out = append(out, src)
	}
	for _, c := range cfg.Databases {
		src, err := NewDatabaseSource(c)
		if err != nil {
			plog.Warn("External source disabled, configuration is invalid", "kind", string(c.Type), "error", err)
			continue
		}
		out = append(out, src)
	}
	return out
}

func portString(port int) string {
	return strconv.Itoa(port)
}
