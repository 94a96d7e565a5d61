package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-serverbackup/pkg/blacklist"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/sftpclient"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// SFTPSourceConfig describes a remote file tree fetched over SFTP.
type SFTPSourceConfig struct {
	sftpclient.Config `yaml:",inline"`
	BaseDirectory     string            `yaml:"baseDirectory,omitempty"`
	BackupList        []SFTPBackupEntry `yaml:"backupList"`
	NameFormat        string            `yaml:"nameFormat,omitempty"`
}

// SFTPBackupEntry is one remote sub-path and the globs excluded below it.
type SFTPBackupEntry struct {
	Path      string   `yaml:"path"`
	Blacklist []string `yaml:"blacklist,omitempty"`
}

// SFTPSource mirrors remote directories into the staging folder.
type SFTPSource struct {
	cfg  SFTPSourceConfig
	dial func(ctx context.Context, cfg sftpclient.Config) (*sftpclient.Client, error)
}

// NewSFTPSource validates cfg and returns an SFTPSource.
func NewSFTPSource(cfg SFTPSourceConfig) (*SFTPSource, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.BackupList) == 0 {
		return nil, errors.New("sftp: backupList is empty")
	}
	for _, e := range cfg.BackupList {
		if err := blacklist.Validate(e.Blacklist); err != nil {
			return nil, fmt.Errorf("sftp: backup entry %q: %w", e.Path, err)
		}
	}
	return &SFTPSource{cfg: cfg, dial: sftpclient.Dial}, nil
}

func (s *SFTPSource) Kind() Kind         { return KindSFTP }
func (s *SFTPSource) Addr() string       { return s.cfg.Addr() }
func (s *SFTPSource) NameFormat() string { return s.cfg.NameFormat }

func (s *SFTPSource) Identity() []string {
	return []string{s.cfg.Host, portString(s.cfg.Port), s.cfg.User, s.cfg.Password, s.cfg.BaseDirectory}
}

// Ingest downloads every backup entry. Failed files are logged and skipped;
// only a failed connection fails the source.
func (s *SFTPSource) Ingest(ctx context.Context, stagingDir string) error {
	client, err := s.dial(ctx, s.cfg.Config)
	if err != nil {
		return err
	}
	defer client.Close()

	var failed int
	for _, entry := range s.cfg.BackupList {
		n, err := s.ingestEntry(ctx, client, entry, stagingDir)
		if err != nil {
			return err
		}
		failed += n
	}
	if failed > 0 {
		plog.Warn("Some remote files could not be downloaded", "addr", s.Addr(), "failed", failed)
	}
	return nil
}

// remoteBase joins the base directory and the entry path.
func (s *SFTPSource) remoteBase(entry SFTPBackupEntry) string {
	if s.cfg.BaseDirectory == "" {
		return path.Clean(entry.Path)
	}
	return path.Join(s.cfg.BaseDirectory, entry.Path)
}

// ingestEntry walks one remote sub-path and returns the number of failed files.
func (s *SFTPSource) ingestEntry(ctx context.Context, client *sftpclient.Client, entry SFTPBackupEntry, stagingDir string) (int, error) {
	bl, err := blacklist.Compile(entry.Blacklist)
	if err != nil {
		return 0, err
	}
	base := s.remoteBase(entry)
	localBase := filepath.Join(stagingDir, util.DenormalizePath(util.LocationDir(entry.Path)))

	var failed int
	walker := client.Walk(base)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if err := walker.Err(); err != nil {
			plog.Warn("Skipping unreadable remote entry", "addr", s.Addr(), "path", walker.Path(), "error", err)
			failed++
			continue
		}
		if !walker.Stat().Mode().IsRegular() {
			continue
		}

		rel := remoteRel(base, walker.Path())
		if bl.Match(rel) != nil {
			continue
		}

		dst := filepath.Join(localBase, util.DenormalizePath(rel))
		if err := download(client, walker.Path(), dst); err != nil {
			plog.Warn("Failed to download remote file", "addr", s.Addr(), "path", walker.Path(), "error", err)
			failed++
			continue
		}
		plog.Notice("DOWNLOAD", "addr", s.Addr(), "path", walker.Path())
	}
	bl.LogHits(entry.Path)
	return failed, nil
}

// remoteRel returns p relative to base. A base that is itself a file yields its name.
func remoteRel(base, p string) string {
	if p == base {
		return path.Base(p)
	}
	if base == "." {
		return p
	}
	return strings.TrimPrefix(p, strings.TrimSuffix(base, "/")+"/")
}

func download(client *sftpclient.Client, remote, dst string) error {
	src, err := client.Open(remote)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
