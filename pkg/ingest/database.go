package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

const (
	defaultMySQLPort    = 3306
	defaultPostgresPort = 5432
	connectTimeout      = 30 * time.Second
	maxConnectRetries   = 2
	dumpFileExtension   = ".sql"
)

// DatabaseSourceConfig describes a database server and the databases dumped from it.
type DatabaseSourceConfig struct {
	Type       Kind            `yaml:"type"`
	Host       string          `yaml:"host"`
	Port       int             `yaml:"port,omitempty"`
	User       string          `yaml:"user"`
	Password   string          `yaml:"password,omitempty"`
	SSL        bool            `yaml:"ssl"`
	Databases  []DatabaseEntry `yaml:"databases"`
	NameFormat string          `yaml:"nameFormat,omitempty"`
}

// DatabaseEntry is one database and the tables left out of its dump.
type DatabaseEntry struct {
	Name      string   `yaml:"name"`
	Blacklist []string `yaml:"blacklist,omitempty"`
}

func (c DatabaseSourceConfig) port() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.Type == KindPostgres {
		return defaultPostgresPort
	}
	return defaultMySQLPort
}

// dumper writes one database as SQL text.
type dumper interface {
	Dump(ctx context.Context, w io.Writer, skip func(table string) bool) error
	Close() error
}

// DatabaseSource dumps each configured database into {db}.sql.
type DatabaseSource struct {
	cfg  DatabaseSourceConfig
	open func(ctx context.Context, cfg DatabaseSourceConfig, database string) (dumper, error)
}

// NewDatabaseSource validates cfg and returns a DatabaseSource.
func NewDatabaseSource(cfg DatabaseSourceConfig) (*DatabaseSource, error) {
	var open func(ctx context.Context, cfg DatabaseSourceConfig, database string) (dumper, error)
	switch cfg.Type {
	case KindMySQL:
		open = openMySQL
	case KindPostgres:
		open = openPostgres
	default:
		return nil, fmt.Errorf("database: unknown type %q, must be %q or %q", cfg.Type, KindMySQL, KindPostgres)
	}
	if cfg.Host == "" {
		return nil, errors.New("database: host is required")
	}
	if cfg.User == "" {
		return nil, errors.New("database: user is required")
	}
	if len(cfg.Databases) == 0 {
		return nil, errors.New("database: databases is empty")
	}
	for _, db := range cfg.Databases {
		if db.Name == "" || strings.ContainsAny(db.Name, `/\`) {
			return nil, fmt.Errorf("database: invalid database name %q", db.Name)
		}
	}
	return &DatabaseSource{cfg: cfg, open: open}, nil
}

func (s *DatabaseSource) Kind() Kind         { return s.cfg.Type }
func (s *DatabaseSource) NameFormat() string { return s.cfg.NameFormat }

func (s *DatabaseSource) Addr() string {
	return net.JoinHostPort(s.cfg.Host, portString(s.cfg.port()))
}

func (s *DatabaseSource) Identity() []string {
	fields := []string{s.cfg.Host, portString(s.cfg.port()), s.cfg.User, s.cfg.Password}
	for _, db := range s.cfg.Databases {
		fields = append(fields, db.Name)
	}
	return fields
}

// Ingest dumps every database. A failing database is logged and the others
// continue; the source fails only when no database was dumped.
func (s *DatabaseSource) Ingest(ctx context.Context, stagingDir string) error {
	var errs []error
	for _, db := range s.cfg.Databases {
		for _, table := range db.Blacklist {
			plog.Info("Skipping blacklisted table", "addr", s.Addr(), "database", db.Name, "table", table)
		}
		if err := s.dumpDatabase(ctx, db, stagingDir); err != nil {
			plog.Warn("Database dump failed", "addr", s.Addr(), "database", db.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", db.Name, err))
			continue
		}
		plog.Notice("DUMP", "addr", s.Addr(), "database", db.Name)
	}
	if len(errs) == len(s.cfg.Databases) {
		return errors.Join(errs...)
	}
	return nil
}

func (s *DatabaseSource) dumpDatabase(ctx context.Context, db DatabaseEntry, stagingDir string) error {
	var d dumper
	op := func() error {
		var err error
		d, err = s.open(ctx, s.cfg, db.Name)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxConnectRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return err
	}
	defer d.Close()

	dst := filepath.Join(stagingDir, db.Name+dumpFileExtension)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserOnlyFilePerms)
	if err != nil {
		return err
	}
	skip := tableFilter(db.Blacklist)
	if err := d.Dump(ctx, f, skip); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}
	return f.Close()
}

// tableFilter matches a table either by its bare or its schema qualified name.
func tableFilter(names []string) func(table string) bool {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = struct{}{}
	}
	return func(table string) bool {
		t := strings.ToLower(table)
		if _, ok := set[t]; ok {
			return true
		}
		if i := strings.LastIndexByte(t, '.'); i >= 0 {
			_, ok := set[t[i+1:]]
			return ok
		}
		return false
	}
}
