package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type pgTable struct {
	Schema string
	Name   string
}

func (t pgTable) String() string { return t.Schema + "." + t.Name }

func (t pgTable) ident() string { return pgx.Identifier{t.Schema, t.Name}.Sanitize() }

// pgCatalog is the read side of a PostgreSQL dump. Snapshot is called once
// before any other read; every later read sees that snapshot.
type pgCatalog interface {
	Snapshot(ctx context.Context) (release func(), err error)
	Tables(ctx context.Context) ([]pgTable, error)
	Columns(ctx context.Context, t pgTable) ([]string, error)
	// CopyOut streams the table in COPY text format.
	CopyOut(ctx context.Context, w io.Writer, t pgTable) error
}

type postgresDumper struct {
	conn     *pgx.Conn
	tx       pgx.Tx
	addr     string
	database string
}

func postgresConnString(cfg DatabaseSourceConfig, database string) string {
	q := url.Values{}
	if cfg.SSL {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "prefer")
	}
	q.Set("connect_timeout", strconv.Itoa(int(connectTimeout/time.Second)))
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     (&DatabaseSource{cfg: cfg}).Addr(),
		Path:     "/" + database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func openPostgres(ctx context.Context, cfg DatabaseSourceConfig, database string) (dumper, error) {
	conn, err := pgx.Connect(ctx, postgresConnString(cfg, database))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}
	return &postgresDumper{conn: conn, addr: (&DatabaseSource{cfg: cfg}).Addr(), database: database}, nil
}

func (d *postgresDumper) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.conn.Close(ctx)
}

func (d *postgresDumper) Dump(ctx context.Context, w io.Writer, skip func(string) bool) error {
	return dumpPostgres(ctx, w, d, d.addr, d.database, skip)
}

// Snapshot opens a REPEATABLE READ read-only transaction so all tables are
// copied from the same point in time.
func (d *postgresDumper) Snapshot(ctx context.Context) (func(), error) {
	tx, err := d.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	d.tx = tx
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tx.Rollback(rctx)
		d.tx = nil
	}, nil
}

func (d *postgresDumper) Tables(ctx context.Context) ([]pgTable, error) {
	rows, err := d.tx.Query(ctx, `SELECT table_schema, table_name FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[pgTable])
}

func (d *postgresDumper) Columns(ctx context.Context, t pgTable) ([]string, error) {
	rows, err := d.tx.Query(ctx, `SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`, t.Schema, t.Name)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (d *postgresDumper) CopyOut(ctx context.Context, w io.Writer, t pgTable) error {
	_, err := d.tx.Conn().PgConn().CopyTo(ctx, w, "COPY "+t.ident()+" TO STDOUT")
	return err
}

// dumpPostgres writes the data of every table as COPY FROM stdin blocks.
func dumpPostgres(ctx context.Context, out io.Writer, cat pgCatalog, addr, database string, skip func(string) bool) error {
	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "-- PGL-ServerBackup PostgreSQL data dump\n-- Host: %s  Database: %s\n-- Dumped at: %s\n\n",
		addr, database, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprint(w, "SET client_encoding = 'UTF8';\n\n")

	release, err := cat.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to start snapshot transaction: %w", err)
	}
	defer release()

	tables, err := cat.Tables(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to list tables: %w", err)
	}
	for _, t := range tables {
		if skip(t.String()) {
			continue
		}
		cols, err := cat.Columns(ctx, t)
		if err != nil {
			return fmt.Errorf("postgres: failed to read columns of %s: %w", t, err)
		}
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		fmt.Fprintf(w, "COPY %s (%s) FROM stdin;\n", t.ident(), strings.Join(quoted, ", "))
		if err := cat.CopyOut(ctx, w, t); err != nil {
			return fmt.Errorf("postgres: failed to copy %s: %w", t, err)
		}
		fmt.Fprint(w, "\\.\n\n")
	}
	return w.Flush()
}
