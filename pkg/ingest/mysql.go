package ingest

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// insertBatchRows bounds the rows of one INSERT statement.
const insertBatchRows = 100

type mysqlColumn struct {
	Name   string
	Binary bool
}

// mysqlCatalog is the read side of a MySQL dump. Snapshot is called once
// before any other read; every later read sees that snapshot.
type mysqlCatalog interface {
	Snapshot(ctx context.Context) (release func(), err error)
	Tables(ctx context.Context) ([]string, error)
	CreateTable(ctx context.Context, table string) (string, error)
	// ScanRows calls fn per row. A nil value is NULL. The row slice is reused
	// between calls.
	ScanRows(ctx context.Context, table string, fn func(cols []mysqlColumn, row [][]byte) error) error
}

// mysqlQueryer is satisfied by *sql.DB and *sql.Tx.
type mysqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type mysqlDumper struct {
	db       *sql.DB
	tx       *sql.Tx
	addr     string
	database string
}

func openMySQL(ctx context.Context, cfg DatabaseSourceConfig, database string) (dumper, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = (&DatabaseSource{cfg: cfg}).Addr()
	mc.DBName = database
	mc.Timeout = connectTimeout
	if cfg.SSL {
		mc.TLSConfig = "true"
	} else {
		mc.TLSConfig = "preferred"
	}

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql: invalid configuration: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to connect to %s: %w", mc.Addr, err)
	}
	return &mysqlDumper{db: db, addr: mc.Addr, database: database}, nil
}

func (d *mysqlDumper) Close() error { return d.db.Close() }

func (d *mysqlDumper) Dump(ctx context.Context, w io.Writer, skip func(string) bool) error {
	return dumpMySQL(ctx, w, d, d.addr, d.database, skip)
}

// Snapshot opens a REPEATABLE READ read-only transaction so all tables are
// read from the same point in time.
func (d *mysqlDumper) Snapshot(ctx context.Context) (func(), error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	d.tx = tx
	return func() {
		_ = tx.Rollback()
		d.tx = nil
	}, nil
}

func (d *mysqlDumper) q() mysqlQueryer {
	if d.tx != nil {
		return d.tx
	}
	return d.db
}

func (d *mysqlDumper) Tables(ctx context.Context) ([]string, error) {
	rows, err := d.q().QueryContext(ctx, "SHOW FULL TABLES WHERE Table_type = 'BASE TABLE'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (d *mysqlDumper) CreateTable(ctx context.Context, table string) (string, error) {
	var name, ddl string
	err := d.q().QueryRowContext(ctx, "SHOW CREATE TABLE "+quoteMySQLIdent(table)).Scan(&name, &ddl)
	return ddl, err
}

func (d *mysqlDumper) ScanRows(ctx context.Context, table string, fn func([]mysqlColumn, [][]byte) error) error {
	rows, err := d.q().QueryContext(ctx, "SELECT * FROM "+quoteMySQLIdent(table))
	if err != nil {
		return err
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	cols := make([]mysqlColumn, len(types))
	for i, t := range types {
		tn := t.DatabaseTypeName()
		cols[i] = mysqlColumn{Name: t.Name(), Binary: strings.Contains(tn, "BLOB") || strings.Contains(tn, "BINARY")}
	}

	// []byte keeps NULL (nil) apart from the empty string.
	row := make([][]byte, len(cols))
	dest := make([]any, len(cols))
	for i := range row {
		dest[i] = &row[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		if err := fn(cols, row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// dumpMySQL writes a restorable SQL script: schema then batched INSERTs per table.
func dumpMySQL(ctx context.Context, out io.Writer, cat mysqlCatalog, addr, database string, skip func(string) bool) error {
	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "-- PGL-ServerBackup MySQL dump\n-- Host: %s  Database: %s\n-- Dumped at: %s\n\n",
		addr, database, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprint(w, "SET NAMES utf8mb4;\nSET FOREIGN_KEY_CHECKS=0;\n\n")

	release, err := cat.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("mysql: failed to start snapshot transaction: %w", err)
	}
	defer release()

	tables, err := cat.Tables(ctx)
	if err != nil {
		return fmt.Errorf("mysql: failed to list tables: %w", err)
	}
	for _, table := range tables {
		if skip(table) {
			continue
		}
		ddl, err := cat.CreateTable(ctx, table)
		if err != nil {
			return fmt.Errorf("mysql: failed to read schema of %s: %w", table, err)
		}
		fmt.Fprintf(w, "DROP TABLE IF EXISTS %s;\n%s;\n\n", quoteMySQLIdent(table), ddl)

		if err := writeMySQLInserts(ctx, w, cat, table); err != nil {
			return fmt.Errorf("mysql: failed to dump rows of %s: %w", table, err)
		}
	}
	fmt.Fprint(w, "SET FOREIGN_KEY_CHECKS=1;\n")
	return w.Flush()
}

func writeMySQLInserts(ctx context.Context, w *bufio.Writer, cat mysqlCatalog, table string) error {
	n := 0
	err := cat.ScanRows(ctx, table, func(cols []mysqlColumn, row [][]byte) error {
		if n%insertBatchRows == 0 {
			if n > 0 {
				w.WriteString(";\n")
			}
			names := make([]string, len(cols))
			for i, c := range cols {
				names[i] = quoteMySQLIdent(c.Name)
			}
			fmt.Fprintf(w, "INSERT INTO %s (%s) VALUES\n", quoteMySQLIdent(table), strings.Join(names, ","))
		} else {
			w.WriteString(",\n")
		}
		w.WriteByte('(')
		for i, v := range row {
			if i > 0 {
				w.WriteByte(',')
			}
			w.WriteString(mysqlLiteral(v, cols[i].Binary))
		}
		w.WriteByte(')')
		n++
		return nil
	})
	if err != nil {
		return err
	}
	if n > 0 {
		w.WriteString(";\n\n")
	}
	return nil
}

func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// mysqlLiteral renders a value as a SQL literal. Binary values use hex.
func mysqlLiteral(v []byte, binary bool) string {
	if v == nil {
		return "NULL"
	}
	if binary {
		if len(v) == 0 {
			return "''"
		}
		return "X'" + hex.EncodeToString(v) + "'"
	}
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('\'')
	for _, c := range v {
		switch c {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
