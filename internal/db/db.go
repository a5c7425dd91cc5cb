// Package db keeps the run history: one row per pipeline run plus an event
// log of stage transitions and test command results.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the run-history database connection.
type DB struct {
	conn    *sql.DB
	dialect string
}

// Open opens the database for driver ("sqlite" or "postgres"). For sqlite
// the DSN is a file path; its directory is created if needed.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, "":
		return openSQLite(dsn)
	case DriverPostgres:
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &DB{conn: conn, dialect: DriverSQLite}, nil
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn, dialect: DriverPostgres}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Dialect returns the driver the database was opened with.
func (d *DB) Dialect() string {
	return d.dialect
}

// rebind rewrites ? placeholders to $N for postgres.
func (d *DB) rebind(query string) string {
	if d.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(query string, args ...interface{}) (sql.Result, error) {
	return d.conn.Exec(d.rebind(query), args...)
}

func (d *DB) query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.conn.Query(d.rebind(query), args...)
}

const tablesV1 = `
CREATE TABLE IF NOT EXISTS runs (
    run_id       TEXT PRIMARY KEY,
    issue        INTEGER NOT NULL,
    title        TEXT,
    outcome      TEXT NOT NULL,
    reason       TEXT,
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    revisions    INTEGER NOT NULL DEFAULT 0,
    pr_url       TEXT,
    run_dir      TEXT,
    cost_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at   TEXT NOT NULL,
    finished_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_issue ON runs(issue, started_at);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          %[1]s,
    run_id      TEXT NOT NULL,
    issue       INTEGER NOT NULL,
    event       TEXT NOT NULL,
    stage       TEXT,
    attempt     INTEGER,
    detail      TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_run ON pipeline_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_pipeline_issue ON pipeline_events(issue, timestamp);

CREATE TABLE IF NOT EXISTS check_runs (
    id          %[1]s,
    run_id      TEXT NOT NULL,
    issue       INTEGER NOT NULL,
    attempt     INTEGER NOT NULL,
    check_name  TEXT NOT NULL,
    passed      BOOLEAN NOT NULL,
    exit_code   INTEGER,
    duration_ms INTEGER,
    summary     TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_check_run ON check_runs(run_id, attempt);
`

// schema returns the dialect-specific DDL.
func (d *DB) schema() string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(tablesV1, id)
}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var count int
	err := d.conn.QueryRow(d.rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), 1).Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// One statement per Exec so both drivers report the failing statement.
	for _, stmt := range strings.Split(d.schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(d.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), 1, now()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"check_runs", "pipeline_events", "runs", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
