package store

import (
	"fmt"
	"strings"
)

// Driver identifies a SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// Dialect hides the SQL differences between the supported backends.
// Queries are written with PostgreSQL placeholders ($1, $2, ...) and
// rebound at runtime.
type Dialect interface {
	Name() Driver
	// DriverName is the database/sql driver to open.
	DriverName() string
	// Rebind converts $n placeholders to the dialect's form.
	Rebind(query string) string
	// InsertIgnore builds an INSERT that silently skips rows whose
	// conflictColumn already exists.
	InsertIgnore(table string, columns []string, conflictColumn string) string
	// Schema returns the idempotent DDL for the ledger, stats and visits tables.
	Schema() []string
}

// DialectFor returns the dialect for d.
func DialectFor(d Driver) (Dialect, error) {
	switch d {
	case DriverSQLite:
		return SQLiteDialect{}, nil
	case DriverPostgres:
		return PostgresDialect{}, nil
	case DriverMySQL:
		return MySQLDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", d)
	}
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

// questionMarks replaces $n placeholders with ?. Higher indexes go first so
// $12 is not read as $1 followed by 2.
func questionMarks(query string) string {
	for i := 20; i >= 1; i-- {
		query = strings.ReplaceAll(query, fmt.Sprintf("$%d", i), "?")
	}
	return query
}

// PostgresDialect covers PostgreSQL and CockroachDB.
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (PostgresDialect) Name() Driver       { return DriverPostgres }
func (PostgresDialect) DriverName() string { return "pgx" }

func (PostgresDialect) Rebind(query string) string { return query }

func (PostgresDialect) InsertIgnore(table string, columns []string, conflictColumn string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(columns, ", "), placeholders(len(columns)), conflictColumn)
}

func (PostgresDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS visitor_stats (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			total_unique_visitors BIGINT NOT NULL DEFAULT 0 CHECK (total_unique_visitors >= 0),
			total_page_views BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL,
			CHECK (total_page_views >= total_unique_visitors)
		)`,
		`CREATE TABLE IF NOT EXISTS visitor_ledger (
			hash CHAR(64) PRIMARY KEY,
			first_seen_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS visits (
			id VARCHAR(36) PRIMARY KEY,
			hash CHAR(64) NOT NULL,
			page TEXT NOT NULL,
			client_ts TEXT NOT NULL DEFAULT '',
			is_new BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_visits_created_at ON visits(created_at)`,
	}
}

// SQLiteDialect is the default single-node backend.
type SQLiteDialect struct{}

var _ Dialect = SQLiteDialect{}

func (SQLiteDialect) Name() Driver       { return DriverSQLite }
func (SQLiteDialect) DriverName() string { return "sqlite3" }

func (SQLiteDialect) Rebind(query string) string { return questionMarks(query) }

func (SQLiteDialect) InsertIgnore(table string, columns []string, conflictColumn string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
		table, strings.Join(columns, ", "), placeholders(len(columns)), conflictColumn)
}

func (SQLiteDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS visitor_stats (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			total_unique_visitors INTEGER NOT NULL DEFAULT 0 CHECK (total_unique_visitors >= 0),
			total_page_views INTEGER NOT NULL DEFAULT 0,
			last_updated DATETIME NOT NULL,
			CHECK (total_page_views >= total_unique_visitors)
		);`,
		`CREATE TABLE IF NOT EXISTS visitor_ledger (
			hash TEXT PRIMARY KEY,
			first_seen_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS visits (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			page TEXT NOT NULL,
			client_ts TEXT NOT NULL DEFAULT '',
			is_new INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_visits_created_at ON visits(created_at);`,
	}
}

// MySQLDialect covers MySQL 8 and Vitess.
type MySQLDialect struct{}

var _ Dialect = MySQLDialect{}

func (MySQLDialect) Name() Driver       { return DriverMySQL }
func (MySQLDialect) DriverName() string { return "mysql" }

func (MySQLDialect) Rebind(query string) string { return questionMarks(query) }

func (MySQLDialect) InsertIgnore(table string, columns []string, _ string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (MySQLDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS visitor_stats (
			id TINYINT PRIMARY KEY,
			total_unique_visitors BIGINT NOT NULL DEFAULT 0,
			total_page_views BIGINT NOT NULL DEFAULT 0,
			last_updated DATETIME(6) NOT NULL,
			CONSTRAINT chk_singleton CHECK (id = 1),
			CONSTRAINT chk_unique_non_negative CHECK (total_unique_visitors >= 0),
			CONSTRAINT chk_views_cover_unique CHECK (total_page_views >= total_unique_visitors)
		)`,
		`CREATE TABLE IF NOT EXISTS visitor_ledger (
			hash CHAR(64) PRIMARY KEY,
			first_seen_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS visits (
			id CHAR(36) PRIMARY KEY,
			hash CHAR(64) NOT NULL,
			page VARCHAR(2048) NOT NULL,
			client_ts VARCHAR(64) NOT NULL DEFAULT '',
			is_new BOOLEAN NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_visits_created_at (created_at)
		)`,
	}
}
