package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectFor(t *testing.T) {
	for _, d := range []Driver{DriverSQLite, DriverPostgres, DriverMySQL} {
		dialect, err := DialectFor(d)
		require.NoError(t, err)
		assert.Equal(t, d, dialect.Name())
		assert.NotEmpty(t, dialect.Schema())
	}

	_, err := DialectFor("memory")
	assert.Error(t, err)
}

func TestPostgresDialect_InsertIgnore(t *testing.T) {
	d := PostgresDialect{}

	q := d.Rebind(d.InsertIgnore("visitor_ledger", []string{"hash", "first_seen_at"}, "hash"))
	assert.Equal(t, "INSERT INTO visitor_ledger (hash, first_seen_at) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING", q)
	assert.Equal(t, "pgx", d.DriverName())
}

func TestSQLiteDialect_InsertIgnore(t *testing.T) {
	d := SQLiteDialect{}

	q := d.Rebind(d.InsertIgnore("visitor_ledger", []string{"hash", "first_seen_at"}, "hash"))
	assert.Equal(t, "INSERT INTO visitor_ledger (hash, first_seen_at) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING", q)
	assert.Equal(t, "sqlite3", d.DriverName())
}

func TestMySQLDialect_InsertIgnore(t *testing.T) {
	d := MySQLDialect{}

	q := d.Rebind(d.InsertIgnore("visitor_ledger", []string{"hash", "first_seen_at"}, "hash"))
	assert.Equal(t, "INSERT IGNORE INTO visitor_ledger (hash, first_seen_at) VALUES (?, ?)", q)
	assert.Equal(t, "mysql", d.DriverName())
}

func TestRebind_MultiDigitPlaceholders(t *testing.T) {
	q := "VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"
	assert.Equal(t, "VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", MySQLDialect{}.Rebind(q))
	assert.Equal(t, q, PostgresDialect{}.Rebind(q))
}
