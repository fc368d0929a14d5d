package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roniherschmann/go-visitors/internal/metrics"
)

// SQLConfig describes how to open a SQL-backed store.
type SQLConfig struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQL keeps the ledger and counters in a relational database. A visit is
// one transaction: a unique-key insert into visitor_ledger followed by an
// in-place increment of the visitor_stats row.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ Store       = (*SQL)(nil)
	_ VisitLogger = (*SQL)(nil)
)

func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// OpenSQL opens, tunes and pings the database described by cfg.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if dialect.Name() == DriverMySQL {
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name(), err)
	}

	// Connection pool tuning
	db.SetMaxOpenConns(positive(cfg.MaxOpenConns, 25))
	db.SetMaxIdleConns(positive(cfg.MaxIdleConns, 25))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if dialect.Name() == DriverSQLite {
		// SQLite has a single writer; queue on the pool instead of on SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name(), err)
	}
	return NewSQL(db, dialect), nil
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() Dialect { return s.dialect }

// Migrate ensures the schema exists and the stats row is seeded.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	seed := s.dialect.Rebind(s.dialect.InsertIgnore("visitor_stats",
		[]string{"id", "total_unique_visitors", "total_page_views", "last_updated"}, "id"))
	if _, err := s.db.ExecContext(ctx, seed, 1, 0, 0, time.Now().UTC()); err != nil {
		return fmt.Errorf("seed visitor_stats: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, committing on nil and rolling back on
// any error.
func (s *SQL) WithTx(ctx context.Context, fn func(tx *SQLTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&SQLTx{tx: sqlTx, dialect: s.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQL) RecordVisit(ctx context.Context, hash string, at time.Time) (Visit, error) {
	start := time.Now()
	var v Visit
	err := s.WithTx(ctx, func(tx *SQLTx) error {
		var err error
		v, err = recordVisit(ctx, tx, hash, at)
		return err
	})
	metrics.ObserveStoreOp("record_visit", start, err)
	if err != nil {
		return Visit{}, err
	}
	return v, nil
}

func (s *SQL) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	snap, err := readSnapshot(ctx, s.db, s.dialect)
	metrics.ObserveStoreOp("read_snapshot", start, err)
	return snap, err
}

func (s *SQL) FirstSeen(ctx context.Context, hash string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT first_seen_at FROM visitor_ledger WHERE hash = $1`), hash).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at.UTC(), true, nil
}

func (s *SQL) InsertVisit(ctx context.Context, ev VisitEvent) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO visits(id, hash, page, client_ts, is_new, created_at) VALUES($1, $2, $3, $4, $5, $6)`),
		ev.ID.String(), ev.Hash, ev.Page, ev.ClientTimestamp, ev.IsNew, ev.At.UTC())
	metrics.ObserveStoreOp("insert_visit", start, err)
	return err
}

// CountVisits returns the number of rows in the visit log.
func (s *SQL) CountVisits(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits`).Scan(&n)
	return n, err
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// SQLTx is the ledger and counters bound to one database transaction.
type SQLTx struct {
	tx      *sql.Tx
	dialect Dialect
}

var _ Tx = (*SQLTx)(nil)

func (t *SQLTx) Observe(ctx context.Context, hash string, at time.Time) (bool, error) {
	q := t.dialect.Rebind(t.dialect.InsertIgnore("visitor_ledger", []string{"hash", "first_seen_at"}, "hash"))
	res, err := t.tx.ExecContext(ctx, q, hash, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *SQLTx) ApplyVisit(ctx context.Context, isNew bool, at time.Time) (Snapshot, error) {
	var unique int64
	if isNew {
		unique = 1
	}
	res, err := t.tx.ExecContext(ctx, t.dialect.Rebind(`
		UPDATE visitor_stats
		SET total_page_views = total_page_views + 1,
			total_unique_visitors = total_unique_visitors + $1,
			last_updated = $2
		WHERE id = 1`), unique, at.UTC())
	if err != nil {
		return Snapshot{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Snapshot{}, ErrNotSeeded
	}
	return readSnapshot(ctx, t.tx, t.dialect)
}

func (t *SQLTx) ReadSnapshot(ctx context.Context) (Snapshot, error) {
	return readSnapshot(ctx, t.tx, t.dialect)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readSnapshot(ctx context.Context, q queryRower, d Dialect) (Snapshot, error) {
	var out Snapshot
	err := q.QueryRowContext(ctx, d.Rebind(
		`SELECT total_unique_visitors, total_page_views, last_updated FROM visitor_stats WHERE id = $1`), 1).
		Scan(&out.TotalUniqueVisitors, &out.TotalPageViews, &out.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotSeeded
	}
	if err != nil {
		return Snapshot{}, err
	}
	out.LastUpdated = out.LastUpdated.UTC()
	return out, nil
}
