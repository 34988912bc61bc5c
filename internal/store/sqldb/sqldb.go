// Package sqldb implements the store interfaces over a SQL database.
// Postgres (pgx) is the production backend; SQLite (modernc, pure Go) serves
// single-node and dev deployments. Queries are written with `?` binds and
// rebound per driver. State-machine transitions are conditional updates so a
// lost race surfaces as a domain error instead of a silent overwrite.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrTimeout marks a persistence call that exceeded its deadline. Callers
// see it instead of a hung request.
var ErrTimeout = errors.New("sqldb: persistence timeout")

const defaultTimeout = 5 * time.Second

// Store is the SQL-backed implementation of every store interface.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to the database named by dsn. postgres:// DSNs select pgx;
// anything else is treated as a SQLite file path.
func Open(dsn string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "pgx"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "pgx" {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	} else {
		// SQLite: one writer, WAL for concurrent readers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(5 * time.Minute)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL;",
			"PRAGMA synchronous = NORMAL;",
			"PRAGMA foreign_keys = ON;",
			"PRAGMA busy_timeout = 5000;",
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
	}
	return &Store{db: db, timeout: timeout}, nil
}

// NewFromDB wraps an existing connection, for tests.
func NewFromDB(db *sql.DB, driverName string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{db: sqlx.NewDb(db, driverName), timeout: timeout}
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for the readiness probe.
func (s *Store) DB() *sql.DB { return s.db.DB }

// DBX exposes the sqlx handle for the migration manager.
func (s *Store) DBX() *sqlx.DB { return s.db }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func wrapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
