package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"gate-event-core/internal/types"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ErrDuplicateKey is returned when an insert hits a unique constraint
var ErrDuplicateKey = errors.New("duplicate key")

// Config holds database configuration options
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// DB wraps the sqlx connection pool. Its query methods run outside any
// transaction; use InTx for atomic multi-statement work.
type DB struct {
	queries
	conn *sqlx.DB
}

// Open connects to the configured store and creates the schema
func Open(config Config) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	dsn := config.DSN
	if driver == DriverSQLite {
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			// immediate transactions serialize writers instead of failing on lock upgrade
			dsn += "?_journal_mode=WAL&_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
		}
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(config.MaxOpenConns)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		queries: queries{ext: conn},
		conn:    conn,
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the store is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// DriverName returns the driver the pool was opened with
func (db *DB) DriverName() string {
	return db.conn.DriverName()
}

// InTx runs fn inside one transaction. Any error returned by fn rolls the
// transaction back and is returned unchanged; begin and commit failures are
// returned as persistence failures.
func (db *DB) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return types.NewPersistenceError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	stx := &sqlTx{queries: queries{ext: tx}}
	if err := fn(stx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return types.NewPersistenceError("commit transaction", err)
	}
	for _, fn := range stx.committed {
		fn()
	}
	return nil
}

// sqlTx is the Tx handed to InTx callbacks
type sqlTx struct {
	queries
	committed []func()
}

// OnCommit queues fn to run once the transaction has committed
func (t *sqlTx) OnCommit(fn func()) {
	t.committed = append(t.committed, fn)
}

var (
	_ Queries = (*DB)(nil)
	_ Tx      = (*sqlTx)(nil)
)

// isUniqueViolation reports whether err came from a unique constraint on either driver
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
