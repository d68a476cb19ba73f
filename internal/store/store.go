// Package store is the narrow relational store contract used by loaders,
// the ledger, the matcher and job history: parameterized statements,
// explicit transactions, commit and rollback.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// Config describes one store connection
type Config struct {
	Driver         Driver        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
}

// DefaultConfig returns a local sqlite configuration
func DefaultConfig() Config {
	return Config{
		Driver:         DriverSQLite,
		DSN:            "trustloader.db",
		ConnectRetries: 20,
		RetryInterval:  20 * time.Second,
		MaxOpenConns:   4,
	}
}

// Validate checks the store configuration
func (c Config) Validate() error {
	if _, err := DialectFor(c.Driver); err != nil {
		return err
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("store DSN cannot be empty")
	}
	if c.ConnectRetries < 1 {
		return fmt.Errorf("connect retries must be at least 1")
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("retry interval cannot be negative")
	}
	return nil
}

// DB is a connection pool bound to a dialect
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the store, retrying the initial ping ConnectRetries
// times, RetryInterval apart.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "store", cfg.Driver, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	dialect, _ := DialectFor(cfg.Driver)

	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	sqlDB, err := sql.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, apperrors.StoreError(apperrors.CodeConnectionFailed, "open", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:") {
		// every connection to :memory: is a different database
		sqlDB.SetMaxOpenConns(1)
	}

	var pingErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		if pingErr = sqlDB.PingContext(ctx); pingErr == nil {
			break
		}
		log.WithError(pingErr).WithFields(logger.Fields{
			"driver":  cfg.Driver,
			"attempt": attempt,
			"retries": cfg.ConnectRetries,
		}).Warn("Store connection failed")
		if attempt == cfg.ConnectRetries {
			break
		}
		select {
		case <-ctx.Done():
			sqlDB.Close()
			return nil, apperrors.StoreError(apperrors.CodeConnectionFailed, "connect", ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	if pingErr != nil {
		sqlDB.Close()
		return nil, apperrors.StoreError(apperrors.CodeConnectionFailed, "connect", pingErr)
	}

	return &DB{db: sqlDB, dialect: dialect}, nil
}

// sqliteDSN adds the pragmas needed for concurrent readers and a writer.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// New wraps an already opened pool
func New(db *sql.DB, driver Driver) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &DB{db: db, dialect: dialect}, nil
}

// Dialect returns the dialect of the pool
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Close closes the pool
func (d *DB) Close() error {
	return d.db.Close()
}

// Exec runs a statement outside any explicit transaction
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

// Query runs a query outside any explicit transaction
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row query
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

// Begin starts a transaction on its own pooled connection
func (d *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, dialect: d.dialect}, nil
}

// InTx runs fn in one transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnsureSchema runs CREATE statements in one transaction. It exists for
// local sqlite runs and tests; managed stores are provisioned separately.
func (d *DB) EnsureSchema(ctx context.Context, statements ...string) error {
	return d.InTx(ctx, func(tx *Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		return nil
	})
}

// Count returns the number of rows in table matching an optional predicate.
func (d *DB) Count(ctx context.Context, table, where string, args ...any) (int, error) {
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := d.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Tx is a transaction bound to a dialect
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Dialect returns the dialect of the transaction
func (t *Tx) Dialect() Dialect {
	return t.dialect
}

// Exec runs a statement inside the transaction
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// Query runs a query inside the transaction
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row query inside the transaction
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// Commit commits the transaction
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
