// Package storydb persists Story and Step rows to SQLite: WAL
// journaling, a single writer connection (SQLite only supports one
// writer at a time), and a versioned schema applied on open.
package storydb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"aura/pkg/logx"
)

var dbLogger = logx.NewLogger("storydb")

// DB is a handle to the Story/Step store. It is an instance, not a
// process-wide singleton: a host may construct one per run, which keeps
// cmd/aura-server free of global mutable state.
type DB struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path and
// brings its schema up to CurrentSchemaVersion.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// SQLite only supports one writer at a time; serializing all writes
	// through a single connection avoids SQLITE_BUSY under concurrent
	// Step Runner invocations.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database %s: %w", path, err)
	}

	dbLogger.Info("opened database at %s (schema v%d)", path, CurrentSchemaVersion)
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error including a panic recovered by the caller's caller.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			dbLogger.Warn("rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
