// Package db provides the SQLite storage layer for tidemark.
//
// Entities of every registered type live in one generic table keyed by
// (entity, id); their fields are stored as a type-tagged CBOR blob. The sync
// engine keeps its own bookkeeping next to them:
//
//   - sync_changes      - unsent local change records (insert/delete only)
//   - sync_groups       - subscribed visibility groups and their tidemarks
//   - sync_defunct      - tombstones for deleted entities
//   - sync_deferred     - incoming changes waiting for a dependency
//   - sync_field_clock  - (timestamp, device) of the last write per field
//   - sync_applied_ops  - record ids of applied increments (idempotency)
//   - entity_keys       - auto key sequence per entity type
//
// The database runs in WAL mode so readers proceed while a writer holds the
// store's write lock.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// SchemaVersion is written to PRAGMA user_version.
const SchemaVersion = 1

// DB wraps the SQL connection.
type DB struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates a new database connection at path and initializes the schema.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	store, err := db.Open(".tidemark/tidemark.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, logger *zap.Logger) (*DB, error) {
	return OpenContext(context.Background(), path, logger)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open(driverName, "file:"+path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, logger: logger}

	pragmas := []struct {
		stmt, what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB { return db.conn }

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the schema if it does not exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		entity TEXT NOT NULL,
		id TEXT NOT NULL,
		grp TEXT NOT NULL,
		fields BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (entity, id)
	);

	CREATE TABLE IF NOT EXISTS entity_keys (
		entity TEXT PRIMARY KEY,
		next INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_groups (
		name TEXT PRIMARY KEY,
		tidemark INTEGER NOT NULL DEFAULT 0,
		last_polled INTEGER NOT NULL DEFAULT 0,
		frequency_ms INTEGER NOT NULL DEFAULT 0,
		outstanding INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_changes (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		record_id TEXT NOT NULL,
		property TEXT NOT NULL DEFAULT '',
		op INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		device TEXT NOT NULL,
		grp TEXT NOT NULL,
		value BLOB
	);

	CREATE TABLE IF NOT EXISTS sync_defunct (
		entity TEXT NOT NULL,
		record_id TEXT NOT NULL,
		deleted_at INTEGER NOT NULL,
		PRIMARY KEY (entity, record_id)
	);

	CREATE TABLE IF NOT EXISTS sync_deferred (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		record_id TEXT NOT NULL,
		property TEXT NOT NULL DEFAULT '',
		op INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		device TEXT NOT NULL,
		grp TEXT NOT NULL,
		payload BLOB,
		retries INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_field_clock (
		entity TEXT NOT NULL,
		record_id TEXT NOT NULL,
		property TEXT NOT NULL,
		ts INTEGER NOT NULL,
		device TEXT NOT NULL,
		grp TEXT NOT NULL,
		PRIMARY KEY (entity, record_id, property)
	);

	CREATE TABLE IF NOT EXISTS sync_applied_ops (
		id TEXT PRIMARY KEY,
		grp TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_grp ON entities(grp);
	CREATE INDEX IF NOT EXISTS idx_changes_ts ON sync_changes(ts);
	CREATE INDEX IF NOT EXISTS idx_changes_record ON sync_changes(entity, record_id);
	CREATE INDEX IF NOT EXISTS idx_changes_grp ON sync_changes(grp);
	CREATE INDEX IF NOT EXISTS idx_deferred_grp ON sync_deferred(grp, ts);
	CREATE INDEX IF NOT EXISTS idx_field_clock_grp ON sync_field_clock(grp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction. All sync bookkeeping that must commit together
// with entity rows goes through a Tx.
type Tx struct {
	tx *sql.Tx
	q  querier
}

// Begin starts a transaction.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, q: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.tx == nil {
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is safe to call after Commit.
func (t *Tx) Rollback() error {
	if t.tx == nil {
		return nil
	}
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// WithTx runs fn in a transaction and commits if fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Exec runs a statement that has no typed helper, for tables owned by
// other packages.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.q.ExecContext(ctx, query, args...)
}

// Reader returns a non-transactional view over the connection pool for reads.
// Commit and Rollback on it are no-ops.
func (db *DB) Reader() *Tx {
	return &Tx{q: db.conn}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
