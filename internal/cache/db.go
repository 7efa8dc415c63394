// Package cache provides the local persistence store for tasksync.
//
// This package implements the offline cache layer: every project the client
// knows about is stored as its own record so a single edit rewrites a single
// row, never the whole database.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrency support.
//
// Architecture:
//   - Database file: .tasksync/cache.db
//   - WAL mode: Concurrent readers during writes
//   - Schema: meta, records, record_index tables
//   - Indexes: (collection, name, value) for GetByIndex lookups
//
// When the database cannot be opened the store degrades to an in-memory
// backend so the engine keeps working without offline durability.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// migrations are applied in order on open. The database schema version is
// the number of migrations applied and is stored in meta.schema_version.
var migrations = []string{
	// 1: records and their index entries
	`
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);

	CREATE TABLE IF NOT EXISTS record_index (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (collection, key, name),
		FOREIGN KEY (collection, key) REFERENCES records(collection, key) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_record_index_lookup
	    ON record_index(collection, name, value);
	`,
	// 2: collection scans
	`
	CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection, updated_at);
	`,
}

// DB wraps the SQLite connection and implements Backend.
type DB struct {
	conn *sql.DB
	path string
}

// OpenDB creates a new database connection at the specified path and brings
// the schema up to date.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := cache.OpenDB(".tasksync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func OpenDB(path string) (*DB, error) {
	return OpenDBContext(context.Background(), path)
}

// OpenDBContext opens the database with context support.
func OpenDBContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout and foreign_keys are per-connection, so they ride on the
	// DSN and apply to every pooled connection.
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// SchemaVersion returns the number of schema migrations applied.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	return v, nil
}

// migrate applies every migration newer than the stored schema version.
// This is idempotent - safe to call multiple times.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply schema migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES ('schema_version', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit schema migration %d: %w", v+1, err)
		}
	}

	return nil
}

// Update implements Backend.Update.
func (db *DB) Update(ctx context.Context, fn func(Tx) error) error {
	return db.run(ctx, false, fn)
}

// View implements Backend.View.
func (db *DB) View(ctx context.Context, fn func(Tx) error) error {
	return db.run(ctx, true, fn)
}

func (db *DB) run(ctx context.Context, readOnly bool, fn func(Tx) error) error {
	if db.conn == nil {
		return fmt.Errorf("database is closed")
	}

	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqlTx implements Tx on top of a database/sql transaction.
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) Get(collection, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM records WHERE collection = ? AND key = ?`, collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (t *sqlTx) GetAll(collection string) ([]Record, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT key, value FROM records WHERE collection = ? ORDER BY key`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return scanRecords(rows)
}

func (t *sqlTx) GetByIndex(collection, index, value string) ([]Record, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT r.key, r.value
		FROM records r
		JOIN record_index i ON i.collection = r.collection AND i.key = r.key
		WHERE r.collection = ? AND i.name = ? AND i.value = ?
		ORDER BY r.key`, collection, index, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", collection, index, err)
	}
	return scanRecords(rows)
}

func (t *sqlTx) Put(collection, key string, value []byte, indexes map[string]string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO records (collection, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		collection, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", collection, key, err)
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM record_index WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("failed to clear index for %s/%s: %w", collection, key, err)
	}
	for name, v := range indexes {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO record_index (collection, key, name, value) VALUES (?, ?, ?, ?)`,
			collection, key, name, v); err != nil {
			return fmt.Errorf("failed to index %s/%s by %s: %w", collection, key, name, err)
		}
	}
	return nil
}

func (t *sqlTx) Delete(collection, key string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM record_index WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("failed to clear index for %s/%s: %w", collection, key, err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}
