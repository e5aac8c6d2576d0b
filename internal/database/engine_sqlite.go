// ABOUTME: SQLite engine storing every realm key in a single ordered kv table
// ABOUTME: WAL mode gives snapshot reads alongside the realm's single writer

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteEngine struct {
	db     *sql.DB
	logger *slog.Logger
}

// openSQLite opens or creates the realm file at path.
func openSQLite(path string, logger *slog.Logger) (*sqliteEngine, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating storage directory: %w", ErrConfig, err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrConfig, path, err)
	}

	schema := `CREATE TABLE IF NOT EXISTS kv (
		k BLOB PRIMARY KEY,
		v BLOB NOT NULL
	) WITHOUT ROWID`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema in %s: %w", ErrConfig, path, err)
	}

	logger.Info("SQLite realm store opened", "path", path)
	return &sqliteEngine{db: db, logger: logger}, nil
}

func (e *sqliteEngine) begin(ctx context.Context, writable bool) (kvTxn, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLiteError("beginning transaction", err)
	}
	if !writable {
		// Pin the WAL snapshot now rather than at the first real read.
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM kv LIMIT 1").Scan(&one)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			tx.Rollback()
			return nil, classifySQLiteError("pinning snapshot", err)
		}
	}
	return &sqliteTxn{ctx: ctx, tx: tx, writable: writable}, nil
}

func (e *sqliteEngine) close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("%w: closing: %w", ErrIO, err)
	}
	return nil
}

type sqliteTxn struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
	done     bool
}

func (t *sqliteTxn) get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, "SELECT v FROM kv WHERE k = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifySQLiteError("reading key", err)
	}
	return value, true, nil
}

func (t *sqliteTxn) put(key, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		key, value)
	if err != nil {
		return classifySQLiteError("writing key", err)
	}
	return nil
}

func (t *sqliteTxn) delete(key []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM kv WHERE k = ?", key); err != nil {
		return classifySQLiteError("deleting key", err)
	}
	return nil
}

// scan buffers the matching rows before calling fn so callers may issue
// further statements on the same transaction while iterating.
func (t *sqliteTxn) scan(start, end []byte, fn func(key, value []byte) bool) error {
	var (
		rows *sql.Rows
		err  error
	)
	if end == nil {
		rows, err = t.tx.QueryContext(t.ctx, "SELECT k, v FROM kv WHERE k >= ? ORDER BY k", start)
	} else {
		rows, err = t.tx.QueryContext(t.ctx, "SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k", start, end)
	}
	if err != nil {
		return classifySQLiteError("scanning keys", err)
	}
	defer rows.Close()

	var items []kvItem
	for rows.Next() {
		var item kvItem
		if err := rows.Scan(&item.key, &item.value); err != nil {
			return classifySQLiteError("scanning keys", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return classifySQLiteError("scanning keys", err)
	}
	rows.Close()

	for _, item := range items {
		if !fn(item.key, item.value) {
			break
		}
	}
	return nil
}

func (t *sqliteTxn) commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return classifySQLiteError("committing", err)
	}
	return nil
}

func (t *sqliteTxn) rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classifySQLiteError("rolling back", err)
	}
	return nil
}

// classifySQLiteError maps driver errors onto the store's taxonomy. Lock
// contention from another process surfaces as a retryable conflict.
func classifySQLiteError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %s: %w", ErrConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
