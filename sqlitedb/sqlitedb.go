// Package sqlitedb opens the SQLite databases shared by the call log and the
// webhook store.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const busyTimeoutPragma = "_pragma=busy_timeout(5000)"

// Open opens dsn with the pure-Go sqlite driver, enables WAL mode and applies
// schema. Parent directories of file-backed databases are created. schema
// must be idempotent.
func Open(dsn, schema string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlitedb: dsn is required")
	}
	if err := EnsureParentDir(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", WithBusyTimeout(dsn))
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedb: set WAL mode: %w", err)
	}

	if schema != "" {
		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitedb: create schema: %w", err)
		}
	}
	return db, nil
}

// IsMemory reports whether dsn names an in-memory database.
func IsMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// EnsureParentDir creates the directory holding a file-backed database.
func EnsureParentDir(dsn string) error {
	if IsMemory(dsn) {
		return nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("sqlitedb: create directory %s: %w", dir, err)
	}
	return nil
}

// WithBusyTimeout makes writers wait for the lock instead of failing fast.
func WithBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + busyTimeoutPragma
	}
	return dsn + "?" + busyTimeoutPragma
}
