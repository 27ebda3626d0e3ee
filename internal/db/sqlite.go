package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns bounds the read-only pool. WAL mode lets these proceed
	// alongside the single writer.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write side of a SQLite database: one connection, WAL
// journaling, foreign keys on. The file and its directory are created when
// missing.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer connection serializes writes and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: a small pool of read-only connections
// reading from WAL snapshots. journal_mode and synchronous are database-level
// settings already applied by the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// prepareSQLitePath resolves the path and makes sure the directory and file
// exist, so the read-only open cannot race file creation.
func prepareSQLitePath(dbPath string) (string, error) {
	path := absSQLitePath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return path, file.Close()
}

func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
