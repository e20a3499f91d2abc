// ABOUTME: Opens the SQLite database the scheduler stores events and sync state in
// ABOUTME: Applies WAL, busy timeout, and foreign keys, then ensures the schema
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// OpenDatabase opens (creating if needed) the database at path and ensures
// the schema exists. The connection pool is capped at one connection; the
// CLI and webhook server may touch the same file.
func OpenDatabase(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	database, err := sql.Open("sqlite3", path+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.SetMaxOpenConns(1)

	if err := InitSchema(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}
