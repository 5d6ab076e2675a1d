// Package store persists client state in SQLite: credentials, the last
// selected conversation and a cache of the user directory.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the profile's state.db connection.
type DB struct {
	*sql.DB
}

// Open creates a SQLite connection with WAL mode and a busy timeout.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// OpenMigrated opens path and applies pending migrations.
func OpenMigrated(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
