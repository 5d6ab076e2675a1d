package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/duochat/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Changed bool
}

// ErrDirtySchema means a previous migration failed half way.
var ErrDirtySchema = errors.New("state database schema is dirty")

// Migrate runs all pending migrations. A dirty schema is reported instead of
// being forced, so the user can inspect or delete the file.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	if _, dirty, err := m.Version(); err == nil && dirty {
		return nil, ErrDirtySchema
	}

	changed := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		changed = false
	} else if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{Version: version, Changed: changed}, nil
}
