// Package migrations applies the embedded PostgreSQL schema with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrator runs schema migrations against one database.
type Migrator struct {
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// New creates a Migrator for the database at dsn.
//
// Precondition: dsn must be a postgres:// URL.
// Postcondition: Returns a Migrator that must be closed, or a non-nil error.
func New(dsn string, logger *zap.Logger) (*Migrator, error) {
	source, err := iofs.New(schemaFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return &Migrator{migrate: m, logger: logger}, nil
}

// Up applies all pending migrations. A dirty database is forced back to its
// recorded version first.
//
// Postcondition: The schema is at the latest version, or a non-nil error is returned.
func (m *Migrator) Up() error {
	if err := m.repairDirty(); err != nil {
		return err
	}
	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema already current")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, _, _ := m.migrate.Version()
	m.logger.Info("schema migrated", zap.Uint("version", version))
	return nil
}

// Steps applies n migrations forward (n > 0) or rolls back |n| (n < 0).
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrating %d steps: %w", n, err)
	}
	version, _, _ := m.migrate.Version()
	m.logger.Info("schema stepped", zap.Int("steps", n), zap.Uint("version", version))
	return nil
}

// Down rolls back every migration.
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	m.logger.Warn("schema rolled back")
	return nil
}

// Version returns the applied version and dirty flag. An empty database reports 0.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}

func (m *Migrator) repairDirty() error {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return fmt.Errorf("reading schema version: %w", err)
	}
	if !dirty {
		return nil
	}
	m.logger.Warn("schema is dirty, forcing recorded version", zap.Uint("version", version))
	if err := m.migrate.Force(int(version)); err != nil {
		return fmt.Errorf("forcing version %d: %w", version, err)
	}
	return nil
}
