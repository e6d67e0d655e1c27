package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SchemaVersion is the migration state of a Postgres snapshot database.
type SchemaVersion struct {
	Version uint
	Dirty   bool
}

func (v SchemaVersion) String() string {
	if v.Dirty {
		return fmt.Sprintf("%d (dirty)", v.Version)
	}
	return fmt.Sprintf("%d", v.Version)
}

func migrator(dbx *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(dbx, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "postgres", driver)
}

func readVersion(m *migrate.Migrate) (SchemaVersion, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return SchemaVersion{}, nil
	}
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("read schema version: %w", err)
	}
	return SchemaVersion{Version: v, Dirty: dirty}, nil
}

// Migrate brings the snapshot schema up to date. A database left dirty by an
// interrupted migration is an error.
func Migrate(dbx *sql.DB) error {
	m, err := migrator(dbx)
	if err != nil {
		return err
	}
	log := slog.With(slog.String("component", "db_migrate"))
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	v, err := readVersion(m)
	if err != nil {
		return err
	}
	if v.Dirty {
		return fmt.Errorf("snapshot schema dirty at version %d; fix it by hand and force the version", v.Version)
	}
	log.Info("snapshot schema ready", slog.Uint64("version", uint64(v.Version)))
	return nil
}

// Rollback reverts the newest migration. It is a no-op on an empty schema.
func Rollback(dbx *sql.DB) error {
	m, err := migrator(dbx)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}

// Version reports the applied migration version. An unmigrated database is
// version 0.
func Version(dbx *sql.DB) (SchemaVersion, error) {
	m, err := migrator(dbx)
	if err != nil {
		return SchemaVersion{}, err
	}
	return readVersion(m)
}
