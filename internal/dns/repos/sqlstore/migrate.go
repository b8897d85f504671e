package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/haukened/dnsgate/internal/dns/repos/sqlstore/migrations"
)

// Migrate applies the embedded migrations in direction ("up" or "down").
// It runs on a dedicated connection pool so closing the migrator never
// closes the store's pool. Reaching the target version is not an error.
func (s *Store) Migrate(direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	src, err := iofs.New(migrations.FS, s.dialect.name)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	db, err := sql.Open(s.dialect.driverName, s.dsn)
	if err != nil {
		return fmt.Errorf("migrate open: %w", err)
	}

	var target migratedb.Driver
	switch s.dialect {
	case postgresDialect:
		target, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		target, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	}
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect.name, target)
	if err != nil {
		_ = target.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
