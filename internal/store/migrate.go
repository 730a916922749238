package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/andydixon/metricsdeck/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunMigrations applies pending schema migrations. It is idempotent.
func RunMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logging.Warn().Err(srcErr).Msg("failed to close migration source")
		}
		if dbErr != nil {
			logging.Warn().Err(dbErr).Msg("failed to close migration database")
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logging.Info().Msg("no migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, _ := m.Version()
	logging.Info().Uint("version", version).Msg("applied migrations")
	return nil
}
