package relstore

import (
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate runs every pending migration against dsn. It is safe to call on
// every process start; migrate no-ops when the schema is already current.
func Migrate(dsn string) error {
	migrateURL, err := migrateDSN(dsn)
	if err != nil {
		return fmt.Errorf("relstore: %w", err)
	}

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("relstore: load migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("relstore: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("relstore: run migrations: %w", err)
	}
	return nil
}

// migrateDSN rewrites a postgres:// connection string to the pgx5://
// scheme golang-migrate's pgx/v5 database driver registers under.
func migrateDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		u.Scheme = "pgx5"
	}
	return u.String(), nil
}
