// ABOUTME: Embedded schema migrations applied through golang-migrate
// ABOUTME: One migration set serves both the SQLite and Postgres dialects

package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewMigrator returns a migrator bound to its own connection. Closing the
// migrator closes that connection.
func NewMigrator(driver, dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}

	var (
		db        *sql.DB
		dbDriver  database.Driver
		dbName    string
		openError error
	)
	switch driver {
	case DialectSQLite, "":
		db, openError = sql.Open("sqlite", dsn)
		if openError == nil {
			dbDriver, openError = sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
		}
		dbName = DialectSQLite
	case DialectPostgres:
		db, openError = sql.Open("pgx", dsn)
		if openError == nil {
			dbDriver, openError = pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
		}
		dbName = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if openError != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("opening migration driver: %w", openError)
	}

	m, err := migrate.NewWithInstance("iofs", src, dbName, dbDriver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// migrateUp applies every pending migration.
func migrateUp(driver, dsn string) error {
	m, err := NewMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrationDSN returns the connection string the migrator expects for a driver.
func MigrationDSN(driver, pathOrDSN string) string {
	if driver == DialectSQLite || driver == "" {
		return sqliteDSN(pathOrDSN)
	}
	return pathOrDSN
}
