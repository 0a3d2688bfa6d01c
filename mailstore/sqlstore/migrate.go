package sqlstore

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/courier/logger"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrator wraps a golang-migrate instance bound to its own connection pool.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator opens a dedicated connection to the database and prepares the
// embedded migrations for dialect. Close releases the connection.
func NewMigrator(dialect Dialect, dsn string) (*Migrator, error) {
	db, err := openDB(dialect, dsn)
	if err != nil {
		return nil, err
	}

	var (
		driver database.Driver
		name   string
	)
	switch dialect {
	case SQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
		name = "sqlite"
	case Postgres:
		driver, err = pgxv5.WithInstance(db, &pgxv5.Config{})
		name = "pgx5"
	default:
		err = fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrations, err := fs.Sub(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	source, err := iofs.New(migrations, ".")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, name, driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down reverts steps migrations.
func (mg *Migrator) Down(steps int) error {
	if err := mg.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version; 0 means no migration ran.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Migrate brings the schema of the database at dsn up to date.
func Migrate(dialect Dialect, dsn string) error {
	mg, err := NewMigrator(dialect, dsn)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil {
		return err
	}
	v, _, err := mg.Version()
	if err == nil {
		logger.Info("SQL store: schema up to date", "dialect", dialect, "version", v)
	}
	return err
}
