package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// MigratePostgres applies the embedded Postgres migrations.
func MigratePostgres(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/postgres"); err != nil {
		return fmt.Errorf("failed to apply postgres migrations: %w", err)
	}
	return nil
}

// MigrateSQLite applies the embedded SQLite migrations.
func MigrateSQLite(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/sqlite"); err != nil {
		return fmt.Errorf("failed to apply sqlite migrations: %w", err)
	}
	return nil
}
