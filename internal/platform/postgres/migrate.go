package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationSource exposes the embedded schema migrations.
func MigrationSource() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationsFS,
		Root:       "migrations",
	}
}

// Migrate applies all pending up migrations and returns how many ran.
func Migrate(db *sql.DB) (int, error) {
	if db == nil {
		return 0, errors.New("db is required")
	}
	n, err := migrate.Exec(db, "postgres", MigrationSource(), migrate.Up)
	if err != nil {
		return 0, fmt.Errorf("migrate: %w", err)
	}
	return n, nil
}
