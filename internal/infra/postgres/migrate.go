package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/siteguard/api/pkg/migrations"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies all pending schema migrations.
func Migrate(ctx context.Context, db *DB) (int, error) {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	return migrations.NewRunner(db.DB, fsys).Up(ctx)
}
