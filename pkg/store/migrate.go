package store

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/neuralcore/engine/pkg/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending embedded migration to db. It is idempotent:
// goose tracks applied versions in its own bookkeeping table.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return core.NewEngineError("store.Migrate", "storage", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return core.NewEngineError("store.Migrate", "storage", err)
	}
	return nil
}
