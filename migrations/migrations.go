// Package migrations embeds the EPG schema migrations (channels, programs,
// the time-range index) and applies them with goose. The service runs them
// on startup; cmd/migrate drives them manually.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS holds the embedded guide-schema migration files.
//
//go:embed *.sql
var FS embed.FS

// Run applies all pending schema migrations to the EPG database.
func Run(db *sql.DB) error {
	goose.SetBaseFS(FS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
