// Package migrations embeds the goose schema migrations for both supported
// backends and exposes two entry points, one per engine, since the SQL
// dialects (booleans-as-integers and TEXT-encoded JSON for sqlite vs native
// BOOLEAN and JSONB for postgres) are not identical.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// RunSQLite applies every pending sqlite migration against db.
func RunSQLite(db *sql.DB) error {
	goose.SetBaseFS(sqliteFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "sqlite")
}

// RunPostgres applies every pending postgres migration against db. db must
// be a database/sql handle over the pgx stdlib driver
// (pgx/v5/stdlib.OpenDBFromPool), since goose speaks database/sql rather
// than the native pgx pool interface.
func RunPostgres(db *sql.DB) error {
	goose.SetBaseFS(postgresFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "postgres")
}
