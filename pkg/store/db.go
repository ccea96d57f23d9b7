// Package store provides the shared persistence substrate used by every
// federation service: accounts, endpoints, endpoint token pairs, and the
// in-memory pending-enrollment map (spec §3, §4.4).
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL driver backing a service's store. Every
// federation service defaults to embedded SQLite (spec §6: "service.db");
// a postgres:// DATABASE_URL selects Postgres instead. The tables in this
// package are portable, but the Hub's own tables are not: hub.Migrate uses
// SQLite-only DDL (AUTOINCREMENT) and the Hub stores read ids through
// LastInsertId, which lib/pq does not support.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Open opens (and, for sqlite, creates) the database at dsn and runs the
// shared substrate migrations.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	driver := "sqlite"
	if dialect == DialectPostgres {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	if err := migrate(db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}
