package store

import "database/sql"

// migrate creates the shared substrate tables if absent. Every federation
// service (Hub, Builder, Repository Manager) runs this against its own
// service.db — there is no cross-service schema sharing, only the same
// logical entities replicated per spec §3.
func migrate(db *sql.DB, dialect Dialect) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			username TEXT NOT NULL,
			email TEXT NOT NULL,
			public_key TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_seen_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			host_url TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			account_id TEXT NOT NULL,
			description TEXT,
			work_status TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS endpoint_tokens (
			endpoint_id TEXT PRIMARY KEY,
			bearer_token TEXT NOT NULL,
			access_token TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
