package store

import (
	"database/sql"
	"fmt"
)

// migration is one versioned schema change. Migrations are applied in order
// inside a transaction and recorded in schema_migrations.
type migration struct {
	version string
	sql     string
}

var migrations = []migration{
	{
		version: "000001_create_sessions",
		sql: `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			working_dir TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			forked_from TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_used_at TEXT NOT NULL
		)`,
	},
	{
		version: "000002_index_last_used",
		sql:     `CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions (last_used_at DESC)`,
	},
}

// migrate runs all pending migrations.
func migrate(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(db, m.version)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			continue
		}
		if err := executeMigration(db, m.version, m.sql); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", m.version, err)
		}
	}

	return nil
}

func createMigrationsTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)
	`
	_, err := db.Exec(query)
	return err
}

func isMigrationApplied(db *sql.DB, version string) (bool, error) {
	var count int
	query := "SELECT COUNT(*) FROM schema_migrations WHERE version = ?"
	err := db.QueryRow(query, version).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func executeMigration(db *sql.DB, version, content string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(content); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return err
	}

	return tx.Commit()
}
