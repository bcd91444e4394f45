package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version int
	SQL     string
}

// migrations defines all database migrations. Statements must run on both
// PostgreSQL and SQLite.
var migrations = []Migration{
	{Version: 1, SQL: `
	CREATE TABLE IF NOT EXISTS benchmark_histories (
		environment_id TEXT PRIMARY KEY,
		version BIGINT NOT NULL,
		document TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`},
	{Version: 2, SQL: `CREATE INDEX IF NOT EXISTS idx_histories_updated_at ON benchmark_histories(updated_at DESC)`},
}

// RunMigrations applies every migration not yet recorded in schema_migrations
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect, log logrus.FieldLogger) error {
	log = log.WithField("component", "migration")

	if err := createMigrationTable(ctx, db); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	for _, migration := range migrations {
		applied, err := isMigrationApplied(ctx, db, dialect, migration.Version)
		if err != nil {
			return err
		}

		if applied {
			log.WithField("version", migration.Version).Debug("Migration already applied")
			continue
		}

		log.WithField("version", migration.Version).Info("Applying migration")
		if err := applyMigration(ctx, db, dialect, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func createMigrationTable(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	_, err := db.ExecContext(ctx, query)
	return err
}

func isMigrationApplied(ctx context.Context, db *sql.DB, dialect Dialect, version int) (bool, error) {
	var count int
	query := dialect.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`)
	if err := db.QueryRowContext(ctx, query, version).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check migration %d: %w", version, err)
	}
	return count > 0, nil
}

func applyMigration(ctx context.Context, db *sql.DB, dialect Dialect, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	record := dialect.rebind(`INSERT INTO schema_migrations (version) VALUES ($1)`)
	if _, err := tx.ExecContext(ctx, record, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
