package storage

import (
	"database/sql"
	"fmt"
)

var migrations = []string{
	// Migration 1: Initial schema
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id                TEXT PRIMARY KEY,
		owner_id          TEXT NOT NULL,
		name              TEXT NOT NULL,
		alert_type        TEXT NOT NULL CHECK(alert_type IN ('threshold', 'percentage')),
		threshold_value   REAL NOT NULL,
		recipients        TEXT NOT NULL DEFAULT '[]',
		is_active         INTEGER NOT NULL DEFAULT 1,
		last_triggered_at DATETIME,
		created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rules_owner ON alert_rules(owner_id);
	CREATE INDEX IF NOT EXISTS idx_rules_active ON alert_rules(is_active);

	CREATE TABLE IF NOT EXISTS afes (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL,
		afe_number    TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		budget_amount REAL NOT NULL DEFAULT 0.0,
		spent_amount  REAL NOT NULL DEFAULT 0.0,
		status        TEXT NOT NULL DEFAULT 'active',
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_afes_owner ON afes(owner_id);
	CREATE INDEX IF NOT EXISTS idx_afes_status ON afes(status);

	CREATE TABLE IF NOT EXISTS alert_logs (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		envelope_id TEXT NOT NULL,
		rule_id     TEXT NOT NULL,
		severity    TEXT NOT NULL CHECK(severity IN ('warning', 'critical')),
		message     TEXT NOT NULL,
		utilization REAL NOT NULL DEFAULT 0.0,
		metadata    TEXT DEFAULT '{}',
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_logs_envelope ON alert_logs(envelope_id);
	CREATE INDEX IF NOT EXISTS idx_logs_rule ON alert_logs(rule_id);
	CREATE INDEX IF NOT EXISTS idx_logs_created ON alert_logs(created_at);

	CREATE TABLE IF NOT EXISTS processing_errors (
		id         TEXT PRIMARY KEY,
		batch_id   TEXT NOT NULL,
		rule_id    TEXT NOT NULL DEFAULT '',
		stage      TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB) error {
	// Ensure migration tracking table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
