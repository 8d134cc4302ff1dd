package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id VARCHAR(36) PRIMARY KEY,
		external_code VARCHAR(128) NOT NULL,
		holder_name VARCHAR(255),
		category VARCHAR(128),
		status VARCHAR(32),
		created_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_external_code ON tickets (external_code)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_tickets_active_code ON tickets (external_code)
		WHERE status IS NULL OR status <> 'completed'`,
	`CREATE TABLE IF NOT EXISTS ticket_updates (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_updates_ts ON ticket_updates (ts)`,
}

// MySQL has no partial indexes; active-code uniqueness is checked by the
// service before insert.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		external_code VARCHAR(128) NOT NULL,
		holder_name VARCHAR(255) NULL,
		category VARCHAR(128) NULL,
		status VARCHAR(32) NULL,
		created_at DATETIME(6) NULL,
		started_at DATETIME(6) NULL,
		completed_at DATETIME(6) NULL,
		INDEX idx_tickets_status (status),
		INDEX idx_tickets_external_code (external_code)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS ticket_updates (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		ts DATETIME(6) NOT NULL,
		INDEX idx_ticket_updates_ts (ts)
	) ENGINE=InnoDB`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		external_code TEXT NOT NULL,
		holder_name TEXT,
		category TEXT,
		status TEXT,
		created_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_external_code ON tickets (external_code)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_tickets_active_code ON tickets (external_code)
		WHERE status IS NULL OR status <> 'completed'`,
	`CREATE TABLE IF NOT EXISTS ticket_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_updates_ts ON ticket_updates (ts)`,
}

// SchemaStatements returns the DDL for driver, one statement per entry.
func SchemaStatements(driver string) ([]string, error) {
	switch NormalizeDriver(driver) {
	case DriverPostgres:
		return postgresSchema, nil
	case DriverMySQL:
		return mysqlSchema, nil
	case DriverSQLite:
		return sqliteSchema, nil
	}
	return nil, fmt.Errorf("no schema for driver %q", driver)
}

// Migrate creates the ticket and change-marker tables if they are missing.
// Statements run one at a time since MySQL rejects multi-statement Exec by default.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	stmts, err := SchemaStatements(db.DriverName())
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
