package database

import (
	"fmt"
)

// migrate creates the schema. Every statement is idempotent and portable
// across sqlite3 and postgres.
func (db *DB) migrate() error {
	migrations := []string{
		createCamerasTable,
		createVehiclesTable,
		createVehicleEntriesTable,
		createApprovalsTable,
		createAuditLogTable,
		createAlertsTable,
	}
	migrations = append(migrations, createIndexes...)

	for i, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	return nil
}

const createCamerasTable = `
CREATE TABLE IF NOT EXISTS cameras (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    location TEXT NOT NULL DEFAULT '',
    direction TEXT NOT NULL CHECK (direction IN ('entry', 'exit')),
    credential_hash TEXT NOT NULL,
    last_seen_at TIMESTAMP NULL,
    status TEXT NOT NULL DEFAULT 'OFFLINE' CHECK (status IN ('ONLINE', 'OFFLINE')),
    created_at TIMESTAMP NOT NULL
)`

const createVehiclesTable = `
CREATE TABLE IF NOT EXISTS vehicles (
    id TEXT PRIMARY KEY,
    plate TEXT NOT NULL UNIQUE,
    owner_name TEXT NOT NULL DEFAULT '',
    registered BOOLEAN NOT NULL DEFAULT TRUE,
    blocked BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL
)`

const createVehicleEntriesTable = `
CREATE TABLE IF NOT EXISTS vehicle_entries (
    id TEXT PRIMARY KEY,
    plate TEXT NOT NULL,
    vehicle_id TEXT NOT NULL DEFAULT '',
    camera_id TEXT NOT NULL DEFAULT '',
    entry_time TIMESTAMP NOT NULL,
    exit_time TIMESTAMP NULL,
    state TEXT NOT NULL CHECK (state IN ('ENTERED', 'AWAITING_APPROVAL', 'APPROVED', 'DENIED', 'EXITED', 'FLAGGED')),
    source TEXT NOT NULL CHECK (source IN ('CCTV', 'MANUAL')),
    image_ref TEXT NOT NULL DEFAULT '',
    approval_reason TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
)`

const createApprovalsTable = `
CREATE TABLE IF NOT EXISTS approvals (
    id TEXT PRIMARY KEY,
    entry_id TEXT NOT NULL REFERENCES vehicle_entries(id),
    channel TEXT NOT NULL,
    token TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'DENIED', 'EXPIRED')),
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    responded_at TIMESTAMP NULL
)`

const createAuditLogTable = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '{}',
    source_ip TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
)`

const createAlertsTable = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    camera_id TEXT NOT NULL DEFAULT '',
    entry_id TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP NULL
)`

var createIndexes = []string{
	// at most one open visit per plate
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_vehicle_entries_open_plate ON vehicle_entries(plate) WHERE state NOT IN ('DENIED', 'EXITED')`,
	`CREATE INDEX IF NOT EXISTS idx_vehicle_entries_state ON vehicle_entries(state)`,
	`CREATE INDEX IF NOT EXISTS idx_vehicle_entries_entry_time ON vehicle_entries(entry_time)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_entry_id ON approvals(entry_id)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status_expires ON approvals(status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at)`,
	// at most one open alert per kind and subject
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open_subject ON alerts(kind, camera_id, entry_id) WHERE is_resolved = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_cameras_status ON cameras(status)`,
}
