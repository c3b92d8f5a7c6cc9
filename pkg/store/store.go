// Package store provides sqlite-backed repositories for credential
// pools and learned workflows, plus a directory watcher that ingests
// workflow documents dropped in by external tools.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS pools (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	strategy TEXT NOT NULL,
	policy TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	pool_id TEXT NOT NULL REFERENCES pools(id),
	label TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	weight INTEGER NOT NULL DEFAULT 1,
	quota_used INTEGER NOT NULL DEFAULT 0,
	quota_limit INTEGER NOT NULL DEFAULT 0,
	quota_reset_at TIMESTAMP NOT NULL,
	cooldown_until TIMESTAMP,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_used_at TIMESTAMP,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_members_pool ON members(pool_id);

CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	platform TEXT NOT NULL,
	task_type TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	steps TEXT NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	provenance TEXT NOT NULL,
	last_success_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_platform ON workflows(platform, task_type);
`

// Open opens (or creates) the sqlite database and bootstraps the schema
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
