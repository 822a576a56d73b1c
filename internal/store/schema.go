package store

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records the last
// applied index + 1. New schema changes append a statement block here.
var migrations = []string{
	// v1: entity cache, outbox, sync state, conflict log
	`
CREATE TABLE IF NOT EXISTS entity_cache (
    entity_type TEXT NOT NULL,
    local_id    TEXT NOT NULL,
    remote_id   TEXT NOT NULL DEFAULT '',
    scope_id    TEXT NOT NULL DEFAULT '',
    payload     JSON NOT NULL DEFAULT '{}',
    version     INTEGER NOT NULL DEFAULT 0,
    updated_at  TEXT NOT NULL,
    fetched_at  TEXT,
    dirty       INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_type, local_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_cache_remote
    ON entity_cache(entity_type, remote_id) WHERE remote_id != '';
CREATE INDEX IF NOT EXISTS idx_entity_cache_scope ON entity_cache(entity_type, scope_id);
CREATE INDEX IF NOT EXISTS idx_entity_cache_dirty ON entity_cache(dirty) WHERE dirty = 1;

CREATE TABLE IF NOT EXISTS outbox (
    sequence        INTEGER PRIMARY KEY AUTOINCREMENT,
    op_id           TEXT NOT NULL UNIQUE,
    entity_type     TEXT NOT NULL,
    target_id       TEXT NOT NULL,
    op_kind         TEXT NOT NULL,
    payload         JSON NOT NULL DEFAULT '{}',
    idempotency_key TEXT NOT NULL UNIQUE,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    next_attempt_at TEXT,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, sequence);
CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, target_id);

CREATE TABLE IF NOT EXISTS sync_state (
    device_id             TEXT PRIMARY KEY,
    last_drained_sequence INTEGER NOT NULL DEFAULT 0,
    last_sync_at          TEXT,
    sync_disabled         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type    TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    local_data     JSON,
    remote_data    JSON,
    overwritten_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_time ON sync_conflicts(overwritten_at);
`,
}

// migrate applies any migrations newer than the database's user_version.
func (s *Store) migrate() error {
	var version int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	for i := version; i < len(migrations); i++ {
		err := s.withWriteTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(migrations[i]); err != nil {
				return fmt.Errorf("migration v%d: %w", i+1, err)
			}
			// PRAGMA cannot be parameterized
			if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
				return fmt.Errorf("set user_version %d: %w", i+1, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
