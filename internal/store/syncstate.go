package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SyncState holds the per-device drain cursor.
type SyncState struct {
	DeviceID            string
	LastDrainedSequence int64
	LastSyncAt          *time.Time
	SyncDisabled        bool
}

// SyncStateInfo returns the current sync state, or nil if the device has
// never been initialized.
func (s *Store) SyncStateInfo() (*SyncState, error) {
	var (
		st       SyncState
		lastSync sql.NullString
		disabled int
	)
	err := s.conn.QueryRow(`
		SELECT device_id, last_drained_sequence, last_sync_at, sync_disabled
		FROM sync_state LIMIT 1
	`).Scan(&st.DeviceID, &st.LastDrainedSequence, &lastSync, &disabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	if t, err := scanNullableTime(lastSync); err != nil {
		return nil, fmt.Errorf("parse last_sync_at: %w", err)
	} else if !t.IsZero() {
		st.LastSyncAt = &t
	}
	st.SyncDisabled = disabled != 0
	return &st, nil
}

// InitSyncState creates or replaces the device's sync state row.
func (s *Store) InitSyncState(deviceID string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO sync_state (device_id, last_drained_sequence, sync_disabled)
			VALUES (?, 0, 0)
		`, deviceID)
		return err
	})
}

// UpdateDrained records the highest drained sequence and stamps the sync time.
func (s *Store) UpdateDrained(lastSequence int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE sync_state SET last_drained_sequence = ?, last_sync_at = ?
		`, lastSequence, formatTime(time.Now().UTC()))
		return err
	})
}

// TouchSyncTime stamps last_sync_at without moving the cursor (empty drain).
func (s *Store) TouchSyncTime() error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE sync_state SET last_sync_at = ?`, formatTime(time.Now().UTC()))
		return err
	})
}

// SetSyncDisabled flips the administrative sync switch.
func (s *Store) SetSyncDisabled(disabled bool) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE sync_state SET sync_disabled = ?`, boolInt(disabled))
		return err
	})
}

// Conflict is one remote-wins overwrite, kept for audit and support.
type Conflict struct {
	ID            int64
	EntityType    string
	EntityID      string
	LocalData     json.RawMessage
	RemoteData    json.RawMessage
	OverwrittenAt time.Time
}

// RecordConflict appends to the conflict log.
func (s *Store) RecordConflict(c Conflict) error {
	if c.OverwrittenAt.IsZero() {
		c.OverwrittenAt = time.Now().UTC()
	}
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sync_conflicts (entity_type, entity_id, local_data, remote_data, overwritten_at)
			VALUES (?, ?, ?, ?, ?)
		`, c.EntityType, c.EntityID, nullableJSON(c.LocalData), nullableJSON(c.RemoteData), formatTime(c.OverwrittenAt))
		if err != nil {
			return fmt.Errorf("record conflict %s/%s: %w", c.EntityType, c.EntityID, err)
		}
		return nil
	})
}

// RecentConflicts returns recent conflicts, most recent first.
func (s *Store) RecentConflicts(limit int) ([]Conflict, error) {
	rows, err := s.conn.Query(`
		SELECT id, entity_type, entity_id, COALESCE(local_data, 'null'), COALESCE(remote_data, 'null'), overwritten_at
		FROM sync_conflicts
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var (
			c          Conflict
			local, rem string
			ts         string
		)
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &local, &rem, &ts); err != nil {
			return nil, err
		}
		c.LocalData = json.RawMessage(local)
		c.RemoteData = json.RawMessage(rem)
		if c.OverwrittenAt, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// PruneConflicts deletes rows not in the newest maxRows entries.
func (s *Store) PruneConflicts(maxRows int) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM sync_conflicts WHERE id NOT IN (
				SELECT id FROM sync_conflicts ORDER BY id DESC LIMIT ?
			)
		`, maxRows)
		return err
	})
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
