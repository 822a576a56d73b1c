package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/careloop/caresync/internal/events"
)

// CacheStats is a read-only aggregate of what is available offline.
type CacheStats struct {
	Entities    map[events.EntityType]int64
	PendingSync int64 // pending + in-flight outbox entries
	FailedSync  int64
}

// Stats counts cached entities per type and outstanding outbox entries.
func (s *Store) Stats() (*CacheStats, error) {
	stats := &CacheStats{Entities: make(map[events.EntityType]int64)}

	rows, err := s.conn.Query(`SELECT entity_type, COUNT(*) FROM entity_cache GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		var n int64
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		stats.Entities[events.EntityType(et)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.PendingSync, err = s.CountOperations(events.StatusPending, events.StatusInFlight); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if stats.FailedSync, err = s.CountOperations(events.StatusFailed); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}
	return stats, nil
}

// Evict drops visit-scoped rows older than the cutoff. Dirty rows and rows
// with outbox entries are never evicted; reference data is exempt since it
// is small and always wanted offline. Returns the number of rows removed.
func (s *Store) Evict(olderThan time.Time) (int64, error) {
	var removed int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM entity_cache
			WHERE entity_type != ?
			  AND dirty = 0
			  AND updated_at < ?
			  AND NOT EXISTS (
				SELECT 1 FROM outbox
				WHERE outbox.entity_type = entity_cache.entity_type
				  AND outbox.target_id = entity_cache.local_id
			  )
		`, string(events.EntityReferenceRecords), formatTime(olderThan))
		if err != nil {
			return fmt.Errorf("evict: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
