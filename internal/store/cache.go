package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/careloop/caresync/internal/events"
)

const entityColumns = `entity_type, local_id, remote_id, scope_id, payload, version, updated_at, fetched_at, dirty`

// scanEntity reads one entity_cache row.
func scanEntity(scan func(dest ...any) error) (*CachedEntity, error) {
	var (
		e         CachedEntity
		et        string
		payload   string
		updatedAt string
		fetchedAt sql.NullString
		dirty     int
	)
	if err := scan(&et, &e.LocalID, &e.RemoteID, &e.ScopeID, &payload, &e.Version, &updatedAt, &fetchedAt, &dirty); err != nil {
		return nil, err
	}
	e.EntityType = events.EntityType(et)
	e.Payload = []byte(payload)
	e.Dirty = dirty != 0

	var err error
	if e.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if e.FetchedAt, err = scanNullableTime(fetchedAt); err != nil {
		return nil, fmt.Errorf("parse fetched_at: %w", err)
	}
	return &e, nil
}

// Read returns the cached entity with the given local id, or ErrNotFound.
func (s *Store) Read(entityType events.EntityType, localID string) (*CachedEntity, error) {
	row := s.conn.QueryRow(
		`SELECT `+entityColumns+` FROM entity_cache WHERE entity_type = ? AND local_id = ?`,
		string(entityType), localID,
	)
	e, err := scanEntity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", entityType, localID, err)
	}
	return e, nil
}

// ReadByRemoteID returns the cached entity with the given remote id, or
// ErrNotFound. Needed once the server has assigned canonical ids.
func (s *Store) ReadByRemoteID(entityType events.EntityType, remoteID string) (*CachedEntity, error) {
	if remoteID == "" {
		return nil, ErrNotFound
	}
	row := s.conn.QueryRow(
		`SELECT `+entityColumns+` FROM entity_cache WHERE entity_type = ? AND remote_id = ?`,
		string(entityType), remoteID,
	)
	e, err := scanEntity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s by remote id %s: %w", entityType, remoteID, err)
	}
	return e, nil
}

// Predicate narrows a Query. Zero-value fields are ignored.
type Predicate struct {
	DirtyOnly    bool
	ScopeID      string
	UpdatedSince time.Time
	Limit        int
}

// Query returns cached entities of one type matching the predicate, ordered
// by local id for stable iteration.
func (s *Store) Query(entityType events.EntityType, p Predicate) ([]CachedEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM entity_cache WHERE entity_type = ?`
	args := []any{string(entityType)}

	if p.DirtyOnly {
		query += ` AND dirty = 1`
	}
	if p.ScopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, p.ScopeID)
	}
	if !p.UpdatedSince.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, formatTime(p.UpdatedSince))
	}
	query += ` ORDER BY local_id ASC`
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", entityType, err)
	}
	defer rows.Close()

	var entities []CachedEntity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", entityType, err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// upsertEntityTx writes one cache row inside tx.
func upsertEntityTx(tx *sql.Tx, e *CachedEntity, dirty bool) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	dirtyVal := 0
	if dirty {
		dirtyVal = 1
	}

	_, err := tx.Exec(`
		INSERT INTO entity_cache (entity_type, local_id, remote_id, scope_id, payload, version, updated_at, fetched_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, local_id) DO UPDATE SET
			remote_id  = excluded.remote_id,
			scope_id   = excluded.scope_id,
			payload    = excluded.payload,
			version    = excluded.version,
			updated_at = excluded.updated_at,
			fetched_at = excluded.fetched_at,
			dirty      = excluded.dirty
	`, string(e.EntityType), e.LocalID, e.RemoteID, e.ScopeID, string(payload),
		e.Version, formatTime(updatedAt), nullableTime(e.FetchedAt), dirtyVal)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", e.EntityType, e.LocalID, err)
	}
	return nil
}

// Write upserts one cache row. markDirty should be true only when the caller
// also appends an outbox operation in the same logical mutation; optimistic
// UI writes go through Mutate instead, which does both atomically.
func (s *Store) Write(e *CachedEntity, markDirty bool) error {
	if e.LocalID == "" {
		return fmt.Errorf("write %s: empty local id", e.EntityType)
	}
	if !events.ValidEntityType(string(e.EntityType)) {
		return fmt.Errorf("write: invalid entity type %q", e.EntityType)
	}
	return s.withWriteTx(func(tx *sql.Tx) error {
		return upsertEntityTx(tx, e, markDirty)
	})
}

// ApplyRemote overwrites the cache row with the server's value (remote wins)
// and keeps the dirty flag consistent with the outbox: the row stays dirty
// only while other pending operations still reference it.
func (s *Store) ApplyRemote(e *CachedEntity) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		pending, err := countPendingForEntityTx(tx, e.EntityType, e.LocalID)
		if err != nil {
			return err
		}
		if e.FetchedAt.IsZero() {
			e.FetchedAt = time.Now().UTC()
		}
		return upsertEntityTx(tx, e, pending > 0)
	})
}

// RefreshFromRemote is the prefetch write path: it upserts a non-dirty row
// but refuses to touch an entity with local pending state. A pending local
// mutation always wins over a refreshed remote read. Returns true when the
// row was written.
func (s *Store) RefreshFromRemote(e *CachedEntity) (bool, error) {
	written := false
	err := s.withWriteTx(func(tx *sql.Tx) error {
		var dirty int
		err := tx.QueryRow(
			`SELECT dirty FROM entity_cache WHERE entity_type = ? AND local_id = ?`,
			string(e.EntityType), e.LocalID,
		).Scan(&dirty)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check dirty %s/%s: %w", e.EntityType, e.LocalID, err)
		}
		if dirty != 0 {
			return nil
		}
		if e.FetchedAt.IsZero() {
			e.FetchedAt = time.Now().UTC()
		}
		if err := upsertEntityTx(tx, e, false); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

// DeleteEntity removes a cache row. Used when an applied remote delete
// confirms the record is gone.
func (s *Store) DeleteEntity(entityType events.EntityType, localID string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM entity_cache WHERE entity_type = ? AND local_id = ?`,
			string(entityType), localID,
		)
		return err
	})
}
