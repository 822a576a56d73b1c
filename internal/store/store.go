// Package store implements the local durable store: a SQLite-backed cache of
// care records plus the append-only outbox of pending mutations. Every
// mutation path in the engine goes through this package, so it is the single
// serialization point for local consistency.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/careloop/caresync/internal/events"
)

// ErrNotFound is returned when a cached entity or operation does not exist.
var ErrNotFound = errors.New("not found")

// CachedEntity is the local mirror of one remote record.
type CachedEntity struct {
	EntityType events.EntityType
	LocalID    string // stable identity before remote assignment
	RemoteID   string // empty until the first successful create
	ScopeID    string // visit or caregiver the record belongs to, for queries and eviction
	Payload    json.RawMessage
	Version    int64 // last known remote revision
	UpdatedAt  time.Time
	FetchedAt  time.Time // last time a remote read refreshed this row
	Dirty      bool      // local state diverges from last confirmed remote state
}

// PendingOperation is one outbox entry.
type PendingOperation struct {
	Sequence       int64 // assigned at enqueue time, strictly increasing per device
	OpID           string
	EntityType     events.EntityType
	TargetID       string // local id of the affected entity
	Kind           events.OperationKind
	Payload        json.RawMessage
	IdempotencyKey string
	Status         events.OpStatus
	AttemptCount   int
	LastError      string
	NextAttemptAt  time.Time // zero means eligible immediately
	CreatedAt      time.Time
}

// Store wraps the SQLite connection holding the entity cache and outbox.
type Store struct {
	conn *sql.DB

	// Serializes write transactions. SQLite WAL allows concurrent reads,
	// but writes from the drain loop, UI mutations, and prefetch must not
	// interleave (single serialization point).
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the cache database at path and runs any
// pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// Slightly faster writes, still safe with WAL
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	return New(conn)
}

// New adopts an existing connection and runs any pending migrations. Used by
// tests that open their own (in-memory) database.
func New(conn *sql.DB) (*Store, error) {
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for callers that need raw transactions.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// withWriteTx runs fn inside a write transaction, holding the store's write
// lock. The transaction is rolled back if fn returns an error.
func (s *Store) withWriteTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// timeLayout is the canonical timestamp encoding. Timestamps are formatted
// explicitly on write so rows are portable across SQLite drivers.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTimestamp tries the canonical layout first, then common SQLite formats
// for rows written by other tools.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// nullableTime formats t for storage, returning NULL for the zero value.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

// scanNullableTime parses a nullable timestamp column.
func scanNullableTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(ns.String)
}
