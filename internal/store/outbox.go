package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/caresync/internal/events"
)

const opColumns = `sequence, op_id, entity_type, target_id, op_kind, payload, idempotency_key, status, attempt_count, last_error, next_attempt_at, created_at`

func scanOperation(scan func(dest ...any) error) (*PendingOperation, error) {
	var (
		op          PendingOperation
		et, kind    string
		status      string
		payload     string
		nextAttempt sql.NullString
		createdAt   string
	)
	if err := scan(&op.Sequence, &op.OpID, &et, &op.TargetID, &kind, &payload,
		&op.IdempotencyKey, &status, &op.AttemptCount, &op.LastError, &nextAttempt, &createdAt); err != nil {
		return nil, err
	}
	op.EntityType = events.EntityType(et)
	op.Kind = events.OperationKind(kind)
	op.Status = events.OpStatus(status)
	op.Payload = []byte(payload)

	var err error
	if op.NextAttemptAt, err = scanNullableTime(nextAttempt); err != nil {
		return nil, fmt.Errorf("parse next_attempt_at: %w", err)
	}
	if op.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &op, nil
}

// validateOperation checks the fields a caller must supply. Violations are
// programmer errors and raise synchronously.
func validateOperation(op *PendingOperation) error {
	if !events.ValidEntityType(string(op.EntityType)) {
		return fmt.Errorf("append operation: invalid entity type %q", op.EntityType)
	}
	if !events.ValidOperationKind(string(op.Kind)) {
		return fmt.Errorf("append operation: invalid operation kind %q", op.Kind)
	}
	if op.TargetID == "" {
		return fmt.Errorf("append operation: empty target id")
	}
	if len(op.Payload) > 0 && !json.Valid(op.Payload) {
		return fmt.Errorf("append operation: payload is not valid JSON")
	}
	return nil
}

// appendOperationTx inserts one outbox row inside tx, assigning identity
// fields that were left empty. The sequence comes from the AUTOINCREMENT
// column, so values are never reused even after deletes.
func appendOperationTx(tx *sql.Tx, op *PendingOperation) error {
	if err := validateOperation(op); err != nil {
		return err
	}
	if op.OpID == "" {
		op.OpID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	op.Status = events.StatusPending

	payload := op.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	res, err := tx.Exec(`
		INSERT INTO outbox (op_id, entity_type, target_id, op_kind, payload, idempotency_key, status, attempt_count, last_error, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', NULL, ?)
	`, op.OpID, string(op.EntityType), op.TargetID, string(op.Kind), string(payload),
		op.IdempotencyKey, string(op.Status), formatTime(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("append operation %s: %w", op.OpID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("operation sequence: %w", err)
	}
	op.Sequence = seq
	return nil
}

// Mutate is the engine's write path: the cache upsert and the outbox append
// commit as one transaction, so a crash between them is impossible. The
// entity is marked dirty; op.EntityType/TargetID are derived from the entity.
func (s *Store) Mutate(e *CachedEntity, kind events.OperationKind, opPayload json.RawMessage) (*PendingOperation, error) {
	if e.LocalID == "" {
		return nil, fmt.Errorf("mutate %s: empty local id", e.EntityType)
	}
	if len(opPayload) == 0 {
		opPayload = e.Payload
	}
	op := &PendingOperation{
		EntityType: e.EntityType,
		TargetID:   e.LocalID,
		Kind:       kind,
		Payload:    opPayload,
	}
	err := s.withWriteTx(func(tx *sql.Tx) error {
		if err := upsertEntityTx(tx, e, true); err != nil {
			return err
		}
		return appendOperationTx(tx, op)
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// AppendOperation appends a standalone outbox entry, assigning its sequence.
// Most callers want Mutate; this exists for operations whose cache effect was
// already written (e.g. a delete that removed the row up front).
func (s *Store) AppendOperation(op *PendingOperation) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		return appendOperationTx(tx, op)
	})
}

// RemoveOperation deletes an outbox entry without touching the cache. Used
// for user-discarded failed operations; confirmed applications go through
// Confirm instead.
func (s *Store) RemoveOperation(opID string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM outbox WHERE op_id = ?`, opID)
		if err != nil {
			return fmt.Errorf("remove operation %s: %w", opID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListOperations returns outbox entries in ascending sequence order,
// optionally filtered by status.
func (s *Store) ListOperations(status *events.OpStatus) ([]PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM outbox`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// GetOperation returns one outbox entry by op id.
func (s *Store) GetOperation(opID string) (*PendingOperation, error) {
	row := s.conn.QueryRow(`SELECT `+opColumns+` FROM outbox WHERE op_id = ?`, opID)
	op, err := scanOperation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", opID, err)
	}
	return op, nil
}

// CountOperations returns the number of outbox entries in any of the given
// statuses (all entries when none are given).
func (s *Store) CountOperations(statuses ...events.OpStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM outbox`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	var count int64
	err := s.conn.QueryRow(query, args...).Scan(&count)
	return count, err
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func countPendingForEntityTx(tx *sql.Tx, entityType events.EntityType, targetID string) (int64, error) {
	var count int64
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM outbox WHERE entity_type = ? AND target_id = ?`,
		string(entityType), targetID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending for %s/%s: %w", entityType, targetID, err)
	}
	return count, nil
}

// PendingForEntity returns how many outbox entries reference the entity.
func (s *Store) PendingForEntity(entityType events.EntityType, targetID string) (int64, error) {
	var count int64
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM outbox WHERE entity_type = ? AND target_id = ?`,
		string(entityType), targetID,
	).Scan(&count)
	return count, err
}

// MarkInFlight transitions an operation to in_flight before the remote call.
func (s *Store) MarkInFlight(opID string) error {
	return s.setStatus(opID, events.StatusInFlight, "")
}

// MarkFailed demotes an operation to failed. It stays visible for manual
// retry or discard.
func (s *Store) MarkFailed(opID, lastError string) error {
	return s.setStatus(opID, events.StatusFailed, lastError)
}

func (s *Store) setStatus(opID string, status events.OpStatus, lastError string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE outbox SET status = ?, last_error = ? WHERE op_id = ?`,
			string(status), lastError, opID,
		)
		if err != nil {
			return fmt.Errorf("set status %s on %s: %w", status, opID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Reschedule returns a transiently-failed operation to pending with an
// incremented attempt count and a next-attempt time in the future.
func (s *Store) Reschedule(opID string, nextAttempt time.Time, lastError string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE outbox
			SET status = ?, attempt_count = attempt_count + 1, last_error = ?, next_attempt_at = ?
			WHERE op_id = ?
		`, string(events.StatusPending), lastError, formatTime(nextAttempt), opID)
		if err != nil {
			return fmt.Errorf("reschedule %s: %w", opID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ResetFailed returns all failed operations to pending with a fresh attempt
// budget. Returns the number of operations reset.
func (s *Store) ResetFailed() (int64, error) {
	var affected int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE outbox
			SET status = ?, attempt_count = 0, last_error = '', next_attempt_at = NULL
			WHERE status = ?
		`, string(events.StatusPending), string(events.StatusFailed))
		if err != nil {
			return fmt.Errorf("reset failed operations: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// Confirm finalizes a successfully applied operation: the outbox entry is
// removed and server-assigned fields are merged back into the cache row. The
// row is un-dirtied only when no other operations still reference it, so the
// dirty flag stays equivalent to "has pending operations".
func (s *Store) Confirm(op *PendingOperation, remoteID string, version int64, payload json.RawMessage) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM outbox WHERE op_id = ?`, op.OpID)
		if err != nil {
			return fmt.Errorf("confirm %s: remove: %w", op.OpID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if op.Kind == events.OpDelete {
			_, err := tx.Exec(
				`DELETE FROM entity_cache WHERE entity_type = ? AND local_id = ?`,
				string(op.EntityType), op.TargetID,
			)
			if err != nil {
				return fmt.Errorf("confirm %s: delete entity: %w", op.OpID, err)
			}
			return nil
		}

		remaining, err := countPendingForEntityTx(tx, op.EntityType, op.TargetID)
		if err != nil {
			return err
		}

		set := `remote_id = ?, version = ?, dirty = ?, fetched_at = ?`
		args := []any{remoteID, version, boolInt(remaining > 0), formatTime(time.Now().UTC())}
		if len(payload) > 0 {
			set += `, payload = ?`
			args = append(args, string(payload))
		}
		args = append(args, string(op.EntityType), op.TargetID)

		_, err = tx.Exec(
			`UPDATE entity_cache SET `+set+` WHERE entity_type = ? AND local_id = ?`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("confirm %s: update entity: %w", op.OpID, err)
		}
		return nil
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
