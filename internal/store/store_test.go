package store

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/careloop/caresync/internal/events"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each pooled connection would get its own in-memory database
	conn.SetMaxOpenConns(1)

	s, err := New(conn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testVisit(localID string) *CachedEntity {
	return &CachedEntity{
		EntityType: events.EntityVisits,
		LocalID:    localID,
		ScopeID:    "caregiver-42",
		Payload:    []byte(`{"status":"scheduled"}`),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestReadNotFound(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Read(events.EntityVisits, "missing"); err != ErrNotFound {
		t.Fatalf("read missing: got %v, want ErrNotFound", err)
	}
}

func TestWriteRead(t *testing.T) {
	s := setupStore(t)

	e := testVisit("v1")
	if err := s.Write(e, false); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Read(events.EntityVisits, "v1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Dirty {
		t.Error("entity should not be dirty after plain write")
	}
	if got.ScopeID != "caregiver-42" {
		t.Errorf("scope: got %q, want caregiver-42", got.ScopeID)
	}
	if string(got.Payload) != `{"status":"scheduled"}` {
		t.Errorf("payload: got %s", got.Payload)
	}
}

func TestWriteInvalidEntityType(t *testing.T) {
	s := setupStore(t)
	e := testVisit("v1")
	e.EntityType = "elders"
	if err := s.Write(e, false); err == nil {
		t.Fatal("expected error for invalid entity type")
	}
}

func TestMutateAtomic(t *testing.T) {
	s := setupStore(t)

	e := testVisit("v1")
	op, err := s.Mutate(e, events.OpCreate, nil)
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	// Both the cache row and the outbox entry must exist
	got, err := s.Read(events.EntityVisits, "v1")
	if err != nil {
		t.Fatalf("read after mutate: %v", err)
	}
	if !got.Dirty {
		t.Error("entity should be dirty after mutate")
	}
	if op.Sequence <= 0 {
		t.Errorf("sequence should be positive, got %d", op.Sequence)
	}
	if op.OpID == "" || op.IdempotencyKey == "" {
		t.Error("op id and idempotency key should be assigned")
	}
	if op.Status != events.StatusPending {
		t.Errorf("status: got %s, want pending", op.Status)
	}

	ops, err := s.ListOperations(nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 1 || ops[0].OpID != op.OpID {
		t.Fatalf("outbox: got %d ops, want the mutate op", len(ops))
	}
}

func TestMutateRollbackOnInvalidOp(t *testing.T) {
	s := setupStore(t)

	e := testVisit("v1")
	if _, err := s.Mutate(e, events.OperationKind("merge"), nil); err == nil {
		t.Fatal("expected error for invalid operation kind")
	}

	// Neither the cache row nor an outbox entry may exist
	if _, err := s.Read(events.EntityVisits, "v1"); err != ErrNotFound {
		t.Fatalf("entity should not persist after rollback, got err=%v", err)
	}
	count, err := s.CountOperations()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("outbox should be empty after rollback, got %d", count)
	}
}

func TestSequencesStrictlyIncreaseAndNeverReused(t *testing.T) {
	s := setupStore(t)

	var seqs []int64
	for _, id := range []string{"v1", "v2", "v3"} {
		op, err := s.Mutate(testVisit(id), events.OpCreate, nil)
		if err != nil {
			t.Fatalf("mutate %s: %v", id, err)
		}
		seqs = append(seqs, op.Sequence)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly increasing: %v", seqs)
		}
	}

	// Remove the newest op; a fresh append must not reuse its sequence
	ops, _ := s.ListOperations(nil)
	last := ops[len(ops)-1]
	if err := s.RemoveOperation(last.OpID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	op, err := s.Mutate(testVisit("v4"), events.OpCreate, nil)
	if err != nil {
		t.Fatalf("mutate v4: %v", err)
	}
	if op.Sequence <= last.Sequence {
		t.Fatalf("sequence %d reused after delete of %d", op.Sequence, last.Sequence)
	}
}

func TestOperationLifecycle(t *testing.T) {
	s := setupStore(t)

	op, err := s.Mutate(testVisit("v1"), events.OpCreate, nil)
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	if err := s.MarkInFlight(op.OpID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	got, _ := s.GetOperation(op.OpID)
	if got.Status != events.StatusInFlight {
		t.Fatalf("status: got %s, want in_flight", got.Status)
	}

	next := time.Now().UTC().Add(2 * time.Second)
	if err := s.Reschedule(op.OpID, next, "503 from server"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	got, _ = s.GetOperation(op.OpID)
	if got.Status != events.StatusPending {
		t.Fatalf("status after reschedule: got %s, want pending", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count: got %d, want 1", got.AttemptCount)
	}
	if got.LastError != "503 from server" {
		t.Fatalf("last error: got %q", got.LastError)
	}
	if got.NextAttemptAt.IsZero() {
		t.Fatal("next attempt time should be set")
	}

	if err := s.MarkFailed(op.OpID, "400 bad request"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed := events.StatusFailed
	ops, err := s.ListOperations(&failed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("failed ops: got %d, want 1", len(ops))
	}

	n, err := s.ResetFailed()
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset count: got %d, want 1", n)
	}
	got, _ = s.GetOperation(op.OpID)
	if got.Status != events.StatusPending || got.AttemptCount != 0 {
		t.Fatalf("after reset: status=%s attempts=%d, want pending/0", got.Status, got.AttemptCount)
	}
}

func TestConfirmClearsDirtyOnlyWhenLastOp(t *testing.T) {
	s := setupStore(t)

	e := testVisit("v1")
	op1, err := s.Mutate(e, events.OpCreate, nil)
	if err != nil {
		t.Fatalf("mutate 1: %v", err)
	}
	e.Payload = []byte(`{"status":"in_progress"}`)
	op2, err := s.Mutate(e, events.OpUpdate, nil)
	if err != nil {
		t.Fatalf("mutate 2: %v", err)
	}

	// Confirming the first op must keep the entity dirty: op2 still pends
	if err := s.Confirm(op1, "srv-1", 1, nil); err != nil {
		t.Fatalf("confirm op1: %v", err)
	}
	got, _ := s.Read(events.EntityVisits, "v1")
	if !got.Dirty {
		t.Fatal("entity should stay dirty while op2 pends")
	}
	if got.RemoteID != "srv-1" {
		t.Fatalf("remote id: got %q, want srv-1", got.RemoteID)
	}

	// Confirming the last op un-dirties and merges canonical payload
	if err := s.Confirm(op2, "srv-1", 2, []byte(`{"status":"in_progress","canonical":true}`)); err != nil {
		t.Fatalf("confirm op2: %v", err)
	}
	got, _ = s.Read(events.EntityVisits, "v1")
	if got.Dirty {
		t.Fatal("entity should be clean after last op confirmed")
	}
	if got.Version != 2 {
		t.Fatalf("version: got %d, want 2", got.Version)
	}
	if string(got.Payload) != `{"status":"in_progress","canonical":true}` {
		t.Fatalf("payload not merged: %s", got.Payload)
	}

	count, _ := s.CountOperations()
	if count != 0 {
		t.Fatalf("outbox should be empty, got %d", count)
	}
}

func TestConfirmDeleteRemovesEntity(t *testing.T) {
	s := setupStore(t)

	e := testVisit("v1")
	if _, err := s.Mutate(e, events.OpCreate, nil); err != nil {
		t.Fatalf("mutate create: %v", err)
	}
	ops, _ := s.ListOperations(nil)
	if err := s.Confirm(&ops[0], "srv-1", 1, nil); err != nil {
		t.Fatalf("confirm create: %v", err)
	}

	delOp, err := s.Mutate(e, events.OpDelete, nil)
	if err != nil {
		t.Fatalf("mutate delete: %v", err)
	}
	if err := s.Confirm(delOp, "srv-1", 2, nil); err != nil {
		t.Fatalf("confirm delete: %v", err)
	}
	if _, err := s.Read(events.EntityVisits, "v1"); err != ErrNotFound {
		t.Fatalf("entity should be gone after confirmed delete, err=%v", err)
	}
}

func TestRefreshFromRemoteSkipsDirty(t *testing.T) {
	s := setupStore(t)

	e := testVisit("v1")
	if _, err := s.Mutate(e, events.OpUpdate, nil); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	remote := testVisit("v1")
	remote.Payload = []byte(`{"status":"cancelled"}`)
	remote.Version = 9
	written, err := s.RefreshFromRemote(remote)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if written {
		t.Fatal("refresh must not overwrite a dirty entity")
	}
	got, _ := s.Read(events.EntityVisits, "v1")
	if string(got.Payload) != `{"status":"scheduled"}` {
		t.Fatalf("dirty payload overwritten: %s", got.Payload)
	}

	// A clean entity is refreshed
	clean := testVisit("v2")
	if err := s.Write(clean, false); err != nil {
		t.Fatalf("write clean: %v", err)
	}
	remote2 := testVisit("v2")
	remote2.Payload = []byte(`{"status":"completed"}`)
	written, err = s.RefreshFromRemote(remote2)
	if err != nil {
		t.Fatalf("refresh clean: %v", err)
	}
	if !written {
		t.Fatal("clean entity should be refreshed")
	}
}

func TestApplyRemoteKeepsDirtyWithRemainingOps(t *testing.T) {
	s := setupStore(t)

	e := testVisit("v1")
	op1, err := s.Mutate(e, events.OpUpdate, nil)
	if err != nil {
		t.Fatalf("mutate 1: %v", err)
	}
	if _, err := s.Mutate(e, events.OpUpdate, []byte(`{"status":"completed"}`)); err != nil {
		t.Fatalf("mutate 2: %v", err)
	}

	// Conflict resolution removed op1 and applies the server row while op2
	// still references the entity: it must remain dirty.
	if err := s.RemoveOperation(op1.OpID); err != nil {
		t.Fatalf("remove op1: %v", err)
	}
	remote := testVisit("v1")
	remote.RemoteID = "srv-1"
	remote.Payload = []byte(`{"status":"missed"}`)
	remote.Version = 5
	if err := s.ApplyRemote(remote); err != nil {
		t.Fatalf("apply remote: %v", err)
	}
	got, _ := s.Read(events.EntityVisits, "v1")
	if !got.Dirty {
		t.Fatal("entity should stay dirty while op2 pends")
	}
	if string(got.Payload) != `{"status":"missed"}` {
		t.Fatalf("remote payload should win: %s", got.Payload)
	}
}

func TestStats(t *testing.T) {
	s := setupStore(t)

	if _, err := s.Mutate(testVisit("v1"), events.OpCreate, nil); err != nil {
		t.Fatal(err)
	}
	task := &CachedEntity{EntityType: events.EntityTasks, LocalID: "t1", ScopeID: "v1", Payload: []byte(`{}`)}
	if err := s.Write(task, false); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Entities[events.EntityVisits] != 1 || stats.Entities[events.EntityTasks] != 1 {
		t.Fatalf("entity counts: %v", stats.Entities)
	}
	if stats.PendingSync != 1 {
		t.Fatalf("pending sync: got %d, want 1", stats.PendingSync)
	}
}

func TestEvict(t *testing.T) {
	s := setupStore(t)

	old := testVisit("v-old")
	old.UpdatedAt = time.Now().UTC().Add(-60 * 24 * time.Hour)
	if err := s.Write(old, false); err != nil {
		t.Fatal(err)
	}

	dirtyOld := testVisit("v-dirty")
	dirtyOld.UpdatedAt = old.UpdatedAt
	if _, err := s.Mutate(dirtyOld, events.OpUpdate, nil); err != nil {
		t.Fatal(err)
	}

	ref := &CachedEntity{
		EntityType: events.EntityReferenceRecords,
		LocalID:    "elder-1",
		Payload:    []byte(`{}`),
		UpdatedAt:  old.UpdatedAt,
	}
	if err := s.Write(ref, false); err != nil {
		t.Fatal(err)
	}

	fresh := testVisit("v-fresh")
	if err := s.Write(fresh, false); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Evict(time.Now().UTC().Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed: got %d, want 1", removed)
	}
	if _, err := s.Read(events.EntityVisits, "v-old"); err != ErrNotFound {
		t.Error("old clean visit should be evicted")
	}
	if _, err := s.Read(events.EntityVisits, "v-dirty"); err != nil {
		t.Error("dirty visit must never be evicted")
	}
	if _, err := s.Read(events.EntityReferenceRecords, "elder-1"); err != nil {
		t.Error("reference data must never be evicted")
	}
	if _, err := s.Read(events.EntityVisits, "v-fresh"); err != nil {
		t.Error("fresh visit should survive eviction")
	}
}

func TestSyncState(t *testing.T) {
	s := setupStore(t)

	st, err := s.SyncStateInfo()
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if st != nil {
		t.Fatal("sync state should be nil before init")
	}

	if err := s.InitSyncState("device-1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.UpdateDrained(7); err != nil {
		t.Fatalf("update drained: %v", err)
	}

	st, err = s.SyncStateInfo()
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if st.DeviceID != "device-1" || st.LastDrainedSequence != 7 {
		t.Fatalf("state: %+v", st)
	}
	if st.LastSyncAt == nil {
		t.Fatal("last sync time should be set")
	}
}

func TestConflictLog(t *testing.T) {
	s := setupStore(t)

	err := s.RecordConflict(Conflict{
		EntityType: "visits",
		EntityID:   "v1",
		LocalData:  []byte(`{"status":"completed"}`),
		RemoteData: []byte(`{"status":"cancelled"}`),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	conflicts, err := s.RecentConflicts(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts: got %d, want 1", len(conflicts))
	}
	if conflicts[0].EntityID != "v1" {
		t.Fatalf("entity id: %q", conflicts[0].EntityID)
	}
}

func TestQueryPredicates(t *testing.T) {
	s := setupStore(t)

	a := testVisit("v1")
	if err := s.Write(a, false); err != nil {
		t.Fatal(err)
	}
	b := testVisit("v2")
	b.ScopeID = "caregiver-7"
	if _, err := s.Mutate(b, events.OpUpdate, nil); err != nil {
		t.Fatal(err)
	}

	dirty, err := s.Query(events.EntityVisits, Predicate{DirtyOnly: true})
	if err != nil {
		t.Fatalf("query dirty: %v", err)
	}
	if len(dirty) != 1 || dirty[0].LocalID != "v2" {
		t.Fatalf("dirty query: %+v", dirty)
	}

	scoped, err := s.Query(events.EntityVisits, Predicate{ScopeID: "caregiver-42"})
	if err != nil {
		t.Fatalf("query scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].LocalID != "v1" {
		t.Fatalf("scoped query: %+v", scoped)
	}
}
