package caresync_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/careloop/caresync"
	"github.com/careloop/caresync/internal/remote"
	"github.com/careloop/caresync/internal/remotetest"
)

const scope = "caregiver-42"

func newEngine(t *testing.T, srv *remotetest.Server) *caresync.Engine {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	eng, err := caresync.New(caresync.Options{
		DB:                conn,
		RemoteBaseURL:     srv.URL(),
		APIKey:            "test-key",
		DeviceID:          "device-test",
		ScopeID:           scope,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		ProbeInterval:     time.Hour, // tests drive connectivity explicitly
		ReconnectDebounce: 10 * time.Millisecond,
		DrainInterval:     time.Hour,
		BackoffBase:       time.Millisecond,
		BackoffCap:        10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng
}

func online() caresync.ConnState {
	return caresync.ConnState{IsConnected: true, IsInternetReachable: true}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// An offline write is immediately readable, queued, and drains on its own
// when connectivity returns.
func TestOfflineWriteSyncsOnReconnect(t *testing.T) {
	srv := remotetest.New()
	defer srv.Close()
	srv.SetUnavailable(true) // the initial probe must find the service down
	eng := newEngine(t, srv)
	eng.Start(context.Background())

	payload, err := json.Marshal(caresync.Visit{
		ElderID:     "elder-7",
		CaregiverID: scope,
		Status:      caresync.VisitCompleted,
		Notes:       "meds given",
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal visit: %v", err)
	}
	visit := &caresync.Entity{
		EntityType: caresync.EntityVisits,
		ScopeID:    scope,
		Payload:    payload,
	}
	if _, err := eng.Write(visit); err != nil {
		t.Fatalf("offline write: %v", err)
	}
	if visit.LocalID == "" {
		t.Fatal("no local id assigned")
	}

	got, err := eng.Read(caresync.EntityVisits, visit.LocalID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !got.Dirty {
		t.Error("offline write not marked dirty")
	}
	info, err := eng.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.PendingCount != 1 {
		t.Fatalf("pending = %d, want 1", info.PendingCount)
	}
	if srv.Upserts() != 0 {
		t.Fatal("offline write reached the server")
	}

	srv.SetUnavailable(false)
	eng.SetConnectivity(online())

	waitFor(t, 2*time.Second, func() bool { return srv.Count("visits") == 1 })
	waitFor(t, time.Second, func() bool {
		got, err := eng.Read(caresync.EntityVisits, visit.LocalID)
		return err == nil && !got.Dirty && got.RemoteID != ""
	})
}

// Transient server failures delay an operation but never lose it or park it
// as failed.
func TestFlakyServerDoesNotLoseWrites(t *testing.T) {
	srv := remotetest.New()
	defer srv.Close()
	eng := newEngine(t, srv)
	eng.SetConnectivity(online())
	srv.FailNext(3, 503)

	if _, err := eng.Write(&caresync.Entity{
		EntityType: caresync.EntityVisits,
		LocalID:    "v1",
		ScopeID:    scope,
		Payload:    json.RawMessage(`{"status":"completed"}`),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return srv.Count("visits") == 1 })

	info, err := eng.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.FailedCount != 0 {
		t.Fatalf("failed = %d, want 0", info.FailedCount)
	}
	if info.PendingCount != 0 {
		t.Fatalf("pending = %d, want 0", info.PendingCount)
	}
}

// A concurrent remote edit wins: the local record is overwritten with the
// server's version and the loss is auditable.
func TestConflictingEditResolvesRemoteWins(t *testing.T) {
	srv := remotetest.New()
	defer srv.Close()
	eng := newEngine(t, srv)
	eng.SetConnectivity(online())

	// Device knows version 1; the server has since moved to version 3.
	remotePayload := json.RawMessage(`{"status":"cancelled","notes":"family called"}`)
	srv.Seed(seedRecord("srv-9", "visits", remotePayload, 3))
	if _, err := eng.Write(&caresync.Entity{
		EntityType: caresync.EntityVisits,
		LocalID:    "v9",
		RemoteID:   "srv-9",
		ScopeID:    scope,
		Version:    1,
		Payload:    json.RawMessage(`{"status":"completed","notes":"local"}`),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, err := eng.Read(caresync.EntityVisits, "v9")
		return err == nil && got.Version == 3
	})

	got, err := eng.Read(caresync.EntityVisits, "v9")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Payload) != string(remotePayload) {
		t.Errorf("payload = %s, want the remote version", got.Payload)
	}
	if got.Dirty {
		t.Error("entity still dirty after resolution")
	}

	conflicts, err := eng.RecentConflicts(5)
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflict log entries = %d, want 1", len(conflicts))
	}
}

// A delivery that succeeded server-side but timed out locally is retried;
// the idempotency key keeps the server from applying it twice.
func TestDuplicateDeliveryAbsorbed(t *testing.T) {
	srv := remotetest.New()
	defer srv.Close()
	eng := newEngine(t, srv)

	if _, err := eng.Write(&caresync.Entity{
		EntityType: caresync.EntityVisits,
		LocalID:    "v1",
		ScopeID:    scope,
		Payload:    json.RawMessage(`{"status":"completed"}`),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	eng.SetConnectivity(online())
	if err := eng.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	// Drive the same queue again; nothing is pending, and even if the app
	// re-queued the identical payload the server-side dedup holds.
	if err := eng.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	waitFor(t, time.Second, func() bool { return srv.Count("visits") == 1 })
}

// Status subscribers see the full arc of a sync: pending work, the syncing
// phase, and the settled end state.
func TestSubscriberObservesSyncLifecycle(t *testing.T) {
	srv := remotetest.New()
	defer srv.Close()
	eng := newEngine(t, srv)

	statusCh := make(chan caresync.Status, 64)
	unsub := eng.Subscribe(func(info caresync.Status) {
		select {
		case statusCh <- info:
		default:
		}
	})
	defer unsub()

	// Replay on subscribe.
	select {
	case <-statusCh:
	case <-time.After(time.Second):
		t.Fatal("no replayed status on subscribe")
	}

	if _, err := eng.Write(&caresync.Entity{
		EntityType: caresync.EntityTasks,
		LocalID:    "t1",
		ScopeID:    scope,
		Payload:    json.RawMessage(`{"label":"medication","done":true}`),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	eng.SetConnectivity(online())
	if err := eng.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	var sawSyncing, sawSettled bool
	deadline := time.After(2 * time.Second)
	for !(sawSyncing && sawSettled) {
		select {
		case info := <-statusCh:
			if info.IsSyncing {
				sawSyncing = true
			}
			if !info.IsSyncing && info.PendingCount == 0 && info.IsOnline {
				sawSettled = true
			}
		case <-deadline:
			t.Fatalf("lifecycle incomplete: syncing=%v settled=%v", sawSyncing, sawSettled)
		}
	}
}

// Deleting a synced entity removes it locally once the server confirms.
func TestDeleteRoundTrip(t *testing.T) {
	srv := remotetest.New()
	defer srv.Close()
	eng := newEngine(t, srv)
	eng.SetConnectivity(online())

	if _, err := eng.Write(&caresync.Entity{
		EntityType: caresync.EntityVisits,
		LocalID:    "v1",
		ScopeID:    scope,
		Payload:    json.RawMessage(`{"status":"scheduled"}`),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.Count("visits") == 1 })

	if _, err := eng.Delete(caresync.EntityVisits, "v1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.Count("visits") == 0 })
	waitFor(t, time.Second, func() bool {
		_, err := eng.Read(caresync.EntityVisits, "v1")
		return err == caresync.ErrNotFound
	})
}

// Prefetch pulls the caregiver's records down so later reads work offline.
func TestPrefetchThenOfflineRead(t *testing.T) {
	srv := remotetest.New()
	defer srv.Close()
	eng := newEngine(t, srv)
	eng.SetConnectivity(online())

	srv.Seed(seedRecord("srv-1", "visits", json.RawMessage(`{"status":"scheduled"}`), 1))
	if err := eng.Prefetch(context.Background(), ""); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	eng.SetConnectivity(caresync.ConnState{})
	visits, err := eng.Query(caresync.EntityVisits, caresync.Predicate{ScopeID: scope})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(visits) != 1 {
		t.Fatalf("cached visits = %d, want 1", len(visits))
	}
}

func seedRecord(id, entityType string, payload json.RawMessage, version int64) remote.Record {
	return remote.Record{
		ID:         id,
		EntityType: entityType,
		ScopeID:    scope,
		Payload:    payload,
		Version:    version,
		UpdatedAt:  time.Now().UTC(),
	}
}
