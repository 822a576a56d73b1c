// Package syncqueue drains the mutation outbox against the remote
// care-record service: in order, single-flight, with retry/backoff and
// idempotent application. It is the only component that performs queued
// writes against the remote store.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/careloop/caresync/internal/connectivity"
	"github.com/careloop/caresync/internal/events"
	"github.com/careloop/caresync/internal/remote"
	"github.com/careloop/caresync/internal/status"
	"github.com/careloop/caresync/internal/store"
)

// Options tunes the drain loop.
type Options struct {
	BackoffBase time.Duration // first retry delay (default 1s)
	BackoffCap  time.Duration // delay ceiling (default 60s)
	MaxAttempts int           // transient failures before an op is failed (default 6)
	OpTimeout   time.Duration // per remote call (default 15s)
	Logger      *slog.Logger
}

func (o *Options) withDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 6
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager orchestrates outbox draining. State machine:
// Idle → Draining → (Idle | BackoffWait → Draining).
type Manager struct {
	store   *store.Store
	remote  *remote.Client
	monitor *connectivity.Monitor
	bcast   *status.Broadcaster
	opts    Options

	// draining backs the IsSyncing status bit. The singleflight group is
	// what serializes drains: callers arriving mid-drain share the
	// in-progress result instead of starting another.
	draining atomic.Bool
	group    singleflight.Group

	mu         sync.Mutex
	lastError  string
	retryTimer *time.Timer // BackoffWait
	stopped    bool
}

// New creates a manager. The broadcaster is shared with the engine so other
// components (connectivity, prefetch) publish through the same channel.
func New(st *store.Store, rc *remote.Client, mon *connectivity.Monitor, bc *status.Broadcaster, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{store: st, remote: rc, monitor: mon, bcast: bc, opts: opts}
}

// Subscribe registers a status listener; it immediately receives the current
// status (replay-on-subscribe).
func (m *Manager) Subscribe(fn status.Listener) func() {
	return m.bcast.Subscribe(fn)
}

// Status returns a point-in-time snapshot recomputed from the store.
func (m *Manager) Status(ctx context.Context) (status.Info, error) {
	info, err := m.computeStatus()
	if err != nil {
		return status.Info{}, err
	}
	m.bcast.Publish(info)
	return info, nil
}

// Stop cancels a scheduled BackoffWait re-drain. A drain already in progress
// runs to completion; in-flight operations are never cancelled mid-call.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// ProcessQueue drains the outbox. No-op while offline. Concurrent calls
// coalesce: they return when the in-progress drain completes rather than
// starting a second one.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	if !m.monitor.Current().Online() {
		// Still publish so observers see the accumulating pending count.
		if info, err := m.computeStatus(); err == nil {
			m.bcast.Publish(info)
		}
		return nil
	}

	_, err, _ := m.group.Do("drain", func() (any, error) {
		return nil, m.drain(ctx)
	})
	return err
}

// RetryFailed returns failed operations to pending with a fresh attempt
// budget, then drains.
func (m *Manager) RetryFailed(ctx context.Context) error {
	n, err := m.store.ResetFailed()
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	if n > 0 {
		m.opts.Logger.Info("sync: retrying failed operations", "count", n)
		m.setLastError("")
	}
	return m.ProcessQueue(ctx)
}

func (m *Manager) setLastError(msg string) {
	m.mu.Lock()
	m.lastError = msg
	m.mu.Unlock()
}

func (m *Manager) getLastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

func (m *Manager) computeStatus() (status.Info, error) {
	pending, err := m.store.CountOperations(events.StatusPending, events.StatusInFlight)
	if err != nil {
		return status.Info{}, fmt.Errorf("count pending: %w", err)
	}
	failed, err := m.store.CountOperations(events.StatusFailed)
	if err != nil {
		return status.Info{}, fmt.Errorf("count failed: %w", err)
	}
	st, err := m.store.SyncStateInfo()
	if err != nil {
		return status.Info{}, fmt.Errorf("sync state: %w", err)
	}

	online := m.monitor.Current().Online()
	info := status.Info{
		IsOnline:     online,
		IsSyncing:    m.draining.Load(),
		PendingCount: pending,
		FailedCount:  failed,
		LastError:    m.getLastError(),
		IsAvailable:  online,
	}
	if st != nil {
		info.LastSyncAt = st.LastSyncAt
		if st.SyncDisabled {
			info.IsAvailable = false
		}
	}
	return info, nil
}

func (m *Manager) publishStatus() {
	if info, err := m.computeStatus(); err == nil {
		m.bcast.Publish(info)
	}
}

// entityKey identifies the per-entity FIFO lane an operation belongs to.
func entityKey(et events.EntityType, targetID string) string {
	return string(et) + "/" + targetID
}

// drain processes the outbox in ascending sequence order. It runs under the
// singleflight group, so exactly one drain is active at a time.
func (m *Manager) drain(ctx context.Context) error {
	if st, err := m.store.SyncStateInfo(); err != nil {
		return fmt.Errorf("sync state: %w", err)
	} else if st != nil && st.SyncDisabled {
		m.opts.Logger.Debug("sync: disabled, skipping drain")
		return nil
	}

	m.draining.Store(true)
	m.publishStatus()
	defer func() {
		m.draining.Store(false)
		m.publishStatus()
	}()

	pending := events.StatusPending
	ops, err := m.store.ListOperations(&pending)
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}

	// Entities with an already-failed operation are blocked: applying a
	// later op for them would break per-entity ordering. Independent
	// entities keep draining.
	blocked := make(map[string]bool)
	failedStatus := events.StatusFailed
	failedOps, err := m.store.ListOperations(&failedStatus)
	if err != nil {
		return fmt.Errorf("list failed operations: %w", err)
	}
	for _, op := range failedOps {
		blocked[entityKey(op.EntityType, op.TargetID)] = true
	}

	var (
		applied      int
		lastSequence int64
		nextRetry    time.Time
		now          = time.Now().UTC()
	)

	for i := range ops {
		op := &ops[i]
		key := entityKey(op.EntityType, op.TargetID)
		if blocked[key] {
			continue
		}
		if !op.NextAttemptAt.IsZero() && op.NextAttemptAt.After(now) {
			// Waiting out its backoff; later ops on the same entity
			// must wait behind it.
			blocked[key] = true
			if nextRetry.IsZero() || op.NextAttemptAt.Before(nextRetry) {
				nextRetry = op.NextAttemptAt
			}
			continue
		}
		if !m.monitor.Current().Online() {
			m.opts.Logger.Debug("sync: connectivity lost mid-drain")
			break
		}
		if ctx.Err() != nil {
			break
		}

		if err := m.store.MarkInFlight(op.OpID); err != nil {
			return fmt.Errorf("mark in flight %s: %w", op.OpID, err)
		}

		opCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
		applyErr := m.apply(opCtx, op)
		cancel()

		if applyErr == nil {
			applied++
			if op.Sequence > lastSequence {
				lastSequence = op.Sequence
			}
			continue
		}

		blocked[key] = true
		switch classify(applyErr) {
		case classConflict:
			if err := m.resolveConflict(ctx, op); err != nil {
				m.opts.Logger.Warn("sync: conflict resolution", "op", op.OpID, "err", err)
				m.failOrReschedule(op, err, &nextRetry)
				continue
			}
			// Remote won; the operation still counts as applied.
			applied++
			delete(blocked, key)
			if op.Sequence > lastSequence {
				lastSequence = op.Sequence
			}
		case classTransient:
			m.failOrReschedule(op, applyErr, &nextRetry)
		case classPermanent:
			m.opts.Logger.Warn("sync: permanent failure", "op", op.OpID, "kind", op.Kind, "err", applyErr)
			m.setLastError(applyErr.Error())
			if err := m.store.MarkFailed(op.OpID, applyErr.Error()); err != nil {
				m.opts.Logger.Warn("sync: mark failed", "op", op.OpID, "err", err)
			}
		}
	}

	if applied > 0 {
		m.setLastError("")
		if err := m.store.UpdateDrained(lastSequence); err != nil {
			m.opts.Logger.Warn("sync: update drain cursor", "err", err)
		}
		m.opts.Logger.Info("sync: drain complete", "applied", applied)
	} else if len(ops) == 0 {
		if err := m.store.TouchSyncTime(); err != nil {
			m.opts.Logger.Warn("sync: touch sync time", "err", err)
		}
	}

	if !nextRetry.IsZero() {
		m.scheduleRetry(time.Until(nextRetry))
	}
	return nil
}

// failOrReschedule handles a transient failure: reschedule with backoff, or
// demote to failed once the attempt budget is spent.
func (m *Manager) failOrReschedule(op *store.PendingOperation, cause error, nextRetry *time.Time) {
	m.setLastError(cause.Error())
	if op.AttemptCount+1 >= m.opts.MaxAttempts {
		m.opts.Logger.Warn("sync: retry budget exhausted", "op", op.OpID, "attempts", op.AttemptCount+1, "err", cause)
		if err := m.store.MarkFailed(op.OpID, cause.Error()); err != nil {
			m.opts.Logger.Warn("sync: mark failed", "op", op.OpID, "err", err)
		}
		return
	}

	delay := backoffDelay(m.opts.BackoffBase, m.opts.BackoffCap, op.AttemptCount)
	next := time.Now().UTC().Add(delay)
	m.opts.Logger.Debug("sync: transient failure, rescheduling",
		"op", op.OpID, "attempt", op.AttemptCount+1, "delay", delay, "err", cause)
	if err := m.store.Reschedule(op.OpID, next, cause.Error()); err != nil {
		m.opts.Logger.Warn("sync: reschedule", "op", op.OpID, "err", err)
		return
	}
	if nextRetry.IsZero() || next.Before(*nextRetry) {
		*nextRetry = next
	}
}

// scheduleRetry arms the BackoffWait timer: a re-drain once the earliest
// rescheduled operation becomes eligible.
func (m *Manager) scheduleRetry(after time.Duration) {
	if after < 0 {
		after = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(after, func() {
		if err := m.ProcessQueue(context.Background()); err != nil {
			m.opts.Logger.Warn("sync: scheduled re-drain", "err", err)
		}
	})
}

// apply performs one operation's remote call and finalizes the outbox entry
// on success.
func (m *Manager) apply(ctx context.Context, op *store.PendingOperation) error {
	entity, err := m.store.Read(op.EntityType, op.TargetID)
	if err == store.ErrNotFound && op.Kind == events.OpDelete {
		// Cache row already gone; just clear the outbox entry.
		return m.store.RemoveOperation(op.OpID)
	}
	if err != nil {
		return fmt.Errorf("read entity %s/%s: %w", op.EntityType, op.TargetID, err)
	}

	switch op.Kind {
	case events.OpCreate, events.OpUpdate:
		// RemoteID is empty for a record the server has never seen; the
		// upsert endpoint creates in that case and updates otherwise.
		res, err := m.remote.Upsert(ctx, &remote.UpsertRequest{
			EntityType:     string(op.EntityType),
			RemoteID:       entity.RemoteID,
			LocalID:        op.TargetID,
			ScopeID:        entity.ScopeID,
			Payload:        op.Payload,
			BaseVersion:    entity.Version,
			IdempotencyKey: op.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		if res.AlreadyApplied {
			m.opts.Logger.Debug("sync: duplicate delivery absorbed", "op", op.OpID)
		}
		if err := m.store.Confirm(op, res.RemoteID, res.Version, res.Payload); err != nil {
			return fmt.Errorf("confirm %s: %w", op.OpID, err)
		}
		return nil

	case events.OpDelete:
		if entity.RemoteID != "" {
			err := m.remote.Delete(ctx, string(op.EntityType), entity.RemoteID, op.IdempotencyKey, entity.Version)
			// A 404 means the record is already gone; the delete is done.
			if err != nil && !isNotFound(err) {
				return err
			}
		}
		if err := m.store.Confirm(op, entity.RemoteID, entity.Version, nil); err != nil {
			return fmt.Errorf("confirm delete %s: %w", op.OpID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// resolveConflict applies the remote-wins policy: fetch the server's record,
// overwrite the local cache with it, log the overwritten local state, and
// drop the stale operation. Pending operations for other entities are
// untouched.
func (m *Manager) resolveConflict(ctx context.Context, op *store.PendingOperation) error {
	entity, err := m.store.Read(op.EntityType, op.TargetID)
	if err != nil {
		return fmt.Errorf("read entity: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	rec, err := m.remote.Fetch(fetchCtx, string(op.EntityType), entity.RemoteID)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch remote record: %w", err)
	}

	if err := m.store.RecordConflict(store.Conflict{
		EntityType: string(op.EntityType),
		EntityID:   op.TargetID,
		LocalData:  entity.Payload,
		RemoteData: rec.Payload,
	}); err != nil {
		m.opts.Logger.Warn("sync: record conflict", "op", op.OpID, "err", err)
	}

	if err := m.store.RemoveOperation(op.OpID); err != nil {
		return fmt.Errorf("remove stale op: %w", err)
	}
	entity.Payload = rec.Payload
	entity.Version = rec.Version
	entity.UpdatedAt = rec.UpdatedAt
	if err := m.store.ApplyRemote(entity); err != nil {
		return fmt.Errorf("apply remote record: %w", err)
	}
	m.opts.Logger.Info("sync: conflict resolved remote-wins",
		"entity", op.EntityType, "id", op.TargetID, "remote_version", rec.Version)
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, remote.ErrNotFound)
}
