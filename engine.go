package caresync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/caresync/internal/connectivity"
	"github.com/careloop/caresync/internal/deviceconfig"
	"github.com/careloop/caresync/internal/events"
	"github.com/careloop/caresync/internal/prefetch"
	"github.com/careloop/caresync/internal/remote"
	"github.com/careloop/caresync/internal/status"
	"github.com/careloop/caresync/internal/store"
	"github.com/careloop/caresync/internal/syncqueue"
)

// Options configures an Engine. Zero values fall back to the persisted
// device config and then to built-in defaults.
type Options struct {
	// DBPath is where the local SQLite database lives. Ignored when DB is
	// set; otherwise required.
	DBPath string
	// DB lets the host app supply its own database handle. The engine does
	// not close an injected handle.
	DB *sql.DB

	RemoteBaseURL string
	APIKey        string
	DeviceID      string
	// ScopeID is the caregiver this device belongs to; used as the default
	// prefetch scope.
	ScopeID string

	Logger     *slog.Logger
	HTTPClient *http.Client

	ProbeInterval     time.Duration // connectivity probe cadence (default 15s)
	ReconnectDebounce time.Duration // reconnect edge settling time (default 1.5s)
	DrainInterval     time.Duration // periodic drain cadence (default 5m)
	BackoffBase       time.Duration // retry backoff base (default 1s)
	BackoffCap        time.Duration // retry backoff ceiling (default 60s)
	MaxAttempts       int           // transient retries before an op fails (default 6)
	FreshnessWindow   time.Duration // prefetch rewrite suppression (default 5m)
	EvictionHorizon   time.Duration // cache retention for synced rows (default 30 days)
}

func (o *Options) withDefaults() error {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RemoteBaseURL == "" {
		o.RemoteBaseURL = deviceconfig.GetServerURL()
	}
	if o.RemoteBaseURL == "" {
		return fmt.Errorf("caresync: remote base URL not configured")
	}
	if o.APIKey == "" {
		o.APIKey = deviceconfig.GetAPIKey()
	}
	if o.ScopeID == "" {
		o.ScopeID = deviceconfig.GetScopeID()
	}
	if o.DeviceID == "" {
		id, err := deviceconfig.EnsureDeviceID()
		if err != nil {
			return fmt.Errorf("caresync: device id: %w", err)
		}
		o.DeviceID = id
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = deviceconfig.GetProbeInterval()
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = deviceconfig.GetDrainInterval()
	}
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = 5 * time.Minute
	}
	if o.EvictionHorizon <= 0 {
		o.EvictionHorizon = 30 * 24 * time.Hour
	}
	return nil
}

// Engine is the synchronization engine. One per app process; construct with
// New, start with Start, release with Stop.
type Engine struct {
	opts    Options
	store   *store.Store
	remote  *remote.Client
	monitor *connectivity.Monitor
	bcast   *status.Broadcaster
	queue   *syncqueue.Manager
	pf      *prefetch.Prefetcher

	ownsDB bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	unsub   func()
}

// New builds an engine. The database is opened (or adopted) and migrated
// here; no network traffic happens until Start.
func New(opts Options) (*Engine, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}

	var (
		st     *store.Store
		ownsDB bool
		err    error
	)
	switch {
	case opts.DB != nil:
		st, err = store.New(opts.DB)
	case opts.DBPath != "":
		st, err = store.Open(opts.DBPath)
		ownsDB = true
	default:
		return nil, fmt.Errorf("caresync: either DBPath or DB is required")
	}
	if err != nil {
		return nil, fmt.Errorf("caresync: open store: %w", err)
	}

	syncState, err := st.SyncStateInfo()
	if err == nil && syncState == nil {
		err = st.InitSyncState(opts.DeviceID)
	}
	if err != nil {
		if ownsDB {
			st.Close()
		}
		return nil, fmt.Errorf("caresync: init sync state: %w", err)
	}

	rc := remote.New(opts.RemoteBaseURL, opts.APIKey, opts.DeviceID)
	if opts.HTTPClient != nil {
		rc.HTTP = opts.HTTPClient
	}

	mon := connectivity.NewMonitor(rc.HealthCheck, connectivity.Options{
		Interval: opts.ProbeInterval,
		Debounce: opts.ReconnectDebounce,
		Logger:   opts.Logger,
	})
	bc := status.NewBroadcaster(status.Info{})
	queue := syncqueue.New(st, rc, mon, bc, syncqueue.Options{
		BackoffBase: opts.BackoffBase,
		BackoffCap:  opts.BackoffCap,
		MaxAttempts: opts.MaxAttempts,
		Logger:      opts.Logger,
	})
	pf := prefetch.New(st, rc, mon, prefetch.Options{
		FreshnessWindow: opts.FreshnessWindow,
		Logger:          opts.Logger,
	})

	return &Engine{
		opts:    opts,
		store:   st,
		remote:  rc,
		monitor: mon,
		bcast:   bc,
		queue:   queue,
		pf:      pf,
		ownsDB:  ownsDB,
	}, nil
}

// Start begins background work: the connectivity probe loop, the automatic
// drain on reconnect, and the periodic drain/maintenance ticker. Safe to
// call once; the context bounds all background work.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	bgCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.monitor.Start(bgCtx)
	e.unsub = e.monitor.OnReconnect(func() {
		go e.onReconnect(bgCtx)
	})
	go e.maintenanceLoop(bgCtx)

	e.opts.Logger.Info("caresync: engine started", "device", e.opts.DeviceID)
}

// Stop halts background work and closes the database when the engine opened
// it. A drain already in progress finishes first.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		if e.ownsDB {
			e.store.Close()
		}
		return
	}
	e.started = false

	e.cancel()
	e.unsub()
	e.monitor.Stop()
	e.queue.Stop()
	if e.ownsDB {
		e.store.Close()
	}
	e.opts.Logger.Info("caresync: engine stopped")
}

func (e *Engine) onReconnect(ctx context.Context) {
	if err := e.queue.ProcessQueue(ctx); err != nil {
		e.opts.Logger.Warn("caresync: reconnect drain", "err", err)
	}
	if e.opts.ScopeID != "" {
		if err := e.pf.Prefetch(ctx, e.opts.ScopeID); err != nil {
			e.opts.Logger.Warn("caresync: reconnect prefetch", "err", err)
		}
	}
}

func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.queue.ProcessQueue(ctx); err != nil {
				e.opts.Logger.Warn("caresync: periodic drain", "err", err)
			}
			if n, err := e.store.Evict(time.Now().UTC().Add(-e.opts.EvictionHorizon)); err != nil {
				e.opts.Logger.Warn("caresync: eviction", "err", err)
			} else if n > 0 {
				e.opts.Logger.Debug("caresync: evicted stale rows", "count", n)
			}
			if err := e.store.PruneConflicts(1000); err != nil {
				e.opts.Logger.Warn("caresync: prune conflicts", "err", err)
			}
		}
	}
}

// Subscribe registers a status listener. The listener immediately receives
// the current status, then every subsequent change, in subscription order.
// The returned function unsubscribes.
func (e *Engine) Subscribe(fn StatusListener) func() {
	return e.queue.Subscribe(fn)
}

// Status returns a fresh status snapshot.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	return e.queue.Status(ctx)
}

// ProcessQueue drains the outbox now. Offline it is a no-op; concurrent
// calls coalesce into the drain already in progress.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	return e.queue.ProcessQueue(ctx)
}

// RetryFailed returns failed operations to the queue with a fresh retry
// budget and drains.
func (e *Engine) RetryFailed(ctx context.Context) error {
	return e.queue.RetryFailed(ctx)
}

// Prefetch warms the cache for a caregiver scope. An empty scopeID uses the
// configured ScopeID.
func (e *Engine) Prefetch(ctx context.Context, scopeID string) error {
	if scopeID == "" {
		scopeID = e.opts.ScopeID
	}
	if scopeID == "" {
		return fmt.Errorf("caresync: prefetch: no scope configured")
	}
	return e.pf.Prefetch(ctx, scopeID)
}

// Read returns one cached entity. ErrNotFound when the cache misses; the
// engine never falls through to the network on a read.
func (e *Engine) Read(entityType EntityType, localID string) (*Entity, error) {
	return e.store.Read(entityType, localID)
}

// Query returns cached entities matching the predicate.
func (e *Engine) Query(entityType EntityType, p Predicate) ([]Entity, error) {
	return e.store.Query(entityType, p)
}

// Write applies an optimistic mutation: the entity lands in the cache
// immediately and a create or update operation is queued for the server.
// A missing LocalID gets a generated one, written back to the entity; the
// queued operation is returned.
func (e *Engine) Write(entity *Entity) (*Operation, error) {
	if entity == nil {
		return nil, fmt.Errorf("caresync: write: nil entity")
	}
	if entity.LocalID == "" {
		entity.LocalID = uuid.NewString()
	}
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = time.Now().UTC()
	}

	kind := events.OpCreate
	existing, err := e.store.Read(entity.EntityType, entity.LocalID)
	switch {
	case err == nil:
		kind = events.OpUpdate
		if entity.RemoteID == "" {
			entity.RemoteID = existing.RemoteID
		}
		if entity.Version == 0 {
			entity.Version = existing.Version
		}
	case err != store.ErrNotFound:
		return nil, err
	}

	op, err := e.store.Mutate(entity, kind, entity.Payload)
	if err != nil {
		return nil, err
	}
	e.kickDrain()
	return op, nil
}

// Delete queues a delete for a cached entity. The row disappears from the
// cache once the server confirms; until then it stays, dirty, so the queue
// can refer to it.
func (e *Engine) Delete(entityType EntityType, localID string) (*Operation, error) {
	existing, err := e.store.Read(entityType, localID)
	if err != nil {
		return nil, err
	}
	op, err := e.store.Mutate(existing, events.OpDelete, nil)
	if err != nil {
		return nil, err
	}
	e.kickDrain()
	return op, nil
}

// kickDrain starts an asynchronous drain after a mutation when online.
func (e *Engine) kickDrain() {
	if !e.monitor.Current().Online() {
		return
	}
	go func() {
		if err := e.queue.ProcessQueue(context.Background()); err != nil {
			e.opts.Logger.Warn("caresync: post-mutation drain", "err", err)
		}
	}()
}

// CacheStats summarizes cache and outbox contents.
func (e *Engine) CacheStats() (*Stats, error) {
	return e.store.Stats()
}

// RecentConflicts returns the most recent remote-wins overwrites.
func (e *Engine) RecentConflicts(limit int) ([]Conflict, error) {
	return e.store.RecentConflicts(limit)
}

// SetSyncDisabled flips the administrative sync switch. Mutations still
// queue while disabled; they drain once re-enabled.
func (e *Engine) SetSyncDisabled(disabled bool) error {
	return e.store.SetSyncDisabled(disabled)
}

// Connectivity returns the current connectivity state.
func (e *Engine) Connectivity() ConnState {
	return e.monitor.Current()
}

// SetConnectivity feeds a platform connectivity signal into the monitor,
// for hosts that get push notifications about network changes instead of
// relying on the probe loop.
func (e *Engine) SetConnectivity(state ConnState) {
	e.monitor.SetState(state)
}
