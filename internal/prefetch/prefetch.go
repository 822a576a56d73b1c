// Package prefetch warms the local cache with the records a caregiver is
// likely to need offline: the upcoming visit schedule, its tasks, and the
// reference records for the people being visited.
package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/careloop/caresync/internal/connectivity"
	"github.com/careloop/caresync/internal/events"
	"github.com/careloop/caresync/internal/remote"
	"github.com/careloop/caresync/internal/store"
)

// Options tunes the prefetcher.
type Options struct {
	// FreshnessWindow skips rewriting rows fetched within this window
	// (default 5m).
	FreshnessWindow time.Duration
	// ListLimit bounds each remote page (default 500).
	ListLimit int
	Logger    *slog.Logger
}

func (o *Options) withDefaults() {
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = 5 * time.Minute
	}
	if o.ListLimit <= 0 {
		o.ListLimit = 500
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Prefetcher pulls remote records into the cache ahead of need. It only ever
// writes non-dirty rows: a pending local mutation always wins over a
// refreshed read.
type Prefetcher struct {
	store   *store.Store
	remote  *remote.Client
	monitor *connectivity.Monitor
	opts    Options
}

// New creates a prefetcher.
func New(st *store.Store, rc *remote.Client, mon *connectivity.Monitor, opts Options) *Prefetcher {
	opts.withDefaults()
	return &Prefetcher{store: st, remote: rc, monitor: mon, opts: opts}
}

// Prefetch warms the cache for one caregiver scope: visits scheduled for
// today and tomorrow, their tasks, and reference records. While offline it
// returns nil immediately and leaves the cache untouched. Per-record
// failures are logged and skipped; an error is returned only when every
// fetch failed.
func (p *Prefetcher) Prefetch(ctx context.Context, scopeID string) error {
	if !p.monitor.Current().Online() {
		p.opts.Logger.Debug("prefetch: offline, skipping", "scope", scopeID)
		return nil
	}

	now := time.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour)

	queries := []remote.ListQuery{
		{
			EntityType: string(events.EntityVisits),
			OwnerID:    scopeID,
			From:       dayStart,
			To:         dayStart.Add(48 * time.Hour),
			Limit:      p.opts.ListLimit,
		},
		{
			EntityType: string(events.EntityTasks),
			OwnerID:    scopeID,
			Limit:      p.opts.ListLimit,
		},
		{
			EntityType: string(events.EntityReferenceRecords),
			OwnerID:    scopeID,
			Limit:      p.opts.ListLimit,
		},
	}

	var (
		fetched  int
		written  int
		lastErr  error
		failures int
	)
	for _, q := range queries {
		recs, err := p.remote.List(ctx, q)
		if err != nil {
			p.opts.Logger.Warn("prefetch: list failed", "entity", q.EntityType, "scope", scopeID, "err", err)
			failures++
			lastErr = err
			continue
		}
		fetched += len(recs)
		for i := range recs {
			ok, err := p.applyRecord(events.EntityType(q.EntityType), &recs[i], now)
			if err != nil {
				p.opts.Logger.Warn("prefetch: apply record",
					"entity", q.EntityType, "remote_id", recs[i].ID, "err", err)
				continue
			}
			if ok {
				written++
			}
		}
	}

	if failures == len(queries) && lastErr != nil {
		return fmt.Errorf("prefetch scope %s: %w", scopeID, lastErr)
	}
	p.opts.Logger.Info("prefetch: cache warmed",
		"scope", scopeID, "fetched", fetched, "written", written)
	return nil
}

// applyRecord writes one remote record into the cache. Rows refreshed within
// the freshness window, and rows with pending local mutations, are left
// alone.
func (p *Prefetcher) applyRecord(et events.EntityType, rec *remote.Record, now time.Time) (bool, error) {
	existing, err := p.store.ReadByRemoteID(et, rec.ID)
	if err != nil && err != store.ErrNotFound {
		return false, err
	}

	if rec.Deleted {
		if existing == nil || existing.Dirty {
			return false, nil
		}
		if err := p.store.DeleteEntity(et, existing.LocalID); err != nil {
			return false, err
		}
		return true, nil
	}

	localID := rec.ID
	if existing != nil {
		if now.Sub(existing.FetchedAt) < p.opts.FreshnessWindow {
			return false, nil
		}
		localID = existing.LocalID
	}

	return p.store.RefreshFromRemote(&store.CachedEntity{
		EntityType: et,
		LocalID:    localID,
		RemoteID:   rec.ID,
		ScopeID:    rec.ScopeID,
		Payload:    rec.Payload,
		Version:    rec.Version,
		UpdatedAt:  rec.UpdatedAt,
		FetchedAt:  now,
	})
}
