// Package status broadcasts sync engine state to UI observers.
package status

import (
	"sync"
	"time"
)

// Info is the status event shape observers receive. Derived, never persisted.
type Info struct {
	IsOnline     bool       `json:"is_online"`
	IsSyncing    bool       `json:"is_syncing"`
	PendingCount int64      `json:"pending_count"`
	FailedCount  int64      `json:"failed_count"`
	LastSyncAt   *time.Time `json:"last_sync_at"`
	LastError    string     `json:"last_error,omitempty"`
	// IsAvailable means the remote store is reachable by policy (healthy
	// and sync not disabled), distinct from raw connectivity.
	IsAvailable bool `json:"is_available"`
}

// Listener receives every published status change.
type Listener func(Info)

type subscriber struct {
	id int
	fn Listener
}

// Broadcaster is an observer list with replay-on-subscribe: a new listener
// immediately receives the current status, so there is no missed-first-event
// race. Delivery is synchronous and in subscription order.
type Broadcaster struct {
	mu     sync.Mutex
	cur    Info
	subs   []subscriber
	nextID int
}

// NewBroadcaster creates a broadcaster with the given initial status.
func NewBroadcaster(initial Info) *Broadcaster {
	return &Broadcaster{cur: initial}
}

// Current returns the latest published status.
func (b *Broadcaster) Current() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// Subscribe registers a listener and replays the current status to it before
// returning. The returned function removes the listener.
func (b *Broadcaster) Subscribe(fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	cur := b.cur
	b.mu.Unlock()

	fn(cur)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish records info as current and notifies every listener. Listeners run
// outside the lock so they may re-subscribe or publish without deadlocking.
func (b *Broadcaster) Publish(info Info) {
	b.mu.Lock()
	b.cur = info
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(info)
	}
}

// Update applies mutate to a copy of the current status and publishes it.
func (b *Broadcaster) Update(mutate func(*Info)) Info {
	b.mu.Lock()
	info := b.cur
	mutate(&info)
	b.cur = info
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(info)
	}
	return info
}
