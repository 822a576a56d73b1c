// Package connectivity observes network reachability and exposes
// "just reconnected" edge events, which are the primary external trigger for
// queue draining.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the current reachability picture.
type State struct {
	IsConnected         bool
	IsInternetReachable bool
}

// Online reports full reachability.
func (s State) Online() bool {
	return s.IsConnected && s.IsInternetReachable
}

// Probe checks whether the remote store is reachable. A nil error means
// reachable.
type Probe func(ctx context.Context) error

// Options tunes the monitor.
type Options struct {
	// Interval between background probes.
	Interval time.Duration
	// Debounce delays the reconnect edge so connection flapping does not
	// trigger redundant sync cycles.
	Debounce time.Duration
	// ProbeTimeout bounds each probe call.
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.Debounce <= 0 {
		o.Debounce = 1500 * time.Millisecond
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type changeSub struct {
	id int
	fn func(State)
}

type reconnectSub struct {
	id int
	fn func()
}

// Monitor tracks reachability via a periodic probe and/or platform hooks
// calling SetState. The monitor starts offline; the first successful probe
// counts as a reconnect edge, which conveniently triggers an initial drain.
type Monitor struct {
	probe Probe
	opts  Options

	mu            sync.Mutex
	state         State
	changeSubs    []changeSub
	reconnectSubs []reconnectSub
	nextID        int
	edgeTimer     *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. probe may be nil when reachability is fed
// exclusively through SetState.
func NewMonitor(probe Probe, opts Options) *Monitor {
	opts.withDefaults()
	return &Monitor{probe: probe, opts: opts}
}

// Current returns the last observed state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers a listener for every state transition. Returns an
// unsubscribe function.
func (m *Monitor) OnChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.changeSubs = append(m.changeSubs, changeSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.changeSubs {
			if s.id == id {
				m.changeSubs = append(m.changeSubs[:i], m.changeSubs[i+1:]...)
				return
			}
		}
	}
}

// OnReconnect registers a listener fired only on a debounced false→true edge
// of full reachability. Returns an unsubscribe function.
func (m *Monitor) OnReconnect(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.reconnectSubs = append(m.reconnectSubs, reconnectSub{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.reconnectSubs {
			if s.id == id {
				m.reconnectSubs = append(m.reconnectSubs[:i], m.reconnectSubs[i+1:]...)
				return
			}
		}
	}
}

// SetState feeds a reachability observation, from the probe loop or from a
// platform connectivity hook.
func (m *Monitor) SetState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next

	subs := make([]changeSub, len(m.changeSubs))
	copy(subs, m.changeSubs)

	wasOnline, isOnline := prev.Online(), next.Online()
	switch {
	case !wasOnline && isOnline:
		// Start (or restart) the debounce window; the edge fires only if
		// we are still online when it elapses.
		if m.edgeTimer != nil {
			m.edgeTimer.Stop()
		}
		m.edgeTimer = time.AfterFunc(m.opts.Debounce, m.fireReconnect)
	case wasOnline && !isOnline:
		if m.edgeTimer != nil {
			m.edgeTimer.Stop()
			m.edgeTimer = nil
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(next)
	}
}

// fireReconnect runs when the debounce window elapses.
func (m *Monitor) fireReconnect() {
	m.mu.Lock()
	if !m.state.Online() {
		m.mu.Unlock()
		return
	}
	m.edgeTimer = nil
	subs := make([]reconnectSub, len(m.reconnectSubs))
	copy(subs, m.reconnectSubs)
	m.mu.Unlock()

	m.opts.Logger.Debug("connectivity: reconnect edge")
	for _, s := range subs {
		s.fn()
	}
}

// Start launches the background probe loop. No-op without a probe.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go m.loop(ctx, done)
}

// Stop halts the probe loop and cancels any pending reconnect edge.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	if m.edgeTimer != nil {
		m.edgeTimer.Stop()
		m.edgeTimer = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.probeOnce(ctx)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	err := m.probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	reachable := err == nil
	if !reachable {
		m.opts.Logger.Debug("connectivity: probe failed", "err", err)
	}
	m.SetState(State{IsConnected: reachable, IsInternetReachable: reachable})
}
