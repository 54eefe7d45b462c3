// Package connectivity tracks whether the remote store is reachable and
// fans out online/offline transitions to subscribers.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger is the probe the monitor uses for point-in-time checks.
// The remote store client implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor reports connectivity status and notifies listeners on transitions.
// Status is mutated by the probe loop (or an external platform signal via
// SetOnline) and read by concurrent operations.
type Monitor struct {
	pinger   Pinger
	interval time.Duration

	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)
}

// NewMonitor creates a monitor probing with pinger every interval.
// The monitor starts offline; the first successful probe (or SetOnline)
// flips it.
func NewMonitor(pinger Pinger, interval time.Duration) *Monitor {
	return &Monitor{pinger: pinger, interval: interval}
}

// Online reports the current connectivity status.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a listener invoked on every online/offline transition.
// Listeners run on the goroutine that observed the transition and must not
// block.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline forces the connectivity status. Platform layers with their own
// connectivity signal (airplane mode, radio state) call this instead of
// waiting for the next probe.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

// Run starts the probe loop. It blocks until ctx is cancelled. A probe runs
// immediately on start so callers do not wait a full interval for the first
// status.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("connectivity monitor started",
		"component", "connectivity",
		"interval", m.interval.String(),
	)

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity monitor stopped",
				"component", "connectivity",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		return // shutting down, not a status change
	}
	m.transition(err == nil)
}

// transition updates status and notifies listeners only on an actual change.
func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	slog.Info("connectivity changed",
		"component", "connectivity",
		"online", online,
	)
	for _, fn := range listeners {
		fn(online)
	}
}
