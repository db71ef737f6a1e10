// Package connectivity tracks whether the remote API is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Prober checks reachability of the remote.
type Prober interface {
	Ping(ctx context.Context) error
}

// Listener receives the new reachability state on every transition.
type Listener func(online bool)

// Monitor holds the current reachability state and fans out transitions.
type Monitor struct {
	mu           sync.RWMutex
	online       bool
	nextID       int
	listeners    map[int]Listener
	probeTimeout time.Duration
	logger       *zap.Logger
}

// NewMonitor constructs a Monitor starting in the given state.
func NewMonitor(initiallyOnline bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		online:       initiallyOnline,
		listeners:    make(map[int]Listener),
		probeTimeout: defaultProbeTimeout,
		logger:       logger,
	}
}

// Online reports the current reachability state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a reachability observation. Listeners run only on transitions,
// on the caller's goroutine, after the state has been updated.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, listener := range listeners {
		listener(online)
	}
}

// Subscribe registers listener and returns its disposer.
func (m *Monitor) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Probe pings the remote once and records the outcome.
func (m *Monitor) Probe(ctx context.Context, prober Prober) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes the remote immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if prober == nil {
		return
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	m.Probe(ctx, prober)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx, prober)
		}
	}
}
