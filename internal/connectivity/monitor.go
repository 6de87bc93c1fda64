// Package connectivity tracks whether the remote API is reachable and tells
// interested components about online/offline transitions.
package connectivity

import (
	"log/slog"
	"sync"
)

// Listener is called with the new state after every transition.
type Listener func(online bool)

// Monitor holds the current connectivity state.
//
// Thread-safety: all methods are safe for concurrent use. Listeners run on the
// goroutine that called SetOnline, after the state lock is released.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners map[uint64]Listener
	logger    *slog.Logger
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online:    online,
		listeners: make(map[uint64]Listener),
		logger:    logger,
	}
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the state. Listeners are only notified on a change.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, l := range listeners {
		l(online)
	}
}

// Subscribe registers l and returns the function that removes it.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
