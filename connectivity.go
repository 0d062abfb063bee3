package telechat

import (
	"context"
	"sync"
	"time"
)

// ConnectivityMonitor tracks a binary online/offline signal and notifies
// listeners on transitions only.
type ConnectivityMonitor struct {
	mu        sync.RWMutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
}

// NewConnectivityMonitor seeds the monitor with the runtime's current status.
func NewConnectivityMonitor(online bool) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		online:    online,
		listeners: make(map[int]func(bool)),
	}
}

// Online returns the current state.
func (m *ConnectivityMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a new state. Listeners run synchronously, and only when
// the state actually changes.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := make([]func(bool), 0, len(m.listeners))
	for _, h := range m.listeners {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a listener must not break the monitor
			h(online)
		}()
	}
}

// Subscribe registers a transition listener and returns its remover.
func (m *ConnectivityMonitor) Subscribe(h func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = h
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

// Watch runs probe every interval and feeds its outcome into the monitor
// until ctx is done. A nil probe error means online.
func (m *ConnectivityMonitor) Watch(ctx context.Context, probe func(context.Context) error, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(probeCtx)
		if ctx.Err() != nil {
			return
		}
		m.SetOnline(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
