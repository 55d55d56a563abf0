package backpressure

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/relay/metrics"
)

// DefaultStaleAfter is how long a buffer may sit without pushes before the
// janitor closes it. Matches the connection idle timeout so a buffer whose
// connection leaked still gets reclaimed.
const DefaultStaleAfter = 5 * time.Minute

// Manager tracks the live per-connection buffers on this replica, feeds the
// slow-client gauge and reclaims buffers abandoned by dead connections.
type Manager struct {
	mu      sync.Mutex
	buffers map[string]*Buffer

	maxSize    int
	staleAfter time.Duration
	metrics    *metrics.Metrics

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a Manager and starts its janitor loop.
func NewManager(maxSize int, staleAfter time.Duration, m *metrics.Metrics) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	mgr := &Manager{
		buffers:    make(map[string]*Buffer),
		maxSize:    maxSize,
		staleAfter: staleAfter,
		metrics:    m,
		stop:       make(chan struct{}),
	}
	mgr.wg.Add(1)
	go mgr.janitor()
	return mgr
}

// Register creates and tracks a buffer for a connection ID. An existing
// buffer under the same ID is closed and replaced.
func (m *Manager) Register(connID string) *Buffer {
	buf := NewBuffer(m.maxSize)
	m.mu.Lock()
	if old, ok := m.buffers[connID]; ok {
		old.Close()
	}
	m.buffers[connID] = buf
	m.mu.Unlock()
	return buf
}

// Unregister closes and removes the buffer for a connection ID.
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	buf, ok := m.buffers[connID]
	if ok {
		delete(m.buffers, connID)
	}
	m.mu.Unlock()
	if ok {
		buf.Close()
	}
	m.updateSlowGauge()
}

// Snapshot returns per-connection stats keyed by connection ID.
func (m *Manager) Snapshot() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.buffers))
	for id, buf := range m.buffers {
		out[id] = buf.Stats()
	}
	return out
}

// Close shuts down the janitor and closes every tracked buffer.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
	m.mu.Lock()
	for id, buf := range m.buffers {
		buf.Close()
		delete(m.buffers, id)
	}
	m.mu.Unlock()
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap()
			m.updateSlowGauge()
		}
	}
}

func (m *Manager) reap() {
	cutoff := time.Now().Add(-m.staleAfter)
	m.mu.Lock()
	var stale []string
	for id, buf := range m.buffers {
		if buf.LastActivity().Before(cutoff) || buf.Closed() {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.buffers[id].Close()
		delete(m.buffers, id)
	}
	m.mu.Unlock()
	if len(stale) > 0 {
		log.Debugf(context.Background(), "reaped %d stale connection buffers", len(stale))
	}
}

func (m *Manager) updateSlowGauge() {
	m.mu.Lock()
	slow := 0
	for _, buf := range m.buffers {
		if buf.Slow() {
			slow++
		}
	}
	m.mu.Unlock()
	m.metrics.SetSlowClients(slow)
}
