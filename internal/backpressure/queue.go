// SPDX-License-Identifier: MIT

// Package backpressure bounds per-session input queues during barge-in storms.
package backpressure

import (
	"sync"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Strategy names the eviction behavior. Only shed-oldest is implemented.
const StrategyOldest = "oldest"

// Item is one queued input.
type Item struct {
	TurnID        string
	CorrelationID string
	Input         string
}

// Stats is the queue manager's observable state.
type Stats struct {
	Admitted int            `json:"admitted"`
	Shed     int            `json:"shed"`
	Depths   map[string]int `json:"depths"`
}

// Manager maintains one bounded FIFO per session.
type Manager struct {
	mu       sync.Mutex
	capacity int
	queues   map[string][]Item
	admitted int
	shed     int
}

// NewManager creates a manager with the given per-session capacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 8
	}
	return &Manager{
		capacity: capacity,
		queues:   make(map[string][]Item),
	}
}

// Admit enqueues item for the session. It always succeeds: at capacity the
// oldest entry is evicted first and the shed count incremented.
func (m *Manager) Admit(sessionID string, item Item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[sessionID]
	if len(q) >= m.capacity {
		q = q[1:]
		m.shed++
		metrics.RecordBackpressureShed(StrategyOldest)
	}
	m.queues[sessionID] = append(q, item)
	m.admitted++
	metrics.RecordBackpressureAdmit()
	return true
}

// Pop removes and returns the oldest queued item for the session.
func (m *Manager) Pop(sessionID string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[sessionID]
	if len(q) == 0 {
		return Item{}, false
	}
	item := q[0]
	if len(q) == 1 {
		delete(m.queues, sessionID)
	} else {
		m.queues[sessionID] = q[1:]
	}
	return item, true
}

// ResetSession drops everything queued for the session. Used on barge-in.
func (m *Manager) ResetSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queues[sessionID])
	delete(m.queues, sessionID)
	return n
}

// Stats returns admit/shed totals and per-session depths.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := make(map[string]int, len(m.queues))
	for id, q := range m.queues {
		depths[id] = len(q)
	}
	return Stats{Admitted: m.admitted, Shed: m.shed, Depths: depths}
}
