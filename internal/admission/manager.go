// Package admission implements capacity, wait-time, and per-session
// timeout control over active gateway connections.
package admission

import (
	"sync"
	"time"
)

// Cleanup is invoked to tear down a session that admission has decided to
// remove (timeout or explicit removal). It must be idempotent-safe to call
// once.
type Cleanup func()

type entry struct {
	acceptedAt time.Time
	cleanup    Cleanup
}

// Manager bounds the number of concurrent sessions and enforces a maximum
// connection lifetime per session.
type Manager struct {
	mu                sync.Mutex
	sessions          map[string]*entry
	maxClients        int
	maxConnectionTime time.Duration
}

// New constructs a Manager with the given capacity and per-session timeout.
func New(maxClients int, maxConnectionTime time.Duration) *Manager {
	return &Manager{
		sessions:          make(map[string]*entry),
		maxClients:        maxClients,
		maxConnectionTime: maxConnectionTime,
	}
}

// TryAdmit attempts to reserve a slot for uid. On success it records the
// acceptance time and cleanup callback. On failure it returns the
// recommended wait time, in whole minutes, for the client's WAIT response.
func (m *Manager) TryAdmit(uid string, cleanup Cleanup) (admitted bool, waitMinutes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxClients {
		return false, m.waitMinutesLocked()
	}

	m.sessions[uid] = &entry{acceptedAt: time.Now(), cleanup: cleanup}
	return true, 0
}

// waitMinutesLocked returns the minimum, over all active sessions, of
// remaining time until max_connection_time, in minutes. Caller must hold mu.
func (m *Manager) waitMinutesLocked() int {
	if len(m.sessions) == 0 {
		return 0
	}

	now := time.Now()
	best := m.maxConnectionTime
	for _, e := range m.sessions {
		elapsed := now.Sub(e.acceptedAt)
		remaining := m.maxConnectionTime - elapsed
		if remaining < best {
			best = remaining
		}
	}
	if best < 0 {
		best = 0
	}
	return int(best / time.Minute)
}

// IsTimedOut reports whether uid has exceeded max_connection_time.
func (m *Manager) IsTimedOut(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[uid]
	if !ok {
		return false
	}
	return time.Since(e.acceptedAt) >= m.maxConnectionTime
}

// Remove invokes the session's cleanup callback (if any) and frees its
// slot.
func (m *Manager) Remove(uid string) {
	m.mu.Lock()
	e, ok := m.sessions[uid]
	if ok {
		delete(m.sessions, uid)
	}
	m.mu.Unlock()

	if ok && e.cleanup != nil {
		e.cleanup()
	}
}

// Count returns the number of currently admitted sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
