package filter

import (
	"sync"
	"time"
)

// CooldownStore is a keyed expiring map of last-accepted timestamps
type CooldownStore interface {
	// Reserve records at for key unless a record within window already
	// exists. It reports whether the record was made.
	Reserve(key string, at time.Time, window time.Duration) bool
	// Release removes the record for key if it still holds at
	Release(key string, at time.Time)
	// Prune removes records older than before and returns how many
	Prune(before time.Time) int
}

// MemoryCooldown is an in-process CooldownStore
type MemoryCooldown struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryCooldown creates an empty cooldown map
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{seen: make(map[string]time.Time)}
}

func (m *MemoryCooldown) Reserve(key string, at time.Time, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.seen[key]; ok && at.Sub(last) < window {
		return false
	}
	m.seen[key] = at
	return true
}

func (m *MemoryCooldown) Release(key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.seen[key]; ok && last.Equal(at) {
		delete(m.seen, key)
	}
}

func (m *MemoryCooldown) Prune(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, last := range m.seen {
		if last.Before(before) {
			delete(m.seen, key)
			n++
		}
	}
	return n
}

// Len returns the number of live records
func (m *MemoryCooldown) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
