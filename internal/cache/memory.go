package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mylg-studio/chatsync/internal/clock"
	"github.com/mylg-studio/chatsync/pkg/metrics"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store. Expired entries are evicted lazily on read; there
// is no background sweeper.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
}

// NewMemory creates an in-memory cache. A nil clock uses the wall clock.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{clock: c, entries: make(map[string]entry)}
}

// Get returns the value for key if it exists and has not expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if ok && !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	metrics.RecordCacheLookup("memory", ok)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{
		value:     append([]byte(nil), value...),
		expiresAt: m.clock.Now().Add(effectiveTTL(ttl)),
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
