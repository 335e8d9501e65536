package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryKV is a process-local KV with TTL expiry, used for development and tests.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryKV returns an empty store. A nil now uses time.Now.
func NewMemoryKV(now func() time.Time) *MemoryKV {
	if now == nil {
		now = time.Now
	}
	return &MemoryKV{items: make(map[string]memoryEntry), now: now}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.items, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Put(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// List walks keys in lexical order; the cursor is the last key returned.
func (m *MemoryKV) List(_ context.Context, prefix, cursor string, limit int) (Page, error) {
	m.mu.Lock()
	now := m.now()
	keys := make([]string, 0)
	for k, e := range m.items {
		if !strings.HasPrefix(k, prefix) || k <= cursor {
			continue
		}
		if !now.Before(e.expiresAt) {
			continue
		}
		keys = append(keys, k)
	}
	m.mu.Unlock()

	sort.Strings(keys)
	if limit <= 0 || len(keys) <= limit {
		return Page{Keys: keys}, nil
	}
	keys = keys[:limit]
	return Page{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}

func (m *MemoryKV) Ping(context.Context) error { return nil }

func (m *MemoryKV) Close() error { return nil }

// Len returns the number of live entries.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, e := range m.items {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
