package store

import (
	"context"
	"sync"
	"time"
)

type counterEntry struct {
	count      int64
	expiration time.Time
}

type blobEntry struct {
	value      []byte
	expiration time.Time
}

// Memory is an in-memory implementation of Store.
//
// Suitable for single-instance deployments and development. Each bot instance
// keeps its own state, so budgets are not shared across instances; use the
// Redis store when more than one instance runs against the same limits.
type Memory struct {
	mu       sync.RWMutex
	counters map[string]*counterEntry
	blobs    map[string]*blobEntry
	stopCh   chan struct{}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
func NewMemory() *Memory {
	m := &Memory{
		counters: make(map[string]*counterEntry),
		blobs:    make(map[string]*blobEntry),
		stopCh:   make(chan struct{}),
	}

	go m.cleanup()
	return m
}

func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry, exists := m.counters[key]

	if !exists || now.After(entry.expiration) {
		m.counters[key] = &counterEntry{
			count:      1,
			expiration: now.Add(window),
		}
		return 1, window, nil
	}

	entry.count++
	ttl := max(0, time.Until(entry.expiration))
	return entry.count, ttl, nil
}

func (m *Memory) GetCount(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.counters[key]
	if !exists || time.Now().After(entry.expiration) {
		return 0, nil
	}

	return entry.count, nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key)
	return nil
}

func (m *Memory) SetBytes(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[key] = &blobEntry{
		value:      value,
		expiration: time.Now().Add(ttl),
	}
	return nil
}

func (m *Memory) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.blobs[key]
	if !exists || time.Now().After(entry.expiration) {
		return nil, false, nil
	}

	return entry.value, true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)
	return nil
}

func (m *Memory) Close() error {
	close(m.stopCh)
	return nil
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			var expiredCounters, expiredBlobs []string

			m.mu.RLock()
			for key, entry := range m.counters {
				if now.After(entry.expiration) {
					expiredCounters = append(expiredCounters, key)
				}
			}
			for key, entry := range m.blobs {
				if now.After(entry.expiration) {
					expiredBlobs = append(expiredBlobs, key)
				}
			}
			m.mu.RUnlock()

			if len(expiredCounters) == 0 && len(expiredBlobs) == 0 {
				continue
			}

			m.mu.Lock()
			for _, key := range expiredCounters {
				delete(m.counters, key)
			}
			for _, key := range expiredBlobs {
				delete(m.blobs, key)
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}
