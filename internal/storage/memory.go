package storage

import (
	"fmt"
	"sync"

	"github.com/gftdcojp/asset-stream-cache/internal/types"
)

// memoryBackend keeps everything in process memory. Used when no path is
// configured and as the degraded fallback when BoltDB cannot be opened.
type memoryBackend struct {
	mu       sync.RWMutex
	payloads map[types.Collection]map[string][]byte
	entries  map[string]UsageEntry
}

func newMemoryBackend() *memoryBackend {
	m := &memoryBackend{
		payloads: make(map[types.Collection]map[string][]byte),
		entries:  make(map[string]UsageEntry),
	}
	for _, c := range types.AssetCollections {
		m.payloads[c] = make(map[string][]byte)
	}
	return m
}

func (m *memoryBackend) put(entry *UsageEntry, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.payloads[entry.Collection]
	if !ok {
		return fmt.Errorf("collection %q not found", entry.Collection)
	}
	bucket[entry.Key] = append([]byte(nil), payload...)
	m.entries[string(usageKey(entry.Collection, entry.Key))] = *entry
	return nil
}

func (m *memoryBackend) putUsage(entry *UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[string(usageKey(entry.Collection, entry.Key))] = *entry
	return nil
}

func (m *memoryBackend) payload(c types.Collection, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket, ok := m.payloads[c]
	if !ok {
		return nil, fmt.Errorf("collection %q not found", c)
	}
	v, ok := bucket[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *memoryBackend) delete(c types.Collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.payloads[c]
	if !ok {
		return fmt.Errorf("collection %q not found", c)
	}
	delete(bucket, key)
	delete(m.entries, string(usageKey(c, key)))
	return nil
}

func (m *memoryBackend) clear(c types.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payloads[c]; !ok {
		return fmt.Errorf("collection %q not found", c)
	}
	m.payloads[c] = make(map[string][]byte)
	for k, e := range m.entries {
		if e.Collection == c {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *memoryBackend) usage() ([]*UsageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*UsageEntry, 0, len(m.entries))
	for _, e := range m.entries {
		e := e
		entries = append(entries, &e)
	}
	return entries, nil
}

func (m *memoryBackend) keys(c types.Collection) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.payloads[c]))
	for k := range m.payloads[c] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memoryBackend) ping() error { return nil }

func (m *memoryBackend) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = nil
	m.entries = nil
	return nil
}
