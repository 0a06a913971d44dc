package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process KVStore. It backs single-node deployments
// without valkey and doubles as a test fake.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]string
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]string),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryStore) SetValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	delete(m.expires, key)
	return nil
}

func (m *MemoryStore) SetValueWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.expires[key] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) GetValue(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// ListKeys matches keys with path.Match, which treats '*' like valkey's
// KEYS for the key shapes used here.
func (m *MemoryStore) ListKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for key := range m.data {
		m.expire(key)
		if _, ok := m.data[key]; !ok {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.expires, key)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// expire drops key if its TTL has passed. Callers hold mu.
func (m *MemoryStore) expire(key string) {
	if at, ok := m.expires[key]; ok && !m.now().Before(at) {
		delete(m.data, key)
		delete(m.expires, key)
	}
}
