package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryDB is the map-backed backend used by tests and by the in-process
// testnet harness. Safe for concurrent use.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *MemoryDB {
	return &MemoryDB{data: make(map[string][]byte)}
}

func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, fmt.Errorf("memory get: %w", ErrNotFound)
	}
	return v, nil
}

func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach visits matching keys in ascending order, same as the Badger
// backend, so iteration-order assumptions hold on both. The callback runs
// outside the lock against a point-in-time snapshot.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)

	m.mu.RLock()
	matched := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			matched = append(matched, k)
		}
	}
	snapshot := make(map[string][]byte, len(matched))
	for _, k := range matched {
		snapshot[k] = m.data[k]
	}
	m.mu.RUnlock()

	sort.Strings(matched)
	for _, k := range matched {
		if err := fn([]byte(k), snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDB) Close() error {
	return nil
}
