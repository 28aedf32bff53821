package snapshot

import (
	"context"
	"sync"
)

// MemoryStore is an in memory ObjectStore, useful for tests and hosts
// that only want the snapshot to survive service restarts inside the process.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: map[string][]byte{},
	}
}

// Get satisfies ObjectStore interface.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}

	return append([]byte(nil), data...), nil
}

// Put satisfies ObjectStore interface.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = append([]byte(nil), data...)
	return nil
}
