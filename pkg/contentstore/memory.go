package contentstore

import (
	"fmt"
	"slices"
	"sync"
)

// Memory is an in-process Store, used by tests and small dry runs.
type Memory struct {
	mu    sync.RWMutex
	slots map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string][]byte)}
}

// Put copies data into a new slot.
func (m *Memory) Put(change string, id int, data []byte) error {
	key := Key(change, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slots[key]; ok {
		return fmt.Errorf("contentstore: %s: %w", key, ErrExists)
	}

	m.slots[key] = slices.Clone(data)

	return nil
}

// Get returns a copy of the slot.
func (m *Memory) Get(change string, id int) ([]byte, error) {
	key := Key(change, id)

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.slots[key]
	if !ok {
		return nil, fmt.Errorf("contentstore: %s: %w", key, ErrNotFound)
	}

	return slices.Clone(data), nil
}

// Delete drops the slot.
func (m *Memory) Delete(change string, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.slots, Key(change, id))

	return nil
}

// Len returns the number of stored slots.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.slots)
}
