package state

import (
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory Store for tests and the "memory" backend.
// Failures can be injected with FailWith.
type MockStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
	failErr error
	puts    int
}

// NewMockStore creates an in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		entries: make(map[string][]byte),
	}
}

// Get reads one value.
func (m *MockStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failErr != nil {
		return nil, m.failErr
	}
	v, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value.
func (m *MockStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.entries[key] = append([]byte(nil), value...)
	m.puts++
	return nil
}

// Delete removes one key.
func (m *MockStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	delete(m.entries, key)
	return nil
}

// List returns entries under prefix in key order.
func (m *MockStore) List(prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failErr != nil {
		return nil, m.failErr
	}

	var entries []Entry
	for k, v := range m.entries {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close is a no-op; the data stays readable so tests can reopen over it.
func (m *MockStore) Close() error {
	return nil
}

// Helper methods for testing

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Len returns the number of stored keys.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Puts returns the number of successful writes.
func (m *MockStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
