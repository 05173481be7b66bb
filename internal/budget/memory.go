package budget

import "sync"

// MemoryStore is an in-process Store, used by tests and as the default
// when no durable store is configured.
type MemoryStore struct {
	mu    sync.Mutex
	spend map[string]float64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spend: make(map[string]float64)}
}

func key(day, userID string) string {
	return day + "|" + userID
}

// Spent returns the accumulated spend for the key, 0 if absent.
func (m *MemoryStore) Spent(day, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spend[key(day, userID)], nil
}

// Add atomically adds amount and returns the new total.
func (m *MemoryStore) Add(day, userID string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(day, userID)
	m.spend[k] += amount
	return m.spend[k], nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
