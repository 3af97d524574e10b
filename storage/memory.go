package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral execution
// mode. Nothing survives process exit.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record // insertion order
	index   map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// GetJobsInQueue returns stored jobs for queueType in insertion order.
func (m *MemoryStore) GetJobsInQueue(ctx context.Context, queueType string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.ID == "" {
			continue // tombstone
		}
		if rec.QueueType == queueType {
			out = append(out, rec)
		}
	}
	return out, nil
}

// InsertJob appends one record.
func (m *MemoryStore) InsertJob(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index[rec.ID] = len(m.records)
	m.records = append(m.records, rec)
	return nil
}

// DeleteJob removes one record by id.
func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.index, id)
	m.records[i] = Record{} // keep slice positions stable for ordering
	return nil
}

// Len returns the number of live records across all queue types.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// Close implements Store; it is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }
