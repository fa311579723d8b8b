package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]int)}
}

// Insert implements Repository.
func (m *MemoryRepository) Insert(_ context.Context, r Record) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[r.EventID]; exists {
		return false, nil
	}
	m.byID[r.EventID] = len(m.records)
	m.records = append(m.records, r)
	return true, nil
}

// FindRecentIssued implements Repository.
func (m *MemoryRepository) FindRecentIssued(_ context.Context, resourceToken, continuityHash string, since time.Time) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Record
	for i := range m.records {
		r := &m.records[i]
		if r.Decision != DecisionIssued || r.ResourceToken != resourceToken || r.ContinuityHash != continuityHash {
			continue
		}
		if r.CreatedAt.Before(since) {
			continue
		}
		if found == nil || !r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// Exists implements Repository.
func (m *MemoryRepository) Exists(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[eventID]
	return ok && m.records[i].Decision == DecisionIssued, nil
}

// Records returns a copy of all records in insertion order.
func (m *MemoryRepository) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}
