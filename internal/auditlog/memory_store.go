package auditlog

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store, the way
// internal/ledger.MemoryAuditLogger backs demo/test deployments: an
// append-only slice guarded by a single mutex, filtered and reversed on
// Query rather than maintaining secondary indexes.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Record
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if f.ChainID != nil && r.ChainID != *f.ChainID {
			continue
		}
		if !f.StartTime.IsZero() && r.Timestamp.Before(f.StartTime) {
			continue
		}
		if !f.EndTime.IsZero() && r.Timestamp.After(f.EndTime) {
			continue
		}
		if f.SessionKeyHash != "" && r.SessionKeyHash != f.SessionKeyHash {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}

	if f.Offset >= len(matched) {
		return nil, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], nil
}

var _ Store = (*MemoryStore)(nil)
