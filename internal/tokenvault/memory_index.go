package tokenvault

import (
	"context"
	"sync"
	"time"
)

// MemoryIndex is the default in-process Index, a sync.Map of token
// string to IndexEntry plus a mutex-guarded secondary map for the
// session-scoped scans revoke_all_for_session needs. A sync.Map alone
// cannot answer "every token for this session" without a full Range on
// every call, so the secondary map trades a little bookkeeping on
// Put/Delete for O(1) revocation cascades.
type MemoryIndex struct {
	tokens sync.Map // string -> IndexEntry

	mu        sync.RWMutex
	bySession map[string]map[string]struct{}
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{bySession: make(map[string]map[string]struct{})}
}

func (m *MemoryIndex) Put(_ context.Context, token string, entry IndexEntry, _ time.Duration) error {
	m.tokens.Store(token, entry)

	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.bySession[entry.SessionKeyHash]
	if !ok {
		set = make(map[string]struct{})
		m.bySession[entry.SessionKeyHash] = set
	}
	set[token] = struct{}{}
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, token string) (IndexEntry, bool, error) {
	v, ok := m.tokens.Load(token)
	if !ok {
		return IndexEntry{}, false, nil
	}
	return v.(IndexEntry), true, nil
}

func (m *MemoryIndex) Delete(_ context.Context, token string) error {
	v, ok := m.tokens.LoadAndDelete(token)
	if !ok {
		return nil
	}
	entry := v.(IndexEntry)

	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.bySession[entry.SessionKeyHash]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(m.bySession, entry.SessionKeyHash)
		}
	}
	return nil
}

func (m *MemoryIndex) TokensForSession(_ context.Context, keyHash string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.bySession[keyHash]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out, nil
}

func (m *MemoryIndex) Cleanup(ctx context.Context, now time.Time) (int, error) {
	var expired []string
	m.tokens.Range(func(k, v interface{}) bool {
		if !now.Before(v.(IndexEntry).ExpiresAt) {
			expired = append(expired, k.(string))
		}
		return true
	})
	for _, t := range expired {
		_ = m.Delete(ctx, t)
	}
	return len(expired), nil
}

var _ Index = (*MemoryIndex)(nil)
