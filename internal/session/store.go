package session

import (
	"context"
	"sync"

	"github.com/mbd888/agentpay/internal/paymenterrors"
)

// Store is thin key-value persistence over Session, keyed by key_hash. It
// is not responsible for policy or validity checks: it returns whatever
// was put, same as internal/sessionkeys.Store in the teacher.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, keyHash string) (*Session, error)
	Delete(ctx context.Context, keyHash string) error
	ListByMaster(ctx context.Context, masterKeyHash string) ([]*Session, error)
}

// MemoryStore is an in-memory Store, keyed by key_hash, returning
// defensive copies the way internal/sessionkeys.MemoryStore does.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Put inserts or overwrites a session.
func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.KeyHash] = &cp
	return nil
}

// Get retrieves a session by key_hash.
func (m *MemoryStore) Get(_ context.Context, keyHash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[keyHash]
	if !ok {
		return nil, paymenterrors.ErrSessionInvalid
	}
	cp := *s
	return &cp, nil
}

// Delete removes a session. Idempotent: deleting an absent session is not
// an error, matching SessionManager.revoke's idempotence contract.
func (m *MemoryStore) Delete(_ context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, keyHash)
	return nil
}

// ListByMaster returns every session created on behalf of masterKeyHash.
func (m *MemoryStore) ListByMaster(_ context.Context, masterKeyHash string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Session
	for _, s := range m.sessions {
		if s.MasterKeyHash == masterKeyHash {
			cp := *s
			result = append(result, &cp)
		}
	}
	return result, nil
}
