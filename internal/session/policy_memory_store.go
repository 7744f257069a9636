package session

import (
	"context"
	"sync"

	"github.com/mbd888/agentpay/internal/paymenterrors"
)

// PolicyMemoryStore is an in-memory PolicyStore, one attachment per session.
type PolicyMemoryStore struct {
	mu          sync.RWMutex
	attachments map[string]*PolicyAttachment
}

// NewPolicyMemoryStore creates a new in-memory policy store.
func NewPolicyMemoryStore() *PolicyMemoryStore {
	return &PolicyMemoryStore{attachments: make(map[string]*PolicyAttachment)}
}

// Attach stores (or replaces) the policy attachment for a session.
func (m *PolicyMemoryStore) Attach(_ context.Context, att *PolicyAttachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *att
	m.attachments[att.KeyHash] = &cp
	return nil
}

// Get retrieves the policy attachment for a session, if any.
func (m *PolicyMemoryStore) Get(_ context.Context, keyHash string) (*PolicyAttachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	att, ok := m.attachments[keyHash]
	if !ok {
		return nil, paymenterrors.Internal("session: no policy attachment for this session")
	}
	cp := *att
	return &cp, nil
}

// Detach removes the policy attachment for a session. Idempotent.
func (m *PolicyMemoryStore) Detach(_ context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attachments, keyHash)
	return nil
}
