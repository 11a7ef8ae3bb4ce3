package token

import (
	"context"
	"sync"
)

// MemStore is an in-memory token store for tests and single-node dev
// mode. SetStatus stands in for the external validation flow.
type MemStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

// NewMemStore creates an empty in-memory token store.
func NewMemStore() *MemStore {
	return &MemStore{tokens: make(map[string]Token)}
}

// Put inserts or replaces a token.
func (m *MemStore) Put(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.ID] = t
}

// SetStatus flips a token's status, simulating external validation.
func (m *MemStore) SetStatus(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok {
		t.Status = status
		m.tokens[id] = t
	}
}

func (m *MemStore) Get(ctx context.Context, id string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := t
	return &copy, nil
}

func (m *MemStore) IncrementAttempts(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.Attempts++
	m.tokens[id] = t
	return nil
}
