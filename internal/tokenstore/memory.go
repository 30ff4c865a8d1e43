package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the pair in process memory. Useful for tests and ephemeral sessions.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// Compile-time check to ensure MemoryStore implements CredentialStore
var _ CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Read(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds.IsZero() {
		return Credentials{}, ErrNotFound
	}
	return m.creds, nil
}

func (m *MemoryStore) Write(ctx context.Context, creds Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.creds = Credentials{}
	m.mu.Unlock()
	return nil
}
