package tokenstore

import (
	"context"
	"sync"
)

// LayeredStore overlays a read-only base store with a writable in-memory layer.
// Reads fall through to the base until the first Write or Clear; from then on
// the memory layer is authoritative for the lifetime of the process.
type LayeredStore struct {
	base CredentialStore

	mu         sync.RWMutex
	overridden bool
	creds      Credentials
}

// Compile-time check to ensure LayeredStore implements CredentialStore
var _ CredentialStore = (*LayeredStore)(nil)

// NewLayeredStore wraps base, which is only ever read.
func NewLayeredStore(base CredentialStore) *LayeredStore {
	return &LayeredStore{base: base}
}

func (l *LayeredStore) Read(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	l.mu.RLock()
	overridden, creds := l.overridden, l.creds
	l.mu.RUnlock()

	if !overridden {
		return l.base.Read(ctx)
	}
	if creds.IsZero() {
		return Credentials{}, ErrNotFound
	}
	return creds, nil
}

func (l *LayeredStore) Write(ctx context.Context, creds Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.overridden = true
	l.creds = creds
	l.mu.Unlock()
	return nil
}

// Clear masks the base store; subsequent reads return ErrNotFound.
func (l *LayeredStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.overridden = true
	l.creds = Credentials{}
	l.mu.Unlock()
	return nil
}
