package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/florianilch/signagectl/internal/tokenstore"
)

// StoreFactory opens the configured credential store.
type StoreFactory func() (tokenstore.CredentialStore, error)

// lazyStore defers opening the credential store to the first operation, so
// commands that never touch credentials do not create files, prompt the
// keyring or dial redis.
type lazyStore struct {
	store  func() (tokenstore.CredentialStore, error)
	opened atomic.Bool
}

// Compile-time check to ensure lazyStore implements CredentialStore
var _ tokenstore.CredentialStore = (*lazyStore)(nil)

func newLazyStore(factory StoreFactory) (*lazyStore, error) {
	if factory == nil {
		return nil, fmt.Errorf("missing credential store factory")
	}

	l := &lazyStore{}
	l.store = sync.OnceValues(func() (tokenstore.CredentialStore, error) {
		store, err := factory()
		if err != nil {
			return nil, fmt.Errorf("failed to open credential store: %w", err)
		}
		l.opened.Store(true)
		return store, nil
	})
	return l, nil
}

func (l *lazyStore) Read(ctx context.Context) (tokenstore.Credentials, error) {
	store, err := l.store()
	if err != nil {
		return tokenstore.Credentials{}, err
	}
	return store.Read(ctx)
}

func (l *lazyStore) Write(ctx context.Context, creds tokenstore.Credentials) error {
	store, err := l.store()
	if err != nil {
		return err
	}
	return store.Write(ctx, creds)
}

func (l *lazyStore) Clear(ctx context.Context) error {
	store, err := l.store()
	if err != nil {
		return err
	}
	return store.Clear(ctx)
}

// Close releases the underlying store if it was opened and holds resources.
func (l *lazyStore) Close() error {
	if !l.opened.Load() {
		return nil
	}
	store, _ := l.store()
	if closer, ok := store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
