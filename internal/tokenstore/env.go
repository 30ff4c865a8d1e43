package tokenstore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore provides read-only access to credentials stored in environment variables.
// Refreshed credentials cannot be written back; wrap it in a LayeredStore for that.
type EnvStore struct {
	accessKey  string
	refreshKey string
}

// Compile-time check to ensure EnvStore implements CredentialStore
var _ CredentialStore = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore reading the access token from accessKey and
// the refresh token from refreshKey. The refresh key may be empty.
func NewEnvStore(accessKey, refreshKey string) (*EnvStore, error) {
	if accessKey == "" {
		return nil, fmt.Errorf("access token environment key cannot be empty")
	}

	if _, exists := os.LookupEnv(accessKey); !exists {
		return nil, fmt.Errorf("environment variable %s not set", accessKey)
	}

	return &EnvStore{
		accessKey:  accessKey,
		refreshKey: refreshKey,
	}, nil
}

// Read returns the pair from the environment. Returns ErrNotFound if both are empty.
func (e *EnvStore) Read(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	creds := Credentials{AccessToken: os.Getenv(e.accessKey)}
	if e.refreshKey != "" {
		creds.RefreshToken = os.Getenv(e.refreshKey)
	}
	if creds.IsZero() {
		return Credentials{}, ErrNotFound
	}
	return creds, nil
}

// Write is not supported for environment variables.
func (e *EnvStore) Write(ctx context.Context, _ Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("environment variable storage: %w", ErrReadOnly)
}

// Clear is not supported for environment variables.
func (e *EnvStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("environment variable storage: %w", ErrReadOnly)
}
