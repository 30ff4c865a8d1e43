package tokenstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Read when no credentials are stored.
	ErrNotFound = errors.New("no stored credentials")

	// ErrReadOnly is returned by Write and Clear on read-only backends.
	ErrReadOnly = errors.New("credential storage is read-only")
)

// Credentials is the access/refresh token pair issued by the backend.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero reports whether neither token is set.
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// CredentialStore reads and writes the credential pair.
//
// Write replaces both tokens in one operation. Clear is idempotent.
type CredentialStore interface {
	// Read returns the stored pair or ErrNotFound.
	Read(ctx context.Context) (Credentials, error)

	// Write persists the pair, replacing any previous one.
	Write(ctx context.Context, creds Credentials) error

	// Clear removes stored credentials. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
