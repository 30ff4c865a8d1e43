// Package tokenstore provides persistent storage for the access/refresh credential pair.
//
// Every backend stores both tokens as a single value, so a reader never observes
// a new access token next to an old refresh token:
//   - File: JSON document on disk with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Redis: one hash per session, written with a single HSET
//   - Memory: process-local storage for tests and ephemeral sessions
//   - Env: read-only pair from environment variables, usually wrapped in a LayeredStore
//     so refreshed credentials live in memory for the lifetime of the process
package tokenstore
