// Package session implements the authenticated HTTP client for the signage backend.
//
// Client attaches the stored access token to every request. When the backend
// answers 401, the client renews the credential pair through the refresh
// endpoint and replays the request once with the new access token. Concurrent
// requests that fail at the same time share a single refresh call:
//
//	client, err := session.New(baseURL, store, authSource,
//		session.WithSessionExpired(func(ctx context.Context, cause error) {
//			slog.WarnContext(ctx, "login required", "error", cause)
//		}),
//	)
//	screens, err := session.DoJSON[[]Screen](ctx, client, session.Get("/screens"))
//
// A failed refresh clears the stored credentials, invokes the session-expired
// callback and fails every waiting request with an APIError matching
// ErrSessionExpired.
package session
