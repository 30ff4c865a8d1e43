// Package tokensource obtains credential pairs from the signage backend's auth endpoints.
//
// The backend does not speak standard OAuth2: both endpoints take and return
// JSON bodies, and the response carries the pair as "token" and "refreshToken".
//
// # Usage
//
//	src, err := tokensource.New("https://signage.example.com/api")
//	creds, err := src.Refresh(ctx, refreshToken)
//
// # Custom HTTP Client
//
// Configure a custom HTTP client for auth requests (e.g., for proxies or custom timeouts):
//
//	src, err := tokensource.New(baseURL, tokensource.WithHTTPClient(client))
package tokensource
