package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/signagectl/internal/tokenstore"
)

// DefaultExpirySkew is how long before the decoded expiry a token is already treated as expired.
const DefaultExpirySkew = 30 * time.Second

// Authenticator exchanges secrets for credential pairs at the backend's auth endpoints.
type Authenticator interface {
	Refresh(ctx context.Context, refreshToken string) (tokenstore.Credentials, error)
	Login(ctx context.Context, email, password string) (tokenstore.Credentials, error)
}

// ExpiredFunc is notified once per unrecoverable refresh failure.
type ExpiredFunc func(ctx context.Context, cause error)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithSessionExpired registers the callback invoked when the session cannot be renewed.
// It runs on the goroutine that led the failed refresh, after waiters were released.
func WithSessionExpired(fn ExpiredFunc) Option {
	return func(c *Client) {
		c.onExpired = fn
	}
}

// WithExpirySkew overrides DefaultExpirySkew.
func WithExpirySkew(skew time.Duration) Option {
	return func(c *Client) {
		c.skew = skew
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client is the authenticated HTTP client for the backend API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      tokenstore.CredentialStore
	auth       Authenticator
	onExpired  ExpiredFunc
	skew       time.Duration
	now        func() time.Time

	gate refreshGate
}

// Compile-time check to ensure Client implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Client)(nil)

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, store tokenstore.CredentialStore, auth Authenticator, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}
	if auth == nil {
		return nil, fmt.Errorf("missing authenticator")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		store:      store,
		auth:       auth,
		skew:       DefaultExpirySkew,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send issues req with the current access token attached.
//
// A 401 answer triggers one shared credential refresh and a single replay of
// req. Every other failure is returned as *APIError.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, newStoreError(err)
	}
	return c.send(ctx, req.prepared(), creds.AccessToken)
}

func (c *Client) send(ctx context.Context, req Request, accessToken string) (*Response, error) {
	resp, err := c.roundTrip(ctx, req, accessToken)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return resp, nil

	case resp.StatusCode == http.StatusUnauthorized && req.Retried():
		slog.WarnContext(ctx, "request rejected after credential refresh",
			"method", req.Method, "path", req.Path, "request_id", req.Header.Get(HeaderRequestID))
		return nil, newSessionExpired(nil, resp.Body)

	case resp.StatusCode == http.StatusUnauthorized:
		fresh, err := c.refresh(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		return c.send(ctx, req.retry(), fresh.AccessToken)

	default:
		return nil, newStatusError(resp)
	}
}

// roundTrip performs a single HTTP exchange. Transport failures come back as
// network APIErrors; any HTTP status is a non-error result.
func (c *Client) roundTrip(ctx context.Context, req Request, accessToken string) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.resolve(req.Path), body)
	if err != nil {
		return nil, newRequestError(err)
	}
	httpReq.Header = req.Header.Clone()

	if accessToken != "" {
		tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
		tok.SetAuthHeader(httpReq)
	} else {
		httpReq.Header.Del("Authorization")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		slog.DebugContext(ctx, "request failed", "method", req.Method, "path", req.Path, "error", err)
		return nil, newNetworkError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newNetworkError(fmt.Errorf("reading response body: %w", err))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

func (c *Client) resolve(path string) string {
	if path == "" {
		return c.baseURL
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// refresh returns renewed credentials, joining the refresh already in flight
// if there is one.
func (c *Client) refresh(ctx context.Context, staleAccessToken string) (tokenstore.Credentials, error) {
	f, leader := c.gate.tryAcquire(staleAccessToken)
	if !leader {
		slog.DebugContext(ctx, "awaiting in-flight credential refresh")
		return f.wait(ctx)
	}

	// Waiters depend on this refresh; the leader's cancellation must not fail them.
	ctx = context.WithoutCancel(ctx)

	creds, cause := c.leadRefresh(ctx, f, staleAccessToken)
	if cause != nil {
		// The gate is released here, so the callback may use the client.
		if c.onExpired != nil {
			c.onExpired(ctx, cause)
		}
		return tokenstore.Credentials{}, f.err
	}
	return creds, nil
}

// leadRefresh renews the credentials and publishes the outcome to every
// waiter of f. A non-nil cause means the session ended.
func (c *Client) leadRefresh(ctx context.Context, f *flight, staleAccessToken string) (creds tokenstore.Credentials, cause error) {
	var published error = newSessionExpired(errRefreshAborted, nil)
	retain := false
	defer func() { c.gate.release(f, creds, published, retain) }()

	creds, cause = c.renew(ctx, staleAccessToken)
	if cause != nil {
		published = newSessionExpired(cause, nil)
		retain = c.replaced(ctx, staleAccessToken)
		return tokenstore.Credentials{}, cause
	}

	published, retain = nil, true
	return creds, nil
}

// renew runs the refresh exchange and persists the new pair. Any failure
// clears the session and is returned as the cause.
func (c *Client) renew(ctx context.Context, staleAccessToken string) (tokenstore.Credentials, error) {
	current, err := c.credentials(ctx)
	if err != nil {
		return tokenstore.Credentials{}, c.expire(ctx, err)
	}

	// A refresh that settled between the failed request and this point already
	// produced a usable token.
	if current.AccessToken != "" && current.AccessToken != staleAccessToken {
		slog.DebugContext(ctx, "credentials already renewed")
		return current, nil
	}

	if current.RefreshToken == "" {
		return tokenstore.Credentials{}, c.expire(ctx, errNoRefreshToken)
	}

	fresh, err := c.auth.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return tokenstore.Credentials{}, c.expire(ctx, fmt.Errorf("refreshing credentials: %w", err))
	}

	if err := c.store.Write(ctx, fresh); err != nil {
		return tokenstore.Credentials{}, c.expire(ctx, fmt.Errorf("storing refreshed credentials: %w", err))
	}

	slog.InfoContext(ctx, "session refreshed")
	return fresh, nil
}

// expire clears the stored credentials and returns cause.
func (c *Client) expire(ctx context.Context, cause error) error {
	slog.WarnContext(ctx, "session expired", "error", cause)

	if err := c.store.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to clear credentials", "error", err)
	}
	return cause
}

// replaced reports whether the store no longer holds staleAccessToken.
func (c *Client) replaced(ctx context.Context, staleAccessToken string) bool {
	current, err := c.credentials(ctx)
	return err == nil && current.AccessToken != staleAccessToken
}

// credentials reads the stored pair. An empty store yields zero credentials.
func (c *Client) credentials(ctx context.Context) (tokenstore.Credentials, error) {
	creds, err := c.store.Read(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return tokenstore.Credentials{}, nil
	}
	if err != nil {
		return tokenstore.Credentials{}, fmt.Errorf("reading credentials: %w", err)
	}
	return creds, nil
}

// IsAuthenticated reports whether an access token is stored and its decoded
// expiry lies beyond the expiry skew.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	creds, err := c.credentials(ctx)
	if err != nil || creds.AccessToken == "" {
		return false
	}

	claims, err := DecodeClaims(creds.AccessToken)
	if err != nil {
		slog.DebugContext(ctx, "stored access token is not decodable", "error", err)
		return false
	}
	return claims.ValidAt(c.now(), c.skew)
}

// Claims decodes the stored access token.
func (c *Client) Claims(ctx context.Context) (Claims, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return Claims{}, err
	}
	if creds.AccessToken == "" {
		return Claims{}, tokenstore.ErrNotFound
	}
	return DecodeClaims(creds.AccessToken)
}

// Login authenticates with email and password and stores the issued pair.
func (c *Client) Login(ctx context.Context, email, password string) error {
	creds, err := c.auth.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := c.store.Write(ctx, creds); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	c.gate.reset()

	slog.InfoContext(ctx, "logged in", "email", email)
	return nil
}

// ClearSession removes the stored credentials. Calling it repeatedly is safe.
func (c *Client) ClearSession(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	c.gate.reset()
	return nil
}

// Token returns the stored credentials as an oauth2.Token with the expiry
// decoded from the access token. It never refreshes.
func (c *Client) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter
	ctx := context.Background()

	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}
	if creds.AccessToken == "" {
		return nil, tokenstore.ErrNotFound
	}

	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: creds.RefreshToken,
	}
	if claims, err := DecodeClaims(creds.AccessToken); err == nil {
		tok.Expiry = claims.Expiry
	}
	return tok, nil
}

// DoJSON sends req and decodes the response body into T.
// An empty body yields the zero value.
func DoJSON[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var out T

	resp, err := c.Send(ctx, req)
	if err != nil {
		return out, err
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return out, nil
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
