package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/florianilch/signagectl/internal/tokenstore"
)

// Default endpoint paths relative to the API base URL.
const (
	DefaultRefreshPath = "/auth/refresh"
	DefaultLoginPath   = "/auth/login"
)

// maxResponseBytes bounds how much of an auth response is read.
const maxResponseBytes = 1 << 20

// ErrIncompleteResponse is returned when the backend omits either token.
var ErrIncompleteResponse = errors.New("auth response is missing a token")

// Option configures a Source.
type Option func(*sourceConfig)

// sourceConfig holds configuration for New.
type sourceConfig struct {
	httpClient  *http.Client
	refreshPath string
	loginPath   string
}

// WithHTTPClient sets the HTTP client used for auth requests.
// If not provided, a client with a 30 second timeout is used.
func WithHTTPClient(client *http.Client) Option {
	return func(c *sourceConfig) {
		c.httpClient = client
	}
}

// WithRefreshPath overrides the refresh endpoint path.
func WithRefreshPath(path string) Option {
	return func(c *sourceConfig) {
		c.refreshPath = path
	}
}

// WithLoginPath overrides the login endpoint path.
func WithLoginPath(path string) Option {
	return func(c *sourceConfig) {
		c.loginPath = path
	}
}

// StatusError reports a non-2xx response from an auth endpoint.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("auth endpoint returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Source calls the backend's login and refresh endpoints.
type Source struct {
	httpClient *http.Client
	refreshURL string
	loginURL   string
}

// New creates a Source for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Source, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	cfg := &sourceConfig{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		refreshPath: DefaultRefreshPath,
		loginPath:   DefaultLoginPath,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Source{
		httpClient: cfg.httpClient,
		refreshURL: joinURL(baseURL, cfg.refreshPath),
		loginURL:   joinURL(baseURL, cfg.loginPath),
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Refresh exchanges a refresh token for a new credential pair.
func (s *Source) Refresh(ctx context.Context, refreshToken string) (tokenstore.Credentials, error) {
	return s.exchange(ctx, s.refreshURL, refreshRequest{RefreshToken: refreshToken})
}

// Login exchanges user credentials for a credential pair.
func (s *Source) Login(ctx context.Context, email, password string) (tokenstore.Credentials, error) {
	return s.exchange(ctx, s.loginURL, loginRequest{Email: email, Password: password})
}

func (s *Source) exchange(ctx context.Context, endpoint string, payload any) (tokenstore.Credentials, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return tokenstore.Credentials{}, fmt.Errorf("marshaling JSON request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return tokenstore.Credentials{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return tokenstore.Credentials{}, fmt.Errorf("requesting %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return tokenstore.Credentials{}, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenstore.Credentials{}, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var tokens tokenResponse
	if err := json.Unmarshal(respBody, &tokens); err != nil {
		return tokenstore.Credentials{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tokens.Token == "" || tokens.RefreshToken == "" {
		return tokenstore.Credentials{}, ErrIncompleteResponse
	}

	return tokenstore.Credentials{
		AccessToken:  tokens.Token,
		RefreshToken: tokens.RefreshToken,
	}, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
