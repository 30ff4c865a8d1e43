package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/signagectl/internal/tokenstore"
)

// signToken creates an HS256 JWT with the given subject and expiry.
func signToken(t *testing.T, subject string, expiry time.Time, roles ...string) string {
	t.Helper()
	claims := tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// fakeAuth is an Authenticator returning canned credentials.
// When gate is non-nil, Refresh blocks until it is closed.
type fakeAuth struct {
	refreshCalls atomic.Int32
	gotRefresh   atomic.Pointer[string]
	gate         chan struct{}
	next         tokenstore.Credentials
	err          error
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (tokenstore.Credentials, error) {
	f.refreshCalls.Add(1)
	f.gotRefresh.Store(&refreshToken)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return tokenstore.Credentials{}, ctx.Err()
		}
	}
	return f.next, f.err
}

func (f *fakeAuth) Login(_ context.Context, email, password string) (tokenstore.Credentials, error) {
	if password != "correct" {
		return tokenstore.Credentials{}, errors.New("invalid credentials")
	}
	return f.next, nil
}

// backend accepts requests carrying the bearer token in valid and counts rejections.
type backend struct {
	valid        atomic.Pointer[string]
	unauthorized atomic.Int32
	onReject     func(count int32)
	requestIDs   sync.Map
}

func newBackend(t *testing.T, validToken string) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{}
	b.valid.Store(&validToken)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if n, ok := b.requestIDs.Load(id); ok {
			b.requestIDs.Store(id, n.(int)+1)
		} else {
			b.requestIDs.Store(id, 1)
		}

		if r.Header.Get("Authorization") != "Bearer "+*b.valid.Load() {
			count := b.unauthorized.Add(1)
			if b.onReject != nil {
				b.onReject(count)
			}
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"token expired"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	t.Cleanup(server.Close)
	return b, server
}

func newTestClient(t *testing.T, baseURL string, store tokenstore.CredentialStore, auth Authenticator, opts ...Option) *Client {
	t.Helper()
	client, err := New(baseURL, store, auth, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func seedStore(t *testing.T, creds tokenstore.Credentials) *tokenstore.MemoryStore {
	t.Helper()
	store := tokenstore.NewMemoryStore()
	if err := store.Write(context.Background(), creds); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	return store
}

func TestSend_AttachesBearerToken(t *testing.T) {
	access := signToken(t, "user-1", time.Now().Add(time.Hour))
	_, server := newBackend(t, access)

	store := seedStore(t, tokenstore.Credentials{AccessToken: access, RefreshToken: "refresh-1"})
	auth := &fakeAuth{}
	client := newTestClient(t, server.URL, store, auth)

	resp, err := client.Send(context.Background(), Get("/screens"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"path":"/screens"}` {
		t.Errorf("body = %s", resp.Body)
	}
	if calls := auth.refreshCalls.Load(); calls != 0 {
		t.Errorf("refresh calls = %d, want 0", calls)
	}
}

func TestSend_UnauthenticatedWithoutToken(t *testing.T) {
	var gotAuth atomic.Pointer[string]
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		gotAuth.Store(&header)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, tokenstore.NewMemoryStore(), &fakeAuth{})

	req := Get("/help/articles")
	req.Header.Set("Authorization", "Bearer leaked")
	if _, err := client.Send(context.Background(), req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := *gotAuth.Load(); got != "" {
		t.Errorf("Authorization = %q, want none", got)
	}
}

// N concurrent requests rejected with the same stale token share one refresh call.
func TestSend_SingleFlightRefresh(t *testing.T) {
	const n = 8

	stale := signToken(t, "user-1", time.Now().Add(-time.Minute))
	fresh := signToken(t, "user-1", time.Now().Add(time.Hour))

	b, server := newBackend(t, fresh)
	auth := &fakeAuth{
		gate: make(chan struct{}),
		next: tokenstore.Credentials{AccessToken: fresh, RefreshToken: "refresh-2"},
	}
	// Hold the refresh until every request has been rejected once
	var openGate sync.Once
	b.onReject = func(count int32) {
		if count == n {
			openGate.Do(func() { close(auth.gate) })
		}
	}

	store := seedStore(t, tokenstore.Credentials{AccessToken: stale, RefreshToken: "refresh-1"})
	var expired atomic.Int32
	client := newTestClient(t, server.URL, store, auth, WithSessionExpired(func(context.Context, error) {
		expired.Add(1)
	}))

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			resp, err := client.Send(context.Background(), Get(fmt.Sprintf("/playlists/%d", i)))
			if err != nil {
				return err
			}
			if want := fmt.Sprintf(`{"path":"/playlists/%d"}`, i); string(resp.Body) != want {
				return fmt.Errorf("body = %s, want %s", resp.Body, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Send() error = %v", err)
	}

	if calls := auth.refreshCalls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
	if got := *auth.gotRefresh.Load(); got != "refresh-1" {
		t.Errorf("refresh token sent = %q, want refresh-1", got)
	}
	if rejected := b.unauthorized.Load(); rejected != n {
		t.Errorf("401 responses = %d, want %d", rejected, n)
	}
	if expired.Load() != 0 {
		t.Errorf("session expired callback invoked %d times, want 0", expired.Load())
	}
	if client.gate.pending() {
		t.Error("refresh handle not released")
	}

	// each request was replayed exactly once under the same request id
	b.requestIDs.Range(func(key, value any) bool {
		if value.(int) != 2 {
			t.Errorf("request %v sent %d times, want 2", key, value)
		}
		return true
	})
}

// A request rejected again after the refresh fails instead of looping.
func TestSend_AtMostOneRetry(t *testing.T) {
	b, server := newBackend(t, "never-valid")

	auth := &fakeAuth{next: tokenstore.Credentials{AccessToken: "access-2", RefreshToken: "refresh-2"}}
	store := seedStore(t, tokenstore.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	client := newTestClient(t, server.URL, store, auth)

	_, err := client.Send(context.Background(), Get("/campaigns"))
	if !IsSessionExpired(err) {
		t.Fatalf("Send() error = %v, want session expired", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("error = %#v, want APIError with status 401", err)
	}
	if calls := auth.refreshCalls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
	if rejected := b.unauthorized.Load(); rejected != 2 {
		t.Errorf("401 responses = %d, want 2", rejected)
	}
}

func TestSend_AtomicCredentialUpdate(t *testing.T) {
	fresh := signToken(t, "user-1", time.Now().Add(time.Hour))
	_, server := newBackend(t, fresh)

	auth := &fakeAuth{next: tokenstore.Credentials{AccessToken: fresh, RefreshToken: "refresh-2"}}
	store := seedStore(t, tokenstore.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	client := newTestClient(t, server.URL, store, auth)

	if _, err := client.Send(context.Background(), Get("/schedules")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := tokenstore.Credentials{AccessToken: fresh, RefreshToken: "refresh-2"}
	if got != want {
		t.Errorf("stored credentials = %+v, want %+v", got, want)
	}
}

func TestSend_MissingRefreshTokenShortCircuits(t *testing.T) {
	_, server := newBackend(t, "never-valid")

	auth := &fakeAuth{next: tokenstore.Credentials{AccessToken: "x", RefreshToken: "y"}}
	store := seedStore(t, tokenstore.Credentials{AccessToken: "access-1"})

	var causes []error
	client := newTestClient(t, server.URL, store, auth, WithSessionExpired(func(_ context.Context, cause error) {
		causes = append(causes, cause)
	}))

	_, err := client.Send(context.Background(), Get("/screens"))
	if !IsSessionExpired(err) {
		t.Fatalf("Send() error = %v, want session expired", err)
	}
	if !errors.Is(err, errNoRefreshToken) {
		t.Errorf("error = %v, want cause %v", err, errNoRefreshToken)
	}
	if calls := auth.refreshCalls.Load(); calls != 0 {
		t.Errorf("refresh calls = %d, want 0", calls)
	}
	if len(causes) != 1 {
		t.Fatalf("session expired callback invoked %d times, want 1", len(causes))
	}
	if _, err := store.Read(context.Background()); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("store not cleared: %v", err)
	}
}

func TestSend_RefreshFailureEndsSessionOnce(t *testing.T) {
	const n = 5

	b, server := newBackend(t, "never-valid")
	auth := &fakeAuth{
		gate: make(chan struct{}),
		err:  errors.New("refresh endpoint unreachable"),
	}
	var openGate sync.Once
	b.onReject = func(count int32) {
		if count == n {
			openGate.Do(func() { close(auth.gate) })
		}
	}

	store := seedStore(t, tokenstore.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	var expired atomic.Int32
	client := newTestClient(t, server.URL, store, auth, WithSessionExpired(func(context.Context, error) {
		expired.Add(1)
	}))

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Send(context.Background(), Get("/screens"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !IsSessionExpired(err) {
			t.Errorf("Send() error = %v, want session expired", err)
		}
	}
	if calls := auth.refreshCalls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
	if got := expired.Load(); got != 1 {
		t.Errorf("session expired callback invoked %d times, want 1", got)
	}
	if _, err := store.Read(context.Background()); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("store not cleared: %v", err)
	}
	if client.gate.pending() {
		t.Error("refresh handle not released after failure")
	}
}

func TestSend_RefreshAfterFailureCanSucceed(t *testing.T) {
	fresh := signToken(t, "user-1", time.Now().Add(time.Hour))
	_, server := newBackend(t, fresh)

	auth := &fakeAuth{err: errors.New("temporarily down")}
	store := seedStore(t, tokenstore.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	client := newTestClient(t, server.URL, store, auth)

	if _, err := client.Send(context.Background(), Get("/screens")); !IsSessionExpired(err) {
		t.Fatalf("first Send() error = %v, want session expired", err)
	}

	// user logs in again; the next rejection starts a fresh refresh attempt
	auth.err = nil
	auth.next = tokenstore.Credentials{AccessToken: fresh, RefreshToken: "refresh-3"}
	if err := store.Write(context.Background(), tokenstore.Credentials{AccessToken: "access-2", RefreshToken: "refresh-2"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if _, err := client.Send(context.Background(), Get("/screens")); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if calls := auth.refreshCalls.Load(); calls != 2 {
		t.Errorf("refresh calls = %d, want 2", calls)
	}
}

func TestSend_StoreWriteFailureEndsSession(t *testing.T) {
	_, server := newBackend(t, "fresh")

	t.Setenv("TEST_SIGNAGE_ACCESS", "access-1")
	t.Setenv("TEST_SIGNAGE_REFRESH", "refresh-1")
	store, err := tokenstore.NewEnvStore("TEST_SIGNAGE_ACCESS", "TEST_SIGNAGE_REFRESH")
	if err != nil {
		t.Fatalf("NewEnvStore() error = %v", err)
	}

	auth := &fakeAuth{next: tokenstore.Credentials{AccessToken: "fresh", RefreshToken: "refresh-2"}}
	client := newTestClient(t, server.URL, store, auth)

	_, err = client.Send(context.Background(), Get("/screens"))
	if !IsSessionExpired(err) || !errors.Is(err, tokenstore.ErrReadOnly) {
		t.Errorf("Send() error = %v, want session expired caused by read-only store", err)
	}
}

func TestSend_ErrorNormalization(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"forbidden with message", http.StatusForbidden, `{"message":"screen belongs to another tenant"}`, "screen belongs to another tenant"},
		{"not found with error string", http.StatusNotFound, `{"error":"playlist not found"}`, "playlist not found"},
		{"rate limited with nested error", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, "slow down"},
		{"server error without body", http.StatusInternalServerError, ``, "Internal Server Error"},
		{"bad gateway with html", http.StatusBadGateway, `<html>bad gateway</html>`, "Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			auth := &fakeAuth{}
			store := seedStore(t, tokenstore.Credentials{AccessToken: "a", RefreshToken: "r"})
			client := newTestClient(t, server.URL, store, auth)

			_, err := client.Send(context.Background(), Get("/screens"))

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status {
				t.Errorf("Status = %d, want %d", apiErr.Status, tt.status)
			}
			if apiErr.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMessage)
			}
			if string(apiErr.Body) != tt.body {
				t.Errorf("Body = %q, want %q", apiErr.Body, tt.body)
			}
			if auth.refreshCalls.Load() != 0 {
				t.Error("non-401 errors must not trigger a refresh")
			}
		})
	}
}

func TestSend_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := newTestClient(t, baseURL, tokenstore.NewMemoryStore(), &fakeAuth{})

	_, err := client.Send(context.Background(), Get("/screens"))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "network error" {
		t.Errorf("APIError = %d %q, want 503 network error", apiErr.Status, apiErr.Message)
	}
	if apiErr.Unwrap() == nil {
		t.Error("network error should wrap the transport cause")
	}
}

// Access token expired ten seconds ago: one refresh, one successful replay.
func TestSend_ExpiredTokenScenario(t *testing.T) {
	expiredToken := signToken(t, "user-1", time.Now().Add(-10*time.Second))
	const newLiteral = "new-access-token-literal"

	_, server := newBackend(t, newLiteral)
	auth := &fakeAuth{next: tokenstore.Credentials{AccessToken: newLiteral, RefreshToken: "refresh-2"}}
	store := seedStore(t, tokenstore.Credentials{AccessToken: expiredToken, RefreshToken: "refresh-1"})
	client := newTestClient(t, server.URL, store, auth)

	if client.IsAuthenticated(context.Background()) {
		t.Error("IsAuthenticated() = true for expired token")
	}

	resp, err := client.Send(context.Background(), Get("/screens/42"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if string(resp.Body) != `{"path":"/screens/42"}` {
		t.Errorf("body = %s", resp.Body)
	}
	if calls := auth.refreshCalls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}

	got, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.AccessToken != newLiteral {
		t.Errorf("access token = %q, want %q", got.AccessToken, newLiteral)
	}
}

func TestSend_DoesNotMutateCallerRequest(t *testing.T) {
	fresh := signToken(t, "user-1", time.Now().Add(time.Hour))
	_, server := newBackend(t, fresh)

	auth := &fakeAuth{next: tokenstore.Credentials{AccessToken: fresh, RefreshToken: "r2"}}
	store := seedStore(t, tokenstore.Credentials{AccessToken: "stale", RefreshToken: "r1"})
	client := newTestClient(t, server.URL, store, auth)

	req := Get("/screens")
	if _, err := client.Send(context.Background(), req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if req.Retried() {
		t.Error("caller's descriptor marked as retried")
	}
	if req.Header.Get(HeaderRequestID) != "" || req.Header.Get("Authorization") != "" {
		t.Errorf("caller's headers modified: %v", req.Header)
	}
}

func TestIsAuthenticated_ExpiryBuffer(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	ctx := context.Background()

	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"expired", now.Add(-time.Second), false},
		{"expires within buffer", now.Add(20 * time.Second), false},
		{"expires exactly at buffer", now.Add(30 * time.Second), false},
		{"expires after buffer", now.Add(31 * time.Second), true},
		{"expires in an hour", now.Add(time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedStore(t, tokenstore.Credentials{AccessToken: signToken(t, "u", tt.expiry), RefreshToken: "r"})
			client := newTestClient(t, "https://signage.example.com/api", store, &fakeAuth{},
				WithClock(func() time.Time { return now }))

			if got := client.IsAuthenticated(ctx); got != tt.want {
				t.Errorf("IsAuthenticated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAuthenticated_UndecodableToken(t *testing.T) {
	store := seedStore(t, tokenstore.Credentials{AccessToken: "opaque-token", RefreshToken: "r"})
	client := newTestClient(t, "https://signage.example.com/api", store, &fakeAuth{})

	if client.IsAuthenticated(context.Background()) {
		t.Error("IsAuthenticated() = true for undecodable token")
	}
}

func TestClearSession_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, tokenstore.Credentials{AccessToken: signToken(t, "u", time.Now().Add(time.Hour)), RefreshToken: "r"})
	client := newTestClient(t, "https://signage.example.com/api", store, &fakeAuth{})

	if !client.IsAuthenticated(ctx) {
		t.Fatal("IsAuthenticated() = false before clear")
	}

	for i := range 2 {
		if err := client.ClearSession(ctx); err != nil {
			t.Fatalf("ClearSession() #%d error = %v", i+1, err)
		}
		if client.IsAuthenticated(ctx) {
			t.Errorf("IsAuthenticated() = true after clear #%d", i+1)
		}
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	access := signToken(t, "ops@example.com", time.Now().Add(time.Hour), "admin", "editor")
	store := tokenstore.NewMemoryStore()
	auth := &fakeAuth{next: tokenstore.Credentials{AccessToken: access, RefreshToken: "refresh-1"}}
	client := newTestClient(t, "https://signage.example.com/api", store, auth)

	if err := client.Login(ctx, "ops@example.com", "wrong"); err == nil {
		t.Fatal("Login() with wrong password succeeded")
	}
	if client.IsAuthenticated(ctx) {
		t.Fatal("failed login stored credentials")
	}

	if err := client.Login(ctx, "ops@example.com", "correct"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !client.IsAuthenticated(ctx) {
		t.Error("IsAuthenticated() = false after login")
	}

	claims, err := client.Claims(ctx)
	if err != nil {
		t.Fatalf("Claims() error = %v", err)
	}
	if claims.Subject != "ops@example.com" || strings.Join(claims.Roles, ",") != "admin,editor" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestToken(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	access := signToken(t, "u", expiry)
	store := seedStore(t, tokenstore.Credentials{AccessToken: access, RefreshToken: "refresh-1"})
	client := newTestClient(t, "https://signage.example.com/api", store, &fakeAuth{})

	tok, err := client.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != access || tok.RefreshToken != "refresh-1" {
		t.Errorf("token = %+v", tok)
	}
	if !tok.Expiry.Equal(expiry) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, expiry)
	}
	if !tok.Valid() {
		t.Error("token reported invalid")
	}

	if err := client.ClearSession(context.Background()); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	if _, err := client.Token(); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("Token() after clear error = %v, want ErrNotFound", err)
	}
}

func TestDoJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/screens":
			_, _ = w.Write([]byte(`[{"id":"s1","name":"Lobby"},{"id":"s2","name":"Cafeteria"}]`))
		case "/screens/s1":
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, tokenstore.NewMemoryStore(), &fakeAuth{})

	type screen struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	screens, err := DoJSON[[]screen](context.Background(), client, Get("/screens"))
	if err != nil {
		t.Fatalf("DoJSON() error = %v", err)
	}
	if len(screens) != 2 || screens[1].Name != "Cafeteria" {
		t.Errorf("screens = %+v", screens)
	}

	req, err := NewRequest(http.MethodDelete, "/screens/s1", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	empty, err := DoJSON[map[string]any](context.Background(), client, req)
	if err != nil {
		t.Fatalf("DoJSON() on 204 error = %v", err)
	}
	if empty != nil {
		t.Errorf("DoJSON() on 204 = %v, want nil", empty)
	}
}

func TestNew_Validation(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	auth := &fakeAuth{}

	if _, err := New("https://signage.example.com", nil, auth); err == nil {
		t.Error("New() without store succeeded")
	}
	if _, err := New("https://signage.example.com", store, nil); err == nil {
		t.Error("New() without authenticator succeeded")
	}
	if _, err := New("signage.example.com", store, auth); err == nil {
		t.Error("New() with host-less base URL succeeded")
	}
}

// faultyStore wraps a MemoryStore with injectable Read and Clear failures.
type faultyStore struct {
	*tokenstore.MemoryStore
	readErr  error
	clearErr error
}

func (s *faultyStore) Read(ctx context.Context) (tokenstore.Credentials, error) {
	if s.readErr != nil {
		return tokenstore.Credentials{}, s.readErr
	}
	return s.MemoryStore.Read(ctx)
}

func (s *faultyStore) Clear(ctx context.Context) error {
	if s.clearErr != nil {
		return s.clearErr
	}
	return s.MemoryStore.Clear(ctx)
}

func TestSend_StoreReadFailureIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent despite unreadable store")
	}))
	defer server.Close()

	diskErr := errors.New("disk on fire")
	store := &faultyStore{MemoryStore: tokenstore.NewMemoryStore(), readErr: diskErr}
	client := newTestClient(t, server.URL, store, &fakeAuth{})

	_, err := client.Send(context.Background(), Get("/screens"))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", apiErr.Status)
	}
	if !errors.Is(err, diskErr) {
		t.Errorf("error = %v, want cause %v", err, diskErr)
	}
}

func TestSend_InvalidRequestIsAPIError(t *testing.T) {
	client := newTestClient(t, "https://signage.example.com/api", tokenstore.NewMemoryStore(), &fakeAuth{})

	req := Get("/screens")
	req.Method = "BAD METHOD"
	_, err := client.Send(context.Background(), req)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Unwrap() == nil {
		t.Errorf("APIError = %d %q (cause %v), want 400 with cause", apiErr.Status, apiErr.Message, apiErr.Unwrap())
	}
}

// A request giving up while another request refreshes fails with a typed error.
func TestSend_WaiterCancellationIsAPIError(t *testing.T) {
	fresh := signToken(t, "user-1", time.Now().Add(time.Hour))
	_, server := newBackend(t, fresh)

	auth := &fakeAuth{
		gate: make(chan struct{}),
		next: tokenstore.Credentials{AccessToken: fresh, RefreshToken: "refresh-2"},
	}
	store := seedStore(t, tokenstore.Credentials{AccessToken: "stale", RefreshToken: "refresh-1"})
	client := newTestClient(t, server.URL, store, auth)

	leaderErr := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), Get("/screens/1"))
		leaderErr <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for auth.refreshCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("refresh never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Send(ctx, Get("/screens/2"))

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("waiter error = %v, want 503 *APIError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiter error = %v, want deadline exceeded cause", err)
	}

	close(auth.gate)
	if err := <-leaderErr; err != nil {
		t.Errorf("leader Send() error = %v", err)
	}
	if calls := auth.refreshCalls.Load(); calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

// When stale credentials cannot be cleared, the next 401 tries a new refresh
// instead of replaying the old failure.
func TestSend_UnclearedCredentialsAllowNewRefresh(t *testing.T) {
	fresh := signToken(t, "user-1", time.Now().Add(time.Hour))
	_, server := newBackend(t, fresh)

	store := &faultyStore{MemoryStore: tokenstore.NewMemoryStore(), clearErr: errors.New("keyring locked")}
	if err := store.Write(context.Background(), tokenstore.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"}); err != nil {
		t.Fatal(err)
	}

	auth := &fakeAuth{err: errors.New("refresh endpoint unreachable")}
	var expired atomic.Int32
	client := newTestClient(t, server.URL, store, auth, WithSessionExpired(func(context.Context, error) {
		expired.Add(1)
	}))

	for i := range 2 {
		if _, err := client.Send(context.Background(), Get("/screens")); !IsSessionExpired(err) {
			t.Fatalf("Send() #%d error = %v, want session expired", i+1, err)
		}
	}
	if calls := auth.refreshCalls.Load(); calls != 2 {
		t.Fatalf("refresh calls = %d, want 2", calls)
	}

	auth.err = nil
	auth.next = tokenstore.Credentials{AccessToken: fresh, RefreshToken: "refresh-2"}
	if _, err := client.Send(context.Background(), Get("/screens")); err != nil {
		t.Fatalf("Send() after recovery error = %v", err)
	}
	if got := expired.Load(); got != 2 {
		t.Errorf("session expired callback invoked %d times, want 2", got)
	}
}

func TestSend_ExpiredCallbackMayUseClient(t *testing.T) {
	_, server := newBackend(t, "never-valid")

	auth := &fakeAuth{err: errors.New("refresh rejected")}
	store := seedStore(t, tokenstore.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})

	var client *Client
	var calls atomic.Int32
	innerErr := make(chan error, 1)
	client = newTestClient(t, server.URL, store, auth, WithSessionExpired(func(ctx context.Context, _ error) {
		if calls.Add(1) > 1 {
			return
		}
		if client.IsAuthenticated(ctx) {
			t.Error("IsAuthenticated() = true inside callback")
		}
		_, err := client.Send(ctx, Get("/screens"))
		innerErr <- err
	}))

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), Get("/screens"))
		done <- err
	}()

	select {
	case err := <-done:
		if !IsSessionExpired(err) {
			t.Errorf("Send() error = %v, want session expired", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send() blocked while the callback used the client")
	}

	if err := <-innerErr; !IsSessionExpired(err) {
		t.Errorf("Send() inside callback error = %v, want session expired", err)
	}
	if auth.refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", auth.refreshCalls.Load())
	}
}
