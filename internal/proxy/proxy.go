package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/florianilch/signagectl/internal/session"
)

// DefaultMaxBodyBytes limits request bodies accepted for forwarding.
const DefaultMaxBodyBytes = 10 << 20

// SessionClient is the part of session.Client the proxy depends on.
type SessionClient interface {
	Send(ctx context.Context, req session.Request) (*session.Response, error)
	IsAuthenticated(ctx context.Context) bool
	Claims(ctx context.Context) (session.Claims, error)
	ClearSession(ctx context.Context) error
}

// Compile-time check that session.Client satisfies SessionClient
var _ SessionClient = (*session.Client)(nil)

// Option configures a Proxy.
type Option func(*Proxy)

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(p *Proxy) {
		p.maxBodyBytes = n
	}
}

// Proxy is a local HTTP server that forwards requests to the backend API
// with the current session's credentials attached.
type Proxy struct {
	client       SessionClient
	maxBodyBytes int64
	mux          *http.ServeMux
	server       *http.Server
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a Proxy backed by client.
func New(client SessionClient, opts ...Option) (*Proxy, error) {
	if client == nil {
		return nil, errors.New("missing session client")
	}

	p := &Proxy{
		client:       client,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(p)
	}

	logger := slog.Default()

	mux := http.NewServeMux()

	mux.Handle("GET /_session", applyMiddlewares(http.HandlerFunc(p.handleSessionStatus),
		Logging(logger),
		Recovery,
	))
	mux.Handle("DELETE /_session", applyMiddlewares(http.HandlerFunc(p.handleSessionClear),
		Logging(logger),
		Recovery,
	))

	// Everything else goes to the backend
	mux.Handle("/", applyMiddlewares(http.HandlerFunc(p.handleForward),
		RequestID,
		Logging(logger),
		Recovery,
	))

	p.mux = mux
	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
