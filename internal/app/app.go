package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/signagectl/internal/proxy"
	"github.com/florianilch/signagectl/internal/session"
	"github.com/florianilch/signagectl/internal/tokensource"
)

// App wires the session client to its credential store and auth endpoints,
// and orchestrates the lifecycle of the local proxy.
type App struct {
	cfg    *Config
	store  *lazyStore
	client *session.Client
	proxy  *proxy.Proxy
}

// New creates a new App instance. No I/O is performed until the session is used.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := newLazyStore(cfg.Auth.NewCredentialStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	client, err := newSessionClient(cfg, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create session client: %w", err)
	}

	proxyServer, err := proxy.New(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:    cfg,
		store:  store,
		client: client,
		proxy:  proxyServer,
	}, nil
}

// Session returns the authenticated API client.
func (a *App) Session() *session.Client {
	return a.client
}

// Close releases the credential store.
func (a *App) Close() error {
	return a.store.Close()
}

// Start starts the proxy and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	shutdownFuncs := []func(context.Context) error{
		func(context.Context) error { return a.Close() },
	}

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting proxy server", "address", address, "api", a.cfg.API.BaseURL)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		return errors.Join(fmt.Errorf("proxy startup failed: %w", err), a.Close())
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if !a.client.IsAuthenticated(gCtx) {
		slog.WarnContext(gCtx, "no valid session, run 'signagectl login' to sign in")
	}

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services in reverse start order
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// newSessionClient builds the session client for cfg on top of store.
func newSessionClient(cfg *Config, store *lazyStore) (*session.Client, error) {
	httpClient := &http.Client{Timeout: cfg.API.Timeout}

	auth, err := tokensource.New(cfg.API.BaseURL,
		tokensource.WithHTTPClient(httpClient),
		tokensource.WithRefreshPath(cfg.Auth.RefreshPath),
		tokensource.WithLoginPath(cfg.Auth.LoginPath),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}

	return session.New(cfg.API.BaseURL, store, auth,
		session.WithHTTPClient(httpClient),
		session.WithExpirySkew(cfg.Auth.ExpirySkew),
		session.WithSessionExpired(logSessionExpired),
	)
}

func logSessionExpired(ctx context.Context, cause error) {
	slog.WarnContext(ctx, "session expired, run 'signagectl login' to sign in again", "cause", cause)
}
