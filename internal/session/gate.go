package session

import (
	"context"
	"sync"

	"github.com/florianilch/signagectl/internal/tokenstore"
)

// flight is the shared handle of one refresh attempt.
// creds and err are written before done is closed.
type flight struct {
	// stale is the access token whose rejection started the refresh.
	stale string
	done  chan struct{}
	creds tokenstore.Credentials
	err   error
}

// wait blocks until the refresh settles or ctx is done. A waiter that gives
// up fails like a request cancelled on the wire.
func (f *flight) wait(ctx context.Context) (tokenstore.Credentials, error) {
	select {
	case <-f.done:
		return f.creds, f.err
	case <-ctx.Done():
		return tokenstore.Credentials{}, newNetworkError(ctx.Err())
	}
}

// refreshGate admits at most one refresh at a time.
//
// A settled flight can be retained so a 401 that arrives after the refresh for
// the same stale token finished reuses its outcome instead of starting over.
// Only outcomes that moved the store away from the stale token are retained;
// anything else would pin every later 401 for that token to a stale result.
type refreshGate struct {
	mu      sync.Mutex
	current *flight
	settled *flight
}

// tryAcquire returns the refresh responsible for stale. The boolean is true
// when the caller created it and must run the refresh and call release.
// The check and the set happen under one lock.
func (g *refreshGate) tryAcquire(stale string) (*flight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		return g.current, false
	}
	if g.settled != nil && g.settled.stale == stale {
		return g.settled, false
	}

	f := &flight{stale: stale, done: make(chan struct{})}
	g.current = f
	return f, true
}

// release publishes the outcome of f, wakes its waiters and lets the next
// rejected token start a new refresh. With retain, later 401s for the same
// stale token reuse the outcome; without it they start a fresh attempt.
func (g *refreshGate) release(f *flight, creds tokenstore.Credentials, err error, retain bool) {
	f.creds = creds
	f.err = err

	g.mu.Lock()
	if g.current == f {
		g.current = nil
	}
	if retain {
		g.settled = f
	} else if g.settled != nil && g.settled.stale == f.stale {
		g.settled = nil
	}
	g.mu.Unlock()

	close(f.done)
}

// reset forgets the settled outcome, e.g. after new credentials were stored.
func (g *refreshGate) reset() {
	g.mu.Lock()
	g.settled = nil
	g.mu.Unlock()
}

// pending reports whether a refresh is in flight.
func (g *refreshGate) pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}
