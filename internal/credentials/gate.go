// Package credentials implements the one-shot barrier all fetches
// block on until tenant credentials are supplied.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotConfigured     = errors.New("credentials not configured")
	ErrMissingCustomerID = errors.New("missing credential field: customer id")
	ErrMissingClientID   = errors.New("missing credential field: client id")
	ErrMissingSecret     = errors.New("missing credential field: client secret")
)

// Set holds the three tenant credential fields.
type Set struct {
	CustomerID   string
	ClientID     string
	ClientSecret string
}

// Validate fails fast naming the first missing field.
func (s Set) Validate() error {
	if s.CustomerID == "" {
		return ErrMissingCustomerID
	}
	if s.ClientID == "" {
		return ErrMissingClientID
	}
	if s.ClientSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

// Gate releases exactly once, on the first Set call. Later calls
// overwrite the stored values without re-arming; waiters already past
// the gate are unaffected.
type Gate struct {
	mu       sync.RWMutex
	current  Set
	released chan struct{}
	once     sync.Once
	wait     time.Duration
}

// NewGate builds a gate. wait bounds how long Wait blocks before
// failing with ErrNotConfigured.
func NewGate(wait time.Duration) *Gate {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Gate{
		released: make(chan struct{}),
		wait:     wait,
	}
}

// Set stores credentials and releases the gate on first call.
func (g *Gate) Set(customerID, clientID, clientSecret string) {
	g.mu.Lock()
	g.current = Set{CustomerID: customerID, ClientID: clientID, ClientSecret: clientSecret}
	g.mu.Unlock()

	g.once.Do(func() { close(g.released) })
}

// Released reports whether the gate has been opened.
func (g *Gate) Released() bool {
	select {
	case <-g.released:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate releases, the context is cancelled, or
// the configured deadline passes.
func (g *Gate) Wait(ctx context.Context) (Set, error) {
	timer := time.NewTimer(g.wait)
	defer timer.Stop()

	select {
	case <-g.released:
		return g.Snapshot(), nil
	case <-ctx.Done():
		return Set{}, ctx.Err()
	case <-timer.C:
		return Set{}, ErrNotConfigured
	}
}

// Snapshot returns the current credential values.
func (g *Gate) Snapshot() Set {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}
