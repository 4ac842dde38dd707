// Package auth provides bearer-token sources for the fetcher. The
// actual token issuer is an external service; this package only
// obtains and caches tokens.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("auth service returned an empty token")

// TokenSource yields a bearer token for the remote telemetry API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticSource always returns the same token. Test helper.
type StaticSource string

func (s StaticSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// CachingSource wraps another source and reuses its token until the
// JWT exp claim is within the refresh margin. Claims are parsed
// without signature verification; the remote API is the authority and
// a wrongly-accepted token just produces a 401 we already handle.
type CachingSource struct {
	upstream TokenSource
	margin   time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	token    string
	expires  time.Time
}

// NewCachingSource builds a caching source. margin defaults to 30s.
func NewCachingSource(upstream TokenSource, margin time.Duration, log *slog.Logger) *CachingSource {
	if margin <= 0 {
		margin = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachingSource{upstream: upstream, margin: margin, log: log}
}

// Token returns the cached token or refreshes from upstream.
func (c *CachingSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.expires.IsZero() || time.Until(c.expires) > c.margin) {
		return c.token, nil
	}

	token, err := c.upstream.Token(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoToken
	}

	c.token = token
	c.expires = tokenExpiry(token)
	if !c.expires.IsZero() {
		c.log.Debug("refreshed bearer token", "expires", c.expires)
	}
	return token, nil
}

// Invalidate drops the cached token so the next call refreshes. Wired
// to the token-expired signal.
func (c *CachingSource) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expires = time.Time{}
	c.mu.Unlock()
}

// tokenExpiry extracts the exp claim, zero when absent or unparsable
// (opaque tokens are cached until explicitly invalidated).
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
