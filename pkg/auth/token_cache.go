// Package auth supplies bearer tokens for the control plane. TokenCache keeps
// one token per process and refreshes it at most once at a time.
package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/telemetry"
)

const (
	// DefaultSkew is subtracted from the token expiry when deciding freshness.
	DefaultSkew = 2 * time.Minute

	// DefaultExchangeTimeout bounds a single token exchange.
	DefaultExchangeTimeout = 30 * time.Second

	// fallbackLifetime applies when the provider reports no expiry.
	fallbackLifetime = time.Hour
)

// Provider performs the credential exchange.
type Provider interface {
	FetchToken(ctx context.Context) (*oauth2.Token, error)
}

// CacheOptions tunes a TokenCache.
type CacheOptions struct {
	Skew            time.Duration
	ExchangeTimeout time.Duration
	Logger          *telemetry.Logger
	Metrics         *telemetry.Metrics
}

// TokenCache caches a bearer token until expiry minus skew.
type TokenCache struct {
	provider Provider
	skew     time.Duration
	timeout  time.Duration
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// NewTokenCache creates a cache in front of provider.
func NewTokenCache(provider Provider, opts CacheOptions) *TokenCache {
	if opts.Skew <= 0 {
		opts.Skew = DefaultSkew
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &TokenCache{
		provider: provider,
		skew:     opts.Skew,
		timeout:  opts.ExchangeTimeout,
		logger:   logger.NewComponentLogger("auth"),
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// GetToken returns a cached token or exchanges credentials for a new one.
// Concurrent callers share one in-flight exchange; each may stop waiting when
// its own context ends without aborting the exchange for the others.
func (c *TokenCache) GetToken(ctx context.Context) (string, time.Time, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expiry.Add(-c.skew)) {
		token, expiry := c.token, c.expiry
		c.mu.Unlock()
		return token, expiry, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan("token", func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", time.Time{}, res.Err
		}
		tok := res.Val.(cachedToken)
		return tok.token, tok.expiry, nil
	case <-ctx.Done():
		return "", time.Time{}, engine.NewCancelledError("token wait abandoned", ctx.Err())
	}
}

// Invalidate drops the cached token so the next GetToken re-authenticates.
// rejected is the token the service refused; when the cache already holds a
// different token, another caller has refreshed and nothing is dropped.
func (c *TokenCache) Invalidate(rejected string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != rejected {
		return
	}
	c.token = ""
	c.expiry = time.Time{}
	c.logger.Debug("Cached token invalidated")
}

// refresh performs one exchange and stores the result.
func (c *TokenCache) refresh(ctx context.Context) (cachedToken, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, err := c.provider.FetchToken(ctx)
	if err != nil {
		c.metrics.RecordTokenRefresh("error")
		c.logger.WithError(err).Error("Token exchange failed")
		return cachedToken{}, engine.NewAuthError("token exchange failed", err)
	}
	if tok == nil || tok.AccessToken == "" {
		c.metrics.RecordTokenRefresh("error")
		return cachedToken{}, engine.NewAuthError("token exchange returned no access token", nil)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = c.now().Add(fallbackLifetime)
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.expiry = expiry
	c.mu.Unlock()

	c.metrics.RecordTokenRefresh("ok")
	c.logger.WithField("expires_at", expiry.UTC().Format(time.RFC3339)).Debug("Token refreshed")

	return cachedToken{token: tok.AccessToken, expiry: expiry}, nil
}
