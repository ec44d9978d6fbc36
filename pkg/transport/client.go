// Package transport is the authenticated HTTP client for the control plane.
// Every response is classified, normalized once, and server errors are
// retried with exponential backoff inside a bounded budget.
package transport

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

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/telemetry"
)

// DefaultBaseURL is the public control plane root.
const DefaultBaseURL = "https://api.fabric.microsoft.com/v1"

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 8 << 20

// TokenSource supplies bearer tokens. auth.TokenCache implements it.
type TokenSource interface {
	GetToken(ctx context.Context) (string, time.Time, error)

	// Invalidate reports that token was rejected with 401.
	Invalidate(token string)
}

// Config holds transport settings.
type Config struct {
	// BaseURL is prefixed to relative request paths.
	BaseURL string

	// MaxAttempts bounds the number of tries for a server error.
	MaxAttempts int

	// Budget caps the total time spent on one request including retries.
	Budget time.Duration

	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// RequestTimeout bounds a single HTTP exchange.
	RequestTimeout time.Duration

	// HTTPClient is wrapped with otelhttp. Nil means http.DefaultTransport.
	HTTPClient *http.Client

	UserAgent string
	Logger    *telemetry.Logger
	Metrics   *telemetry.Metrics
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		MaxAttempts:     5,
		Budget:          2 * time.Minute,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		RequestTimeout:  60 * time.Second,
		UserAgent:       "fabprov",
	}
}

// Request is one logical call.
type Request struct {
	Method string

	// Path is relative to BaseURL, or an absolute URL (operation and
	// continuation links).
	Path string

	// Body is JSON-encoded when non-nil.
	Body interface{}

	// NoRetry sends exactly once (apart from the 401 refresh).
	NoRetry bool
}

// Client sends classified, authenticated requests.
type Client struct {
	cfg        Config
	base       *url.URL
	tokens     TokenSource
	httpClient *http.Client
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// errServerClass marks a server_error response for the retry loop.
var errServerClass = errors.New("server error response")

// NewClient creates a transport client.
func NewClient(cfg Config, tokens TokenSource) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("transport: token source is required")
	}
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Budget <= 0 {
		cfg.Budget = defaults.Budget
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transport: invalid base url %q", cfg.BaseURL)
	}

	var rt http.RoundTripper = http.DefaultTransport
	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		*httpClient = *cfg.HTTPClient
		if cfg.HTTPClient.Transport != nil {
			rt = cfg.HTTPClient.Transport
		}
	}
	httpClient.Transport = otelhttp.NewTransport(rt)

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Client{
		cfg:        cfg,
		base:       base,
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.NewComponentLogger("transport"),
		metrics:    cfg.Metrics,
	}, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Send performs req and returns the classified response. An error is
// returned only when the context ends, a token cannot be obtained, or the
// request cannot be built; every HTTP outcome, including exhausted server
// errors, is reported through Response.Class.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	target, err := c.Resolve(req.Path)
	if err != nil {
		return nil, engine.NewPermanentError("invalid request path", err).WithCode(engine.ErrCodeValidation)
	}

	var body []byte
	if req.Body != nil {
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, engine.NewPermanentError("encoding request body", err).WithCode(engine.ErrCodeValidation)
		}
	}

	if req.NoRetry {
		resp, err := c.sendAuthenticated(ctx, req.Method, target, body)
		if resp != nil {
			resp.Attempts = 1
		}
		return resp, err
	}

	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.Budget)
	defer cancel()

	var last *Response
	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		resp, err := c.sendAuthenticated(budgetCtx, req.Method, target, body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp.Attempts = attempts
		if resp.Class != ClassServerError {
			return resp, nil
		}
		last = resp
		if wait := retryAfter(resp.Header); wait > 0 {
			return resp, backoff.RetryAfter(int(wait / time.Second))
		}
		return resp, errServerClass
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialInterval
	expo.MaxInterval = c.cfg.MaxInterval

	resp, err := backoff.Retry(budgetCtx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(c.cfg.Budget),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.RecordRetry(string(ClassServerError))
			c.logger.WithFields(map[string]interface{}{
				"method":  req.Method,
				"url":     target,
				"attempt": attempts,
				"next_in": next.String(),
			}).Debug("Retrying after server error")
		}),
	)
	if err == nil {
		return resp, nil
	}

	if ctx.Err() != nil {
		return nil, engine.NewCancelledError("request cancelled", ctx.Err()).WithOperation(req.Method + " " + target)
	}
	if budgetCtx.Err() != nil || errors.Is(err, errServerClass) || isRetryAfter(err) {
		if last == nil {
			last = &Response{
				Class:         ClassServerError,
				FailureReason: "retry budget exhausted before a response was received",
			}
		}
		last.Attempts = attempts
		c.logger.WithFields(map[string]interface{}{
			"method":   req.Method,
			"url":      target,
			"attempts": attempts,
			"status":   last.StatusCode,
		}).Warn("Server errors exhausted retry budget")
		return last, nil
	}
	return nil, err
}

// sendAuthenticated sends one request, refreshing the token once on 401.
func (c *Client) sendAuthenticated(ctx context.Context, method, target string, body []byte) (*Response, error) {
	for refreshed := false; ; refreshed = true {
		token, _, err := c.tokens.GetToken(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.sendOnce(ctx, method, target, body, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		if refreshed {
			resp.Class = ClassAuthExpired
			return resp, nil
		}
		c.logger.WithField("url", target).Debug("Token rejected, refreshing")
		c.tokens.Invalidate(token)
	}
}

// sendOnce performs a single HTTP exchange. Network failures and request
// timeouts become server_error responses; an ended context is an error.
func (c *Client) sendOnce(ctx context.Context, method, target string, body []byte, token string) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return nil, engine.NewPermanentError("building request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewCancelledError("request cancelled", ctx.Err()).WithOperation(method + " " + target)
		}
		c.metrics.RecordAPICall(method, string(ClassServerError), time.Since(start))
		c.logger.WithError(err).WithField("url", target).Debug("Request failed")
		return &Response{
			Class:         ClassServerError,
			FailureReason: err.Error(),
		}, nil
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewCancelledError("request cancelled", ctx.Err())
		}
		return &Response{
			Class:         ClassServerError,
			StatusCode:    httpResp.StatusCode,
			FailureReason: fmt.Sprintf("reading response body: %v", err),
		}, nil
	}

	resp := newResponse(httpResp.StatusCode, httpResp.Header, raw)
	if resp.Class == ClassAccepted {
		resp.OperationURL = c.operationURL(httpResp.Header, resp)
	}

	elapsed := time.Since(start)
	c.metrics.RecordAPICall(method, string(resp.Class), elapsed)
	c.logger.WithFields(map[string]interface{}{
		"method":      method,
		"url":         target,
		"status":      resp.StatusCode,
		"class":       string(resp.Class),
		"duration_ms": elapsed.Milliseconds(),
	}).Debug("Request completed")

	return resp, nil
}

// Resolve turns a relative path into an absolute URL under BaseURL.
// Absolute URLs are returned unchanged.
func (c *Client) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if _, err := url.Parse(path); err != nil {
			return "", err
		}
		return path, nil
	}
	return c.base.String() + "/" + strings.TrimLeft(path, "/"), nil
}

// operationURL extracts the status link of a 202 response.
func (c *Client) operationURL(header http.Header, resp *Response) string {
	link := header.Get("Location")
	if link == "" {
		link = header.Get("Operation-Location")
	}
	if link == "" {
		link = resp.bodyLink
	}
	if link == "" {
		return ""
	}
	ref, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	return c.base.ResolveReference(ref).String()
}

func isRetryAfter(err error) bool {
	var ra *backoff.RetryAfterError
	return errors.As(err, &ra)
}
