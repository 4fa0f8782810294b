// Package remote is the client of the cloud document service: token
// lifecycle, paginated listings and signed downloads, all behind one retry
// policy.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/pkg/retry"
)

var (
	// ErrUnauthorized is wrapped by 401/403 failures and rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is wrapped by 404 failures.
	ErrNotFound = errors.New("not found")
)

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 4 << 10

// Config holds client configuration.
type Config struct {
	BaseURL   string
	AccountID string
	Auth      AuthConfig

	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables client-side throttling
	RetryConfig       *retry.Config // nil uses retry.DefaultConfig
}

// Client talks to the remote document service.
type Client struct {
	baseURL     *url.URL
	accountID   string
	httpClient  *http.Client
	tokens      *TokenManager
	limiter     *rate.Limiter
	retryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	rc := retry.DefaultConfig()
	if cfg.RetryConfig != nil {
		rc = *cfg.RetryConfig
	}
	if rc.OnRetry == nil {
		rc.OnRetry = logRetry
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	c := &Client{
		baseURL:     base,
		accountID:   cfg.AccountID,
		httpClient:  httpClient,
		tokens:      NewTokenManager(cfg.Auth, httpClient, rc),
		retryConfig: rc,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

func logRetry(a retry.Attempt) {
	endpoint := ""
	var e *retry.Error
	if errors.As(a.Err, &e) {
		endpoint = e.Endpoint
	}
	metrics.RecordRetry(a.Kind.String())
	logging.Warn("remote call failed, retrying",
		logging.String("endpoint", endpoint),
		logging.String("kind", a.Kind.String()),
		logging.Int("attempt", a.Number),
		logging.Int("max_attempts", a.MaxAttempts),
		logging.Duration("delay", a.Delay),
		logging.Err(a.Err))
}

// resolve turns an API path or absolute href into a URL string.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base := *c.baseURL
	base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(u.Path, "/")
	base.RawPath = ""
	base.RawQuery = u.RawQuery
	return base.String(), nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// getJSON performs an authorized GET with retries and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, endpoint, ref string, out any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		return c.attemptJSON(ctx, endpoint, ref, out)
	})
}

// attemptJSON is a single authorized GET. The token is ensured before every attempt.
func (c *Client) attemptJSON(ctx context.Context, endpoint, ref string, out any) error {
	token, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Acquisition already ran its own retries.
		return retry.Fatal(err)
	}

	target, err := c.resolve(ref)
	if err != nil {
		return retry.Fatal(err)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return retry.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.api+json, application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(endpoint, 0, time.Since(start))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retry.Error{Kind: retry.KindTransient, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	metrics.RecordAPIRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp, endpoint, token)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Usually a truncated body.
		return &retry.Error{Kind: retry.KindTransient, Endpoint: endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError classifies an unsuccessful response. token is the bearer token
// the request was sent with; it is invalidated on 401/403 so the next cycle
// re-authenticates. An empty token skips invalidation.
func (c *Client) statusError(resp *http.Response, endpoint, token string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := string(body)
	var apiErr ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Developer != "" {
		msg = apiErr.Developer
	}

	e := retry.FromStatus(resp.StatusCode, resp.Header.Get("Retry-After"), endpoint, msg)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Err = fmt.Errorf("%w: %v", ErrUnauthorized, e.Err)
		if token != "" {
			c.tokens.Invalidate(token)
		}
	case http.StatusNotFound:
		e.Err = fmt.Errorf("%w: %v", ErrNotFound, e.Err)
	}
	return e
}
