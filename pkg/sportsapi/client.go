// Package sportsapi is a client for the API-Football v3 REST API.
package sportsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/matchcast/matchcast/pkg/retry"
)

const (
	defaultBaseURL = "https://v3.football.api-sports.io"
	defaultTimeout = 30 * time.Second

	// DefaultRequestsPerMinute matches the free tier allowance.
	DefaultRequestsPerMinute = 10
	defaultBurst             = 2
)

// Endpoint paths, also used as call-log labels.
const (
	PathFixtures       = "/fixtures"
	PathHeadToHead     = "/fixtures/headtohead"
	PathTeamStatistics = "/teams/statistics"
	PathStandings      = "/standings"
	PathInjuries       = "/injuries"
)

// Client is an API-Football client. Every request waits on a shared limiter
// and is retried according to the configured policy.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the outbound request budget. A non-positive rpm
// disables limiting.
func WithRateLimit(rpm, burst int) Option {
	return func(c *Client) {
		if rpm <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(DefaultRequestsPerMinute)/60.0), defaultBurst),
		policy:     retry.DefaultPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "sportsapi")
	if c.policy.OnRetry == nil {
		c.policy.OnRetry = func(err error, wait time.Duration) {
			c.logger.Warn("retrying sports api request", "error", err, "wait", wait)
		}
	}
	return c
}

// StatusError is a non-2xx response other than 403 and 429.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sports api error: status %d: %s", e.StatusCode, e.Body)
}

type envelope struct {
	Errors   json.RawMessage `json:"errors"`
	Results  int             `json:"results"`
	Response json.RawMessage `json:"response"`
}

// Get fetches path with params and returns the "response" member of the
// envelope. A 403 (endpoint not available on the plan) yields nil, nil.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return retry.Do(ctx, c.policy, func(ctx context.Context) (json.RawMessage, error) {
		return c.get(ctx, path, params)
	})
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+buildPath(path, params), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("x-apisports-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retry.RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("%s: status 429", path),
		}
	case resp.StatusCode == http.StatusForbidden:
		c.logger.Info("endpoint not available on plan, treating as no data", "path", path)
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, retry.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)})
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode %s response: %w", path, err))
	}
	if err := envelopeError(path, env.Errors); err != nil {
		return nil, err
	}
	return env.Response, nil
}

// envelopeError interprets the "errors" member, which the API sends as an
// empty array on success and an object keyed by error kind otherwise.
func envelopeError(path string, raw json.RawMessage) error {
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var errs map[string]string
	if err := json.Unmarshal(raw, &errs); err != nil || len(errs) == 0 {
		return nil
	}
	if msg, ok := errs["rateLimit"]; ok {
		return &retry.RateLimitError{Err: fmt.Errorf("%s: %s", path, msg)}
	}
	parts := make([]string, 0, len(errs))
	for k, v := range errs {
		parts = append(parts, k+": "+v)
	}
	return retry.Permanent(fmt.Errorf("%s: %s", path, strings.Join(parts, "; ")))
}

func buildPath(base string, params url.Values) string {
	if len(params) == 0 {
		return base
	}
	return base + "?" + params.Encode()
}

func parseRetryAfter(s string) time.Duration {
	if s == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(s); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
