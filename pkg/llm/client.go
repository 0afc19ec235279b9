// Package llm generates prediction text through an OpenAI-compatible chat
// completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/matchcast/matchcast/pkg/retry"
)

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("llm returned an empty response")

const defaultSystemPrompt = "You are an experienced football analyst. Write structured, evidence-based match previews."

// Config holds model and retry settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int64
	Temperature  float64
	Policy       retry.Policy
}

// DefaultConfig returns three attempts with a two minute per-attempt timeout.
func DefaultConfig() Config {
	p := retry.DefaultPolicy()
	p.AttemptTimeout = 120 * time.Second
	return Config{
		Model:        "gpt-4o-mini",
		SystemPrompt: defaultSystemPrompt,
		MaxTokens:    4000,
		Temperature:  0.7,
		Policy:       p,
	}
}

// Client wraps the chat completions API with the retry policy.
type Client struct {
	api    openai.Client
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a client. The SDK's own retries are disabled so the
// configured policy is the only retry loop.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm")

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Policy.OnRetry == nil {
		cfg.Policy.OnRetry = func(err error, wait time.Duration) {
			logger.Warn("retrying llm request", "error", err, "wait", wait)
		}
	}

	return &Client{
		api:    openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

// Generate submits prompt and returns the model's reply.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := retry.Do(ctx, c.cfg.Policy, func(ctx context.Context) (string, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	c.logger.Info("llm response received", "model", c.cfg.Model, "chars", len(text), "duration", time.Since(start))
	return text, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.cfg.SystemPrompt),
			openai.UserMessage(prompt),
		},
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.cfg.MaxTokens)
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// classify maps API errors onto the retry taxonomy: 429 is rate limited,
// 408 and 5xx are transient, every other status is permanent. Transport
// errors and timeouts stay transient.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		var wait time.Duration
		if apiErr.Response != nil {
			if secs, perr := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); perr == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &retry.RateLimitError{RetryAfter: wait, Err: err}
	case apiErr.StatusCode == http.StatusRequestTimeout, apiErr.StatusCode >= 500:
		return err
	default:
		return retry.Permanent(err)
	}
}
