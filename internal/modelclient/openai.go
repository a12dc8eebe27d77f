// Package modelclient implements gatewaycore.ModelClient against the
// OpenAI chat completions API, wrapped with the resilience package's
// retry and circuit breaker decorators and gated by a shared concurrency
// limiter. Grounded on the reference framework's BaseClient composition
// (ai/providers/base.go) and on the pack's openai-go usage
// (floegence-redeven-agent/internal/ai/native_runtime.go), simplified
// down to non-streaming chat completions since wire-protocol streaming is
// handled entirely by the ingress layer, not by individual model calls.
package modelclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
	"github.com/kestrelai/ensemble/internal/resilience"
)

// OpenAIClient invokes the OpenAI chat completions endpoint, retrying
// transient failures and tripping a circuit breaker on sustained ones.
type OpenAIClient struct {
	client  openai.Client
	logger  gatewaycore.Logger
	limiter *resilience.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// Option configures an OpenAIClient at construction time.
type Option func(*OpenAIClient)

func WithLogger(l gatewaycore.Logger) Option {
	return func(c *OpenAIClient) { c.logger = l }
}

func WithLimiter(l *resilience.Limiter) Option {
	return func(c *OpenAIClient) { c.limiter = l }
}

func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *OpenAIClient) { c.retry = cfg }
}

func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *OpenAIClient) { c.breaker = cb }
}

// NewOpenAIClient builds a client against apiKey, optionally redirecting
// to baseURL for OpenAI-compatible gateways.
func NewOpenAIClient(apiKey, baseURL string, timeout time.Duration, opts ...Option) *OpenAIClient {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	c := &OpenAIClient{
		client:  openai.NewClient(reqOpts...),
		logger:  gatewaycore.NoOpLogger{},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("openai")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ gatewaycore.ModelClient = (*OpenAIClient)(nil)

// Invoke sends messages to model and returns the assistant's reply text.
// Every attempt is gated by the shared limiter (if set) so the process
// never exceeds its configured in-flight budget regardless of how many
// threads, validators or fusion calls are racing to call out.
func (c *OpenAIClient) Invoke(ctx context.Context, model string, messages []gatewaycore.ChatMessage, opts gatewaycore.InvokeOptions) (string, error) {
	var reply string

	call := func(ctx context.Context) error {
		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(model),
			Messages: toOpenAIMessages(messages),
		}
		if opts.Temperature > 0 {
			params.Temperature = openai.Float(float64(opts.Temperature))
		}
		if opts.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(opts.MaxTokens))
		}

		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			if isRetryableOpenAIError(err) {
				return resilience.Retryable(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return resilience.Retryable(fmt.Errorf("modelclient: %s returned no choices", model))
		}
		reply = resp.Choices[0].Message.Content
		return nil
	}

	run := func(ctx context.Context) error {
		return resilience.RetryWithBreaker(ctx, c.retry, c.breaker, call)
	}

	var err error
	if c.limiter != nil {
		err = c.limiter.Do(ctx, run)
	} else {
		err = run(ctx)
	}

	if err != nil {
		c.logger.ErrorContext(ctx, "model invoke failed", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", fmt.Errorf("%w: %v", gatewaycore.ErrUpstreamUnavailable, err)
		}
		return "", err
	}
	return reply, nil
}

func toOpenAIMessages(messages []gatewaycore.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// isRetryableOpenAIError treats 429 and 5xx responses as transient; any
// other status (including 4xx client errors) is permanent.
func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}
