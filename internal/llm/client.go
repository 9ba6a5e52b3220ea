// Package llm wraps the external chat-completions endpoint with rate-limit
// discipline, bounded retries, model and endpoint fallback, and response
// parsing.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/ratelimit"
	"github.com/tessro/maestro/internal/retry"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a single completion request routed through the client.
type Request struct {
	Messages []Message
	Stage    config.StageConfig

	// ResponseFormat, when set, is a JSON schema the endpoint should
	// constrain generation to.
	ResponseFormat json.RawMessage
	SchemaName     string

	Priority ratelimit.Priority
}

// Response is the model's reply.
type Response struct {
	Content string
	Model   string
}

// Completer is the interface pipeline stages program against.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// chatAPI is the slice of the OpenAI-compatible SDK the client uses.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// MetricsRecorder receives per-request accounting. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	RecordLLMRequest(model, status string, seconds float64, promptTokens, completionTokens int)
}

// maxAttemptsPerModel is the retry budget for one model before giving up or
// switching to the stage's fallback model.
const maxAttemptsPerModel = 3

// primaryFailuresBeforeSwitch is how many failures the primary model gets
// before the stage's fallback model takes over with a fresh retry counter.
const primaryFailuresBeforeSwitch = 2

// Client is the retry/fallback wrapper over the chat-completions endpoint.
// One client is shared by all sessions; all calls pass through the
// process-wide throttler.
type Client struct {
	primary   chatAPI
	fallback  chatAPI
	throttler *ratelimit.Throttler
	metrics   MetricsRecorder
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client from the endpoint configuration.
func NewClient(cfg config.LLMConfig, throttler *ratelimit.Throttler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	primaryCfg := openai.DefaultConfig(cfg.APIKey)
	primaryCfg.BaseURL = cfg.APIEndpoint.Primary
	var fallback chatAPI
	if cfg.APIEndpoint.UseFallback && cfg.APIEndpoint.Fallback != "" {
		fallbackCfg := openai.DefaultConfig(cfg.APIKey)
		fallbackCfg.BaseURL = cfg.APIEndpoint.Fallback
		fallback = openai.NewClientWithConfig(fallbackCfg)
	}
	return &Client{
		primary:   openai.NewClientWithConfig(primaryCfg),
		fallback:  fallback,
		throttler: throttler,
		logger:    logger.With("component", "llm"),
		sleep:     retry.Sleep,
	}
}

// SetMetrics plugs per-request accounting into the client.
func (c *Client) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// newClientWithAPI wires explicit transports; used by tests.
func newClientWithAPI(primary, fallback chatAPI, throttler *ratelimit.Throttler, logger *slog.Logger) *Client {
	c := NewClient(config.LLMConfig{APIEndpoint: config.EndpointConfig{Primary: "http://unused"}}, throttler, logger)
	c.primary = primary
	c.fallback = fallback
	return c
}

// Complete issues the request with the §retry discipline: up to three
// attempts per model, exponential backoff keyed to the failure kind, a
// switch to the stage's fallback model after two primary failures, and a
// one-shot endpoint fallback when the primary endpoint is unreachable.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Stage.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Stage.Timeout)
		defer cancel()
	}

	if c.throttler != nil {
		release, err := c.throttler.Acquire(ctx, req.Priority)
		if err != nil {
			return Response{}, err
		}
		defer release()
	}

	models := []string{req.Stage.Model}
	if req.Stage.FallbackModel != "" && req.Stage.FallbackModel != req.Stage.Model {
		models = append(models, req.Stage.FallbackModel)
	}

	var lastErr error
	for mi, model := range models {
		onPrimaryModel := mi == 0 && len(models) > 1
		failures := 0
		for attempt := 1; attempt <= maxAttemptsPerModel; attempt++ {
			resp, err := c.do(ctx, model, req)
			if err == nil {
				return resp, nil
			}
			lerr := classify(err)
			lastErr = lerr

			if lerr.Kind == KindBadRequest {
				return Response{}, lerr
			}

			var delay time.Duration
			if lerr.Kind == KindRateLimit {
				delay = retry.Backoff(attempt, 10*time.Second, 60*time.Second, 2.0)
			} else {
				delay = retry.Backoff(attempt, time.Second, 10*time.Second, 2.0)
			}
			c.logger.Warn("llm request failed",
				"model", model, "attempt", attempt, "kind", string(lerr.Kind), "backoff", delay)

			failures++
			switchModel := onPrimaryModel && failures >= primaryFailuresBeforeSwitch
			if !switchModel && attempt >= maxAttemptsPerModel {
				break
			}
			if err := c.sleep(ctx, delay); err != nil {
				return Response{}, err
			}
			if switchModel {
				break
			}
		}
	}
	return Response{}, &Error{Kind: KindExhausted, Message: "retry budget exhausted", Err: lastErr}
}

// do performs one request, falling back to the secondary endpoint when the
// primary is unreachable.
func (c *Client) do(ctx context.Context, model string, req Request) (Response, error) {
	start := time.Now()
	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: req.Stage.Temperature,
		MaxTokens:   req.Stage.MaxTokens,
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if len(req.ResponseFormat) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: req.ResponseFormat,
			},
		}
	}

	resp, err := c.primary.CreateChatCompletion(ctx, apiReq)
	if err != nil && c.fallback != nil && isRefused(err) {
		c.logger.Warn("primary endpoint unreachable, trying fallback", "error", err)
		resp, err = c.fallback.CreateChatCompletion(ctx, apiReq)
	}
	if err != nil {
		c.record(model, "error", start, 0, 0)
		return Response{}, err
	}
	c.record(model, "success", start, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if len(resp.Choices) == 0 {
		return Response{}, &Error{Kind: KindParse, Message: "response has no choices"}
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return Response{}, &Error{Kind: KindParse, Message: "response content is empty"}
	}
	return Response{Content: content, Model: resp.Model}, nil
}

func (c *Client) record(model, status string, start time.Time, promptTokens, completionTokens int) {
	if c.metrics != nil {
		c.metrics.RecordLLMRequest(model, status, time.Since(start).Seconds(), promptTokens, completionTokens)
	}
}

var _ Completer = (*Client)(nil)

// Summarize trims s for event payloads and logs.
func Summarize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s…", s[:max])
}
