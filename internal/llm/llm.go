// Package llm wraps the chat-completions endpoint behind a small Generator
// interface so the rewriter and the QA chain can be tested with fakes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/metrics"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// Request is a single generation call.
type Request struct {
	Messages    []Message
	MaxTokens   int64
	Temperature float64
	// Purpose labels the call in metrics: "answer", "rewrite", "summarize".
	Purpose string
}

// Generator produces completions. Stream invokes onDelta for each content
// fragment and returns the accumulated full text.
type Generator interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// Client is the openai-go backed Generator.
type Client struct {
	api     openai.Client
	model   string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a client for the configured endpoint. A zero RatePerSec
// disables client-side rate limiting.
func New(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	opts = append(opts, option.WithRequestTimeout(timeout))

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Client{
		api:     openai.NewClient(opts...),
		model:   cfg.Model,
		limiter: limiter,
		logger:  logger,
	}
}

func (c *Client) params(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Complete returns the full completion text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	var text string
	err := faults.Retry(ctx, faults.DefaultRetry, func() error {
		resp, err := c.api.Chat.Completions.New(ctx, c.params(req))
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("completion returned no choices")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		metrics.LLMRequests.WithLabelValues(req.Purpose, "error").Inc()
		return "", fmt.Errorf("%w: %v", faults.ErrLLMUnavailable, err)
	}
	metrics.LLMRequests.WithLabelValues(req.Purpose, "ok").Inc()
	return text, nil
}

// Stream streams the completion, invoking onDelta per content fragment.
// Streams are not retried once the first token arrived; a failure before
// any token falls back to one non-streaming attempt.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	stream := c.api.Chat.Completions.NewStreaming(ctx, c.params(req))
	acc := openai.ChatCompletionAccumulator{}
	started := false

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			started = true
			if onDelta != nil {
				onDelta(chunk.Choices[0].Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if started {
			metrics.LLMRequests.WithLabelValues(req.Purpose, "error").Inc()
			return "", fmt.Errorf("%w: stream interrupted: %v", faults.ErrLLMUnavailable, err)
		}
		c.logger.Warn("Stream failed before first token, retrying non-streaming",
			zap.String("purpose", req.Purpose),
			zap.Error(err),
		)
		text, cErr := c.Complete(ctx, req)
		if cErr != nil {
			return "", cErr
		}
		if onDelta != nil {
			onDelta(text)
		}
		return text, nil
	}

	if len(acc.Choices) == 0 {
		metrics.LLMRequests.WithLabelValues(req.Purpose, "error").Inc()
		return "", fmt.Errorf("%w: stream returned no choices", faults.ErrLLMUnavailable)
	}
	metrics.LLMRequests.WithLabelValues(req.Purpose, "ok").Inc()
	return acc.Choices[0].Message.Content, nil
}
