// Package genai wraps the OpenAI chat completions API behind a small
// client used by the analysis and response generation flows.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Error definitions for static error handling
var (
	// ErrAPIKeyNotSet indicates the OpenAI API key was not configured.
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
	// ErrNoChoicesReturned indicates the model response carried no choices.
	ErrNoChoicesReturned = errors.New("no choices returned from completion")
)

// DefaultModel is the chat model used for all completions.
const DefaultModel = openai.ChatModelGPT4oMini

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// ClientInterface is the surface the flow layer depends on, so tests can
// substitute a mock client.
type ClientInterface interface {
	GeneratePrompt(ctx context.Context, system, user string, opts ...CallOption) (string, error)
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...CallOption) (string, error)
}

// chatService abstracts the OpenAI chat completion API for testing.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatAdapter adapts the real OpenAI client to chatService.
type openaiChatAdapter struct {
	client openai.Client
}

func (a *openaiChatAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the chat service used to generate completions.
type Client struct {
	chat chatService
}

var _ ClientInterface = (*Client)(nil)

// NewClient creates a GenAI client. The API key comes from options or the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		slog.Error("GenAI client missing API key")
		return nil, ErrAPIKeyNotSet
	}
	cli := openai.NewClient(option.WithAPIKey(key))
	slog.Debug("GenAI client created")
	return &Client{chat: &openaiChatAdapter{client: cli}}, nil
}

// CallOpts holds per-call sampling options.
type CallOpts struct {
	Temperature *float64
	MaxTokens   *int64
}

// CallOption defines a per-call option for completion requests.
type CallOption func(*CallOpts)

// WithTemperature sets the sampling temperature for one call.
func WithTemperature(t float64) CallOption {
	return func(o *CallOpts) { o.Temperature = &t }
}

// WithMaxTokens caps the completion length for one call.
func WithMaxTokens(n int64) CallOption {
	return func(o *CallOpts) { o.MaxTokens = &n }
}

// GeneratePrompt sends a system and user prompt pair and returns the
// model's reply text.
func (c *Client) GeneratePrompt(ctx context.Context, system, user string, opts ...CallOption) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(user),
	}
	return c.GenerateWithMessages(ctx, messages, opts...)
}

// GenerateWithMessages sends a full message sequence, including any
// conversation history, and returns the model's reply text.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...CallOption) (string, error) {
	var cfg CallOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	params := openai.ChatCompletionNewParams{
		Model:    DefaultModel,
		Messages: messages,
	}
	if cfg.Temperature != nil {
		params.Temperature = openai.Float(*cfg.Temperature)
	}
	if cfg.MaxTokens != nil {
		params.MaxTokens = openai.Int(*cfg.MaxTokens)
	}

	slog.Debug("GenAI GenerateWithMessages invoked", "messages", len(messages))
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI completion failed", "error", err)
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI completion returned no choices")
		return "", ErrNoChoicesReturned
	}
	out := resp.Choices[0].Message.Content
	slog.Debug("GenAI completion succeeded", "length", len(out))
	return out, nil
}
