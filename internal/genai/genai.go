// Package genai wraps the OpenAI chat completion API for the OpenAI and OpenAI-compatible
// LLM providers.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var (
	// ErrNoChoicesReturned is returned when the API answers without any completion choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned by NewClient when no API key was configured.
	ErrMissingAPIKey = errors.New("API key not set")
)

// DefaultModel is used when no model is configured.
const DefaultModel = string(openai.ChatModelGPT4oMini)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// sdkChatService adapts the SDK completion service to chatService.
type sdkChatService struct {
	svc openai.ChatCompletionService
}

func (s sdkChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	DebugMode   bool
	StateDir    string
}

// Option defines a function that configures the client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithMaxTokens sets the default completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) {
		o.MaxTokens = n
	}
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithDebug writes every request/response pair as JSON under <stateDir>/debug.
func WithDebug(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// NewClient creates a client. SDK-level retries are disabled; callers own the retry policy.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: 0.7, MaxTokens: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "base_url", cfg.BaseURL, "debug", cfg.DebugMode)
	return &Client{
		chat:        sdkChatService{svc: cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.model
}

// CallParams overrides the client defaults for one call. Zero values keep the defaults.
type CallParams struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Completion is the part of a chat completion the callers use.
type Completion struct {
	Content      string
	FinishReason string
	TokensUsed   int
	Model        string
}

// Complete sends messages and returns the first choice.
func (c *Client) Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, p CallParams) (*Completion, error) {
	model := c.model
	if p.Model != "" {
		model = p.Model
	}
	temperature := c.temperature
	if p.Temperature != nil {
		temperature = *p.Temperature
	}
	maxTokens := c.maxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Warn("genai.Complete: chat completion failed", "model", model, "error", err)
		return nil, err
	}
	c.writeDebug("Complete", model, params, resp)
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	out := &Completion{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		TokensUsed:   int(resp.Usage.TotalTokens),
		Model:        resp.Model,
	}
	if out.Model == "" {
		out.Model = model
	}
	slog.Debug("genai.Complete: chat completion succeeded", "model", out.Model, "tokens", out.TokensUsed)
	return out, nil
}

type debugEntry struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  openai.ChatCompletion          `json:"response"`
}

// writeDebug records a call when debug mode is on. Failures are logged and ignored.
func (c *Client) writeDebug(method, model string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai.writeDebug: failed to create debug directory", "dir", dir, "error", err)
		return
	}
	now := time.Now().UTC()
	raw, err := json.MarshalIndent(debugEntry{Timestamp: now, Method: method, Model: model, Params: params, Response: resp}, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebug: failed to encode debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		slog.Warn("genai.writeDebug: failed to write debug entry", "error", err)
	}
}
