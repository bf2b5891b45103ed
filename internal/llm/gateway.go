package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Opts holds configuration options for the Gateway.
type Opts struct {
	Providers []Provider
	DebugDir  string
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Option defines a function that configures the Gateway.
type Option func(*Opts)

// WithProvider registers p directly, replacing any provider of the same type built from
// configuration. A provider registered this way is always available.
func WithProvider(p Provider) Option {
	return func(o *Opts) {
		o.Providers = append(o.Providers, p)
	}
}

// WithDebugDir makes the OpenAI-style providers record calls under dir/debug.
func WithDebugDir(dir string) Option {
	return func(o *Opts) {
		o.DebugDir = dir
	}
}

// WithSleep replaces the backoff wait. Intended for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Opts) {
		o.Sleep = fn
	}
}

// Gateway routes generation requests to providers. It is safe for concurrent use; all
// state is fixed at construction.
type Gateway struct {
	defaultProvider ProviderType
	retry           RetryPolicy
	providerCfg     map[ProviderType]ProviderConfig
	providers       map[ProviderType]Provider
	prompts         PromptBuilder
}

// New builds a gateway from cfg. Providers that are disabled or lack credentials are skipped.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		defaultProvider: cfg.DefaultProvider,
		retry:           cfg.Retry,
		providerCfg:     cfg.Providers,
		providers:       make(map[ProviderType]Provider),
	}
	if g.defaultProvider == "" {
		g.defaultProvider = ProviderClaude
	}
	if g.providerCfg == nil {
		g.providerCfg = map[ProviderType]ProviderConfig{}
	}
	if o.Sleep != nil {
		g.retry.Sleep = o.Sleep
	}

	for _, t := range AllProviderTypes() {
		pc, ok := g.providerCfg[t]
		if !ok || !pc.Usable() {
			slog.Debug("llm.New: provider not configured, skipping", "provider", t)
			continue
		}
		p, err := buildProvider(t, pc, o.DebugDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s provider: %w", t, err)
		}
		if p == nil {
			slog.Warn("llm.New: provider has no adapter, skipping", "provider", t)
			continue
		}
		g.providers[t] = *p
	}
	for _, p := range o.Providers {
		g.providers[p.Type] = p
	}

	if len(g.providers) == 0 {
		slog.Warn("llm.New: no LLM providers are configured, LLM blocks will report an error")
	} else {
		slog.Info("llm.New: gateway ready", "providers", g.AvailableProviders(), "default", g.defaultProvider)
	}
	return g, nil
}

func buildProvider(t ProviderType, pc ProviderConfig, debugDir string) (*Provider, error) {
	switch t {
	case ProviderClaude:
		c, err := NewClaudeClient(pc)
		if err != nil {
			return nil, err
		}
		return &Provider{Type: t, Model: c.Model(), Complete: c.Complete}, nil
	case ProviderOpenAI, ProviderLocal:
		c, err := NewOpenAIClient(pc, debugDir)
		if err != nil {
			return nil, err
		}
		return &Provider{Type: t, Model: c.Model(), Complete: openAICompleteFunc(c)}, nil
	}
	return nil, nil
}

// IsAvailable reports whether any provider can serve requests.
func (g *Gateway) IsAvailable() bool {
	return len(g.providers) > 0
}

// IsProviderAvailable reports whether provider t can serve requests.
func (g *Gateway) IsProviderAvailable(t ProviderType) bool {
	_, ok := g.providers[t]
	return ok
}

// AvailableProviders lists usable providers in a stable order.
func (g *Gateway) AvailableProviders() []ProviderType {
	out := make([]ProviderType, 0, len(g.providers))
	for t := range g.providers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultProvider returns the provider used when a request names none.
func (g *Gateway) DefaultProvider() ProviderType {
	return g.defaultProvider
}

func (g *Gateway) provider(t ProviderType) (Provider, error) {
	if t == "" {
		t = g.defaultProvider
	}
	if len(g.providers) == 0 {
		return Provider{}, &ProviderError{Provider: t, Err: ErrNoProviders}
	}
	p, ok := g.providers[t]
	if !ok {
		return Provider{}, &ProviderError{Provider: t, Err: fmt.Errorf("%w: %s, check configuration", ErrProviderUnavailable, t)}
	}
	return p, nil
}

// Generate resolves placeholders in the system prompts, fills in default parameters and
// calls the selected provider under the retry policy. Message contents are sent as given.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Response, error) {
	p, err := g.provider(req.Provider)
	if err != nil {
		slog.Warn("Gateway.Generate: provider unavailable", "provider", req.Provider, "error", err)
		return nil, err
	}
	req.Provider = p.Type

	req.SystemPrompt = g.prompts.BuildSystemPrompt(req.GlobalSystemPrompt, req.SystemPrompt, req.UserData)
	req.GlobalSystemPrompt = ""
	if req.IncludeUserContext {
		if uc := g.prompts.BuildUserContext(req.UserData); uc != "" {
			if req.SystemPrompt != "" {
				req.SystemPrompt += "\n\n"
			}
			req.SystemPrompt += uc
		}
	}

	pc := g.providerCfg[p.Type]
	if req.Temperature == nil {
		t := pc.EffectiveTemperature()
		req.Temperature = &t
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
		if pc.MaxTokens > 0 {
			req.MaxTokens = pc.MaxTokens
		}
	}

	slog.Debug("Gateway.Generate: sending request", "provider", p.Type, "messages", len(req.Messages), "maxTokens", req.MaxTokens)
	resp, err := Retry(ctx, g.retry, func(ctx context.Context) (*Response, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			pe.Provider = p.Type
		}
		slog.Error("Gateway.Generate: provider call failed", "provider", p.Type, "error", err)
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = p.Model
	}
	slog.Debug("Gateway.Generate: response received", "provider", p.Type, "model", resp.Model, "tokens", resp.TokensUsed)
	return resp, nil
}

// SendMessage resolves both prompts and sends a single user turn to the default provider.
func (g *Gateway) SendMessage(ctx context.Context, systemPrompt, userMessage string, data models.UserData) (*Response, error) {
	return g.SendWithProvider(ctx, "", systemPrompt, userMessage, data)
}

// SendConversation sends a full history to the default provider. Only the system prompt
// is resolved; history turns are sent verbatim.
func (g *Gateway) SendConversation(ctx context.Context, systemPrompt string, history []Message, data models.UserData) (*Response, error) {
	return g.Generate(ctx, Request{SystemPrompt: systemPrompt, Messages: history, UserData: data})
}

// SendWithProvider is SendMessage against an explicitly named provider.
func (g *Gateway) SendWithProvider(ctx context.Context, provider ProviderType, systemPrompt, userMessage string, data models.UserData) (*Response, error) {
	return g.Generate(ctx, Request{
		Provider:     provider,
		SystemPrompt: systemPrompt,
		Messages:     []Message{UserMessage(g.prompts.BuildPrompt(userMessage, data))},
		UserData:     data,
	})
}
