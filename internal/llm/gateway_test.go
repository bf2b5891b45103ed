package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestConfigAvailability(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers[ProviderClaude] = ProviderConfig{Enabled: true, APIKey: "sk-test"}
	cfg.Providers[ProviderOpenAI] = ProviderConfig{Enabled: true, APIKey: ""}
	cfg.Providers[ProviderLocal] = ProviderConfig{Enabled: false, APIKey: "key"}
	cfg.Providers[ProviderGemini] = ProviderConfig{Enabled: true, APIKey: "key"}

	g, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.IsAvailable() {
		t.Error("expected gateway to be available")
	}
	if !g.IsProviderAvailable(ProviderClaude) {
		t.Error("expected claude to be available")
	}
	for _, p := range []ProviderType{ProviderOpenAI, ProviderLocal, ProviderGemini} {
		if g.IsProviderAvailable(p) {
			t.Errorf("expected %s to be unavailable", p)
		}
	}
	if got := g.AvailableProviders(); len(got) != 1 || got[0] != ProviderClaude {
		t.Errorf("unexpected available providers %v", got)
	}
}

func TestGenerate_NoProviders(t *testing.T) {
	g, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.IsAvailable() {
		t.Fatal("expected no provider to be available")
	}
	_, err = g.SendMessage(context.Background(), "sys", "hi", models.NewUserData())
	if !errors.Is(err, ErrNoProviders) {
		t.Errorf("expected ErrNoProviders, got %v", err)
	}
}

func TestGenerate_UnavailableProviderFailsFast(t *testing.T) {
	calls := 0
	g, _ := New(DefaultConfig(), WithProvider(Provider{Type: ProviderClaude, Complete: func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return &Response{Content: "x"}, nil
	}}))
	_, err := g.SendWithProvider(context.Background(), ProviderOpenAI, "", "hi", models.NewUserData())
	var pe *ProviderError
	if !errors.As(err, &pe) || !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected unavailable provider error, got %v", err)
	}
	if pe.Provider != ProviderOpenAI {
		t.Errorf("expected error to name openai, got %s", pe.Provider)
	}
	if calls != 0 {
		t.Errorf("expected no provider call, got %d", calls)
	}
}

func TestGenerate_ResolvesPromptsAndAppliesDefaults(t *testing.T) {
	var got Request
	cfg := DefaultConfig()
	g, _ := New(cfg, WithProvider(Provider{Type: ProviderClaude, Model: "fake-model", Complete: func(ctx context.Context, req Request) (*Response, error) {
		got = req
		return &Response{Content: "done"}, nil
	}}))

	data := models.MustUserData(`{"name":"Ann","triggers":["crowds","exams"]}`)
	resp, err := g.SendMessage(context.Background(), "You help {{name}}.", "My trigger is {{triggers[1]}}", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Model != "fake-model" {
		t.Errorf("expected model fallback to provider model, got %q", resp.Model)
	}
	if got.SystemPrompt != "You help Ann." {
		t.Errorf("unexpected system prompt %q", got.SystemPrompt)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "My trigger is exams" || got.Messages[0].Role != RoleUser {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
	if got.Temperature == nil || *got.Temperature != DefaultTemperature {
		t.Errorf("expected default temperature, got %v", got.Temperature)
	}
	if got.MaxTokens != DefaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", got.MaxTokens)
	}
}

func TestGenerate_ConfiguredZeroTemperature(t *testing.T) {
	var got Request
	zero := 0.0
	cfg := DefaultConfig()
	cfg.Providers[ProviderClaude] = ProviderConfig{Temperature: &zero}
	g, _ := New(cfg, WithProvider(Provider{Type: ProviderClaude, Model: "fake-model", Complete: func(ctx context.Context, req Request) (*Response, error) {
		got = req
		return &Response{Content: "done"}, nil
	}}))

	if _, err := g.SendMessage(context.Background(), "", "hi", models.NewUserData()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("expected configured temperature 0, got %v", got.Temperature)
	}
}

func TestSendConversation_ResolvesSystemOnly(t *testing.T) {
	var got Request
	g, _ := New(DefaultConfig(), WithProvider(Provider{Type: ProviderClaude, Complete: func(ctx context.Context, req Request) (*Response, error) {
		got = req
		return &Response{Content: "reply"}, nil
	}}))
	data := models.MustUserData(`{"name":"Ann"}`)
	history := []Message{UserMessage("literally {{name}}")}
	if _, err := g.SendConversation(context.Background(), "Coach {{name}}", history, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SystemPrompt != "Coach Ann" {
		t.Errorf("unexpected system prompt %q", got.SystemPrompt)
	}
	if got.Messages[0].Content != "literally {{name}}" {
		t.Errorf("history must be sent verbatim, got %q", got.Messages[0].Content)
	}
}

func TestGenerate_GlobalPromptAndUserContext(t *testing.T) {
	var got Request
	g, _ := New(DefaultConfig(), WithProvider(Provider{Type: ProviderClaude, Complete: func(ctx context.Context, req Request) (*Response, error) {
		got = req
		return &Response{Content: "reply"}, nil
	}}))
	_, err := g.Generate(context.Background(), Request{
		GlobalSystemPrompt: "You are a CBT coach.",
		SystemPrompt:       "Focus on {{primary_issue}}.",
		IncludeUserContext: true,
		UserData:           models.MustUserData(`{"name":"Ann","primary_issue":"sleep"}`),
		Messages:           []Message{UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "You are a CBT coach.\n\nFocus on sleep.\n\nUser Information:\n- Name: Ann\n- Primary Issue: sleep\n"
	if got.SystemPrompt != want {
		t.Errorf("unexpected system prompt:\n%q\nwant\n%q", got.SystemPrompt, want)
	}
}

func TestGenerate_RetriesThroughGateway(t *testing.T) {
	var waits []time.Duration
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BackoffDelay: 50 * time.Millisecond}
	calls := 0
	g, _ := New(cfg,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
		WithProvider(Provider{Type: ProviderClaude, Complete: func(ctx context.Context, req Request) (*Response, error) {
			calls++
			if calls <= 2 {
				return nil, &HTTPError{StatusCode: http.StatusTooManyRequests}
			}
			return &Response{Content: "third time lucky"}, nil
		}}),
	)
	resp, err := g.SendMessage(context.Background(), "", "hi", models.NewUserData())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "third time lucky" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if len(waits) != 2 || waits[0] != 50*time.Millisecond || waits[1] != 100*time.Millisecond {
		t.Errorf("expected linear backoff [50ms 100ms], got %v", waits)
	}
}

func TestGenerate_ClientErrorNamesProvider(t *testing.T) {
	calls := 0
	g, _ := New(DefaultConfig(), WithSleep(noSleep), WithProvider(Provider{Type: ProviderClaude, Complete: func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return nil, &HTTPError{StatusCode: http.StatusNotFound}
	}}))
	_, err := g.SendMessage(context.Background(), "", "hi", models.NewUserData())
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if pe.Provider != ProviderClaude || calls != 1 {
		t.Errorf("expected single claude attempt, got provider %s calls %d", pe.Provider, calls)
	}
}

func TestClaudeClient_WireFormat(t *testing.T) {
	client := &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != claudeMessagesPath {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if req.Header.Get("x-api-key") != "sk-test" || req.Header.Get("anthropic-version") != claudeAPIVersion {
			t.Fatalf("missing auth headers: %v", req.Header)
		}
		var in claudeRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			t.Fatalf("decode req: %v", err)
		}
		if in.System != "be kind" || in.MaxTokens != 256 || in.Model != "claude-test" {
			t.Fatalf("unexpected request %+v", in)
		}
		if len(in.Messages) != 2 || in.Messages[0].Role != RoleUser || in.Messages[1].Role != RoleAssistant {
			t.Fatalf("system messages must be filtered, got %+v", in.Messages)
		}
		b := []byte(`{"id":"msg_1","type":"message","model":"claude-test","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(bytes.NewReader(b)),
		}, nil
	})}

	c, err := NewClaudeClientWithHTTPClient(ProviderConfig{APIKey: "sk-test", Model: "claude-test", BaseURL: "http://upstream"}, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := c.Complete(context.Background(), Request{
		SystemPrompt: "be kind",
		MaxTokens:    256,
		Messages: []Message{
			UserMessage("hi"),
			{Role: RoleSystem, Content: "ignored"},
			AssistantMessage("hello"),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" || resp.TokensUsed != 15 || resp.FinishReason != "end_turn" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestClaudeClient_StatusErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"claude-test","content":[{"type":"text","text":"finally"}],"usage":{}}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BackoffDelay: time.Millisecond}
	cfg.Providers[ProviderClaude] = ProviderConfig{Enabled: true, APIKey: "sk-test", BaseURL: srv.URL, Model: "claude-test"}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := g.SendMessage(context.Background(), "", "hi", models.NewUserData())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "finally" || hits != 3 {
		t.Errorf("expected success on third hit, got %q after %d hits", resp.Content, hits)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LLM_DEFAULT_PROVIDER", "OpenAI")
	t.Setenv("LLM_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("LLM_RETRY_BACKOFF_DELAY", "250ms")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("OPENAI_MODEL", "gpt-test")
	t.Setenv("CLAUDE_API_KEY", "sk-claude")
	t.Setenv("CLAUDE_ENABLED", "false")
	t.Setenv("OPENAI_TEMPERATURE", "0")
	t.Setenv("CLAUDE_TEMPERATURE", "")

	cfg := ConfigFromEnv()
	if cfg.DefaultProvider != ProviderOpenAI {
		t.Errorf("expected openai default, got %s", cfg.DefaultProvider)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BackoffDelay != 250*time.Millisecond {
		t.Errorf("unexpected retry policy %+v", cfg.Retry)
	}
	if !cfg.Providers[ProviderOpenAI].Usable() || cfg.Providers[ProviderOpenAI].Model != "gpt-test" {
		t.Errorf("unexpected openai config %+v", cfg.Providers[ProviderOpenAI])
	}
	if temp := cfg.Providers[ProviderOpenAI].Temperature; temp == nil || *temp != 0 {
		t.Errorf("expected explicit zero temperature, got %v", temp)
	}
	if cfg.Providers[ProviderClaude].Temperature != nil || cfg.Providers[ProviderClaude].EffectiveTemperature() != DefaultTemperature {
		t.Errorf("unset temperature must fall back to the default, got %v", cfg.Providers[ProviderClaude].Temperature)
	}
	if cfg.Providers[ProviderClaude].Usable() {
		t.Error("explicitly disabled claude must not be usable")
	}
	if !strings.HasPrefix(cfg.Providers[ProviderClaude].BaseURL, "https://") {
		t.Errorf("expected default claude base url, got %q", cfg.Providers[ProviderClaude].BaseURL)
	}
}
