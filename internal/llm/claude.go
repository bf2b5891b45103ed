package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	claudeMessagesPath = "/v1/messages"
	claudeAPIVersion   = "2023-06-01"
)

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ClaudeClient speaks the Anthropic Messages API over plain HTTP.
type ClaudeClient struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClaudeClient creates a client from the provider configuration.
func NewClaudeClient(cfg ProviderConfig) (*ClaudeClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultClaudeURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("claude: api key required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultClaudeModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &ClaudeClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{Transport: tr},
	}, nil
}

// NewClaudeClientWithHTTPClient is intended for tests; it avoids network access by using a custom RoundTripper.
func NewClaudeClientWithHTTPClient(cfg ProviderConfig, httpClient *http.Client) (*ClaudeClient, error) {
	c, err := NewClaudeClient(cfg)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c, nil
}

// Model returns the configured model.
func (c *ClaudeClient) Model() string {
	return c.model
}

// Complete performs one Messages API call. System-role messages are dropped from the
// message list because Claude takes the system prompt as a separate field.
func (c *ClaudeClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body := claudeRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
		System:    req.SystemPrompt,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = DefaultMaxTokens
	}
	body.Temperature = DefaultTemperature
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			continue
		}
		body.Messages = append(body.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}

	var out claudeResponse
	if err := c.doJSON(ctx, http.MethodPost, claudeMessagesPath, body, &out); err != nil {
		return nil, err
	}

	text := ""
	if len(out.Content) > 0 {
		text = out.Content[0].Text
	}
	return &Response{
		Content:      text,
		FinishReason: out.StopReason,
		TokensUsed:   out.Usage.InputTokens + out.Usage.OutputTokens,
		Model:        out.Model,
		Metadata: map[string]interface{}{
			"id":           out.ID,
			"type":         out.Type,
			"inputTokens":  out.Usage.InputTokens,
			"outputTokens": out.Usage.OutputTokens,
		},
	}, nil
}

func (c *ClaudeClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx2, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx2, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", claudeAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("claude: decode response: %w", err)
	}
	return nil
}
