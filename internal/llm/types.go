// Package llm is the gateway between block handlers and the configured LLM providers.
//
// Every provider is a plain request/response function; the gateway adds provider selection,
// template resolution of prompts, default parameters and one uniform retry policy.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// ProviderType names a supported LLM backend.
type ProviderType string

const (
	ProviderClaude ProviderType = "claude"
	ProviderOpenAI ProviderType = "openai"
	ProviderGemini ProviderType = "gemini"
	ProviderLocal  ProviderType = "local"
)

// AllProviderTypes lists every provider in preference order.
func AllProviderTypes() []ProviderType {
	return []ProviderType{ProviderClaude, ProviderOpenAI, ProviderGemini, ProviderLocal}
}

// ParseProviderType converts a configuration value into a ProviderType.
func ParseProviderType(s string) (ProviderType, error) {
	p := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllProviderTypes() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown LLM provider %q", s)
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Default generation parameters.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage creates a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant turn.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Request is the provider-neutral generation request.
type Request struct {
	// Provider selects a backend; empty means the configured default.
	Provider ProviderType
	// GlobalSystemPrompt is the course-wide prompt placed before SystemPrompt.
	GlobalSystemPrompt string
	SystemPrompt       string
	// IncludeUserContext appends a summary of well-known user data fields to the system prompt.
	IncludeUserContext bool
	Messages           []Message
	// UserData is used to resolve {{placeholders}} in the system prompts.
	UserData       models.UserData
	Temperature    *float64
	MaxTokens      int
	ConversationID string
	Stream         bool
}

// Response is the provider-neutral generation result.
type Response struct {
	Content      string                 `json:"content"`
	FinishReason string                 `json:"finishReason,omitempty"`
	TokensUsed   int                    `json:"tokensUsed"`
	Model        string                 `json:"model"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// CompleteFunc performs one attempt against a provider. Failures that should be classified
// by status code must be returned as *HTTPError.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

// Provider binds a CompleteFunc to its identity.
type Provider struct {
	Type     ProviderType
	Model    string
	Complete CompleteFunc
}
