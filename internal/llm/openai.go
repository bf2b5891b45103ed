package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/CoursePipe/internal/genai"
)

// chatCompleter is the part of genai.Client the OpenAI-style providers use.
type chatCompleter interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, p genai.CallParams) (*genai.Completion, error)
	Model() string
}

// NewOpenAIClient builds a genai client for the OpenAI or the local OpenAI-compatible provider.
func NewOpenAIClient(cfg ProviderConfig, debugDir string) (*genai.Client, error) {
	opts := []genai.Option{
		genai.WithAPIKey(cfg.APIKey),
		genai.WithTemperature(cfg.EffectiveTemperature()),
		genai.WithMaxTokens(cfg.MaxTokens),
		genai.WithTimeout(cfg.Timeout),
	}
	if cfg.Model != "" {
		opts = append(opts, genai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.BaseURL))
	}
	if debugDir != "" {
		opts = append(opts, genai.WithDebug(debugDir))
	}
	return genai.NewClient(opts...)
}

// openAICompleteFunc adapts a chat completer to CompleteFunc. SDK API errors are converted
// to *HTTPError so the retry policy can classify them.
func openAICompleteFunc(c chatCompleter) CompleteFunc {
	return func(ctx context.Context, req Request) (*Response, error) {
		messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
		if req.SystemPrompt != "" {
			messages = append(messages, openai.SystemMessage(req.SystemPrompt))
		}
		for _, m := range req.Messages {
			switch m.Role {
			case RoleSystem:
				messages = append(messages, openai.SystemMessage(m.Content))
			case RoleAssistant:
				messages = append(messages, openai.AssistantMessage(m.Content))
			default:
				messages = append(messages, openai.UserMessage(m.Content))
			}
		}

		out, err := c.Complete(ctx, messages, genai.CallParams{Temperature: req.Temperature, MaxTokens: req.MaxTokens})
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) {
				return nil, &HTTPError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
			}
			return nil, err
		}
		return &Response{
			Content:      out.Content,
			FinishReason: out.FinishReason,
			TokensUsed:   out.TokensUsed,
			Model:        out.Model,
		}, nil
	}
}
