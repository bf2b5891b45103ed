package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BTreeMap/CoursePipe/internal/llm"
	"github.com/BTreeMap/CoursePipe/internal/models"
)

// MsgLLMNotConfigured is shown when no LLM provider can serve the block.
const MsgLLMNotConfigured = "LLM service is not configured"

// ConversationKey is the user data key holding the history of an LLM_CONVERSATION block.
func ConversationKey(blockID string) string {
	return "conversation_" + blockID
}

type llmResponseContent struct {
	Type     string `json:"type"`
	Response string `json:"response"`
	Model    string `json:"model"`
}

type llmConversationContent struct {
	Type    string        `json:"type"`
	Message string        `json:"message"`
	Model   string        `json:"model"`
	History []llm.Message `json:"history"`
}

func parseProvider(name string) (llm.ProviderType, error) {
	if name == "" {
		return "", nil
	}
	return llm.ParseProviderType(name)
}

func maxTokens(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// LLMResponseHandler generates a one-shot text from the user's data.
type LLMResponseHandler struct {
	gen     Generator
	prompts llm.PromptBuilder
}

// NewLLMResponseHandler creates an LLM_RESPONSE handler. gen may be nil, in which case
// every call reports that the LLM service is not configured.
func NewLLMResponseHandler(gen Generator) *LLMResponseHandler {
	return &LLMResponseHandler{gen: gen}
}

// Type implements Handler.
func (h *LLMResponseHandler) Type() models.BlockType { return models.BlockTypeLLMResponse }

// Handle implements Handler. The block is generated on every call; a failed generation
// leaves it incomplete so the engine does not move past it.
func (h *LLMResponseHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("LLMResponseHandler.Handle: processing block", "blockID", block.ID)
	fail := func(msg string) models.BlockResult {
		res := completed(block, data)
		res.IsComplete = false
		res.Error = msg
		return res
	}

	if h.gen == nil || !h.gen.IsAvailable() {
		slog.Error("LLMResponseHandler.Handle: LLM service is not available", "blockID", block.ID)
		return fail(MsgLLMNotConfigured)
	}

	cfg, _ := block.Config.(models.LLMResponseConfig)
	provider, err := parseProvider(cfg.Provider)
	if err != nil {
		slog.Warn("LLMResponseHandler.Handle: invalid provider", "blockID", block.ID, "error", err)
		return fail("Failed to generate response: " + err.Error())
	}

	resp, err := h.gen.Generate(ctx, llm.Request{
		Provider:           provider,
		GlobalSystemPrompt: CourseSystemPromptFromContext(ctx),
		SystemPrompt:       cfg.SystemPrompt,
		IncludeUserContext: cfg.IncludeUserContext,
		Messages:           []llm.Message{llm.UserMessage(h.prompts.BuildPrompt(cfg.Prompt, data))},
		UserData:           data,
		Temperature:        cfg.Temperature,
		MaxTokens:          maxTokens(cfg.MaxTokens),
	})
	if err != nil {
		slog.Error("LLMResponseHandler.Handle: generation failed", "blockID", block.ID, "error", err)
		return fail("Failed to generate response: " + err.Error())
	}

	content, err := json.Marshal(llmResponseContent{Type: "llm_response", Response: resp.Content, Model: resp.Model})
	if err != nil {
		return fail("Failed to generate response: " + err.Error())
	}
	slog.Debug("LLMResponseHandler.Handle: generated response", "blockID", block.ID, "tokens", resp.TokensUsed)
	return models.BlockResult{
		BlockID:         block.ID,
		BlockType:       block.Type,
		Content:         content,
		IsComplete:      true,
		UpdatedUserData: data,
	}
}

// LLMConversationHandler runs an open-ended chat whose history lives in user data. It never
// completes by itself; the user leaves it through navigation.
type LLMConversationHandler struct {
	gen Generator
}

// NewLLMConversationHandler creates an LLM_CONVERSATION handler.
func NewLLMConversationHandler(gen Generator) *LLMConversationHandler {
	return &LLMConversationHandler{gen: gen}
}

// Type implements Handler.
func (h *LLMConversationHandler) Type() models.BlockType { return models.BlockTypeLLMConversation }

// Handle implements Handler.
func (h *LLMConversationHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("LLMConversationHandler.Handle: processing block", "blockID", block.ID)
	if h.gen == nil || !h.gen.IsAvailable() {
		slog.Error("LLMConversationHandler.Handle: LLM service is not available", "blockID", block.ID)
		return rejected(block, data, MsgLLMNotConfigured)
	}
	if IsAbsentInput(input) {
		return awaiting(block, data)
	}
	if msg := h.ValidateInput(block, input); msg != "" {
		return rejected(block, data, msg)
	}

	cfg, _ := block.Config.(models.LLMConversationConfig)
	provider, err := parseProvider(cfg.Provider)
	if err != nil {
		slog.Warn("LLMConversationHandler.Handle: invalid provider", "blockID", block.ID, "error", err)
		return rejected(block, data, "Failed to process conversation: "+err.Error())
	}

	key := ConversationKey(block.ID)
	history := LoadHistory(data, key)
	history = append(history, llm.UserMessage(inputValue(input, "message").String()))

	resp, err := h.gen.Generate(ctx, llm.Request{
		Provider:           provider,
		GlobalSystemPrompt: CourseSystemPromptFromContext(ctx),
		SystemPrompt:       cfg.SystemPrompt,
		IncludeUserContext: cfg.IncludeUserContext,
		Messages:           history,
		UserData:           data,
		Temperature:        cfg.Temperature,
		MaxTokens:          maxTokens(cfg.MaxTokens),
		ConversationID:     key,
	})
	if err != nil {
		slog.Error("LLMConversationHandler.Handle: conversation failed", "blockID", block.ID, "error", err)
		return rejected(block, data, "Failed to process conversation: "+err.Error())
	}
	history = append(history, llm.AssistantMessage(resp.Content))

	updated, err := data.With(key, history)
	if err != nil {
		slog.Error("LLMConversationHandler.Handle: failed to save history", "blockID", block.ID, "error", err)
		return rejected(block, data, "Failed to process conversation: "+err.Error())
	}
	content, err := json.Marshal(llmConversationContent{Type: "llm_conversation", Message: resp.Content, Model: resp.Model, History: history})
	if err != nil {
		return rejected(block, data, "Failed to process conversation: "+err.Error())
	}

	slog.Debug("LLMConversationHandler.Handle: turn complete", "blockID", block.ID, "messages", len(history), "tokens", resp.TokensUsed)
	return models.BlockResult{
		BlockID:         block.ID,
		BlockType:       block.Type,
		Content:         content,
		RequiresInput:   true,
		UpdatedUserData: updated,
	}
}

// ValidateInput implements Validator.
func (h *LLMConversationHandler) ValidateInput(block models.Block, input json.RawMessage) string {
	if v := inputValue(input, "message"); !v.Exists() || v.String() == "" {
		return MsgMessageRequired
	}
	return ""
}

// LoadHistory reads a conversation history array from user data. Entries that are not
// role/content objects are skipped.
func LoadHistory(data models.UserData, key string) []llm.Message {
	var history []llm.Message
	v := data.Get(key)
	if !v.IsArray() {
		return history
	}
	for _, m := range v.Array() {
		role, content := m.Get("role"), m.Get("content")
		if !role.Exists() || !content.Exists() {
			continue
		}
		history = append(history, llm.Message{Role: role.String(), Content: content.String()})
	}
	return history
}
