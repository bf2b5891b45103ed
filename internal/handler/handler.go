// Package handler implements one block handler per block kind and the registry the engine
// dispatches through.
//
// A handler is a pure function of (block, user data, input) apart from the collaborators it
// was built with (LLM gateway, entitlement lookup). It never touches the user's position;
// the engine decides what to persist from the returned models.BlockResult.
package handler

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/BTreeMap/CoursePipe/internal/llm"
	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Handler runs one kind of block.
type Handler interface {
	Type() models.BlockType
	// Handle processes the block. A nil input means the block is being presented for the
	// first time. Validation failures are reported in BlockResult.Error, never as a Go error.
	Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult
}

// Validator is implemented by handlers that check submitted input. ValidateInput returns
// an empty string when the input is acceptable.
type Validator interface {
	ValidateInput(block models.Block, input json.RawMessage) string
}

// Generator is the part of the LLM gateway the LLM handlers use.
type Generator interface {
	IsAvailable() bool
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Entitlements answers whether a user may pass a paywall.
type Entitlements interface {
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
}

// Context key for values the engine hands to handlers
type contextKey string

const (
	userIDContextKey             contextKey = "user_id"
	courseSystemPromptContextKey contextKey = "course_system_prompt"
)

// WithUserID adds the acting user's id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserIDFromContext retrieves the acting user's id from the context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok && userID != ""
}

// WithCourseSystemPrompt adds the course-wide system prompt to the context.
func WithCourseSystemPrompt(ctx context.Context, prompt string) context.Context {
	return context.WithValue(ctx, courseSystemPromptContextKey, prompt)
}

// CourseSystemPromptFromContext retrieves the course-wide system prompt, or "".
func CourseSystemPromptFromContext(ctx context.Context) string {
	prompt, _ := ctx.Value(courseSystemPromptContextKey).(string)
	return prompt
}

// IsAbsentInput reports whether input carries nothing: nil, blank, or JSON null.
func IsAbsentInput(input json.RawMessage) bool {
	trimmed := bytes.TrimSpace(input)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// awaiting builds the result for a block that is shown with its config and waits on the user.
func awaiting(block models.Block, data models.UserData) models.BlockResult {
	return models.BlockResult{
		BlockID:         block.ID,
		BlockType:       block.Type,
		Content:         block.Raw,
		RequiresInput:   true,
		UpdatedUserData: data,
	}
}

// rejected re-presents the block with a validation message and the user data untouched.
func rejected(block models.Block, data models.UserData, msg string) models.BlockResult {
	res := awaiting(block, data)
	res.Error = msg
	return res
}

// completed finishes the block with its config as content.
func completed(block models.Block, data models.UserData) models.BlockResult {
	return models.BlockResult{
		BlockID:         block.ID,
		BlockType:       block.Type,
		Content:         block.Raw,
		IsComplete:      true,
		UpdatedUserData: data,
	}
}
