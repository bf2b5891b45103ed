// Package models defines the core data structures for CoursePipe.
//
// It includes the scenario document model, per-user course positions, block results,
// and the request/response envelopes shared by the API and the engine.
package models

import (
	"encoding/json"
	"errors"
	"strings"
)

// Validation constants for API input validation
const (
	// MaxBlockIDLength defines the maximum allowed length of a block id in a submission
	MaxBlockIDLength = 100
	// MaxInputPayloadBytes defines the maximum size of a block input payload
	MaxInputPayloadBytes = 64 << 10
)

// Error variables for request validation
var (
	ErrEmptyBlockID      = errors.New("block ID is required")
	ErrBlockIDTooLong    = errors.New("block ID exceeds maximum length")
	ErrInputTooLarge     = errors.New("input payload exceeds maximum size")
	ErrEmptyScenarioBody = errors.New("scenario document is required")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// BlockInputRequest is the body of a submit-block call.
//
// Input shape depends on the block type:
//   - INPUT: {"value": "text"}
//   - SLIDER: {"value": 7}
//   - SINGLE_SELECT: {"selectedOption": "option_id"}
//   - MULTI_SELECT: {"selectedOptions": ["option1", "option2"]}
//   - LLM_CONVERSATION: {"message": "user message"}
type BlockInputRequest struct {
	BlockID string          `json:"blockId"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// Validate checks the request envelope. The input payload itself is validated by the block handler.
func (r *BlockInputRequest) Validate() error {
	r.BlockID = strings.TrimSpace(r.BlockID)
	if r.BlockID == "" {
		return ErrEmptyBlockID
	}
	if len(r.BlockID) > MaxBlockIDLength {
		return ErrBlockIDTooLong
	}
	if len(r.Input) > MaxInputPayloadBytes {
		return ErrInputTooLarge
	}
	return nil
}

// CurrentBlockResponse wraps a block result for the API. CourseComplete is set when the
// user has finished the course and there is no current block.
type CurrentBlockResponse struct {
	CourseComplete bool         `json:"courseComplete"`
	Block          *BlockResult `json:"block,omitempty"`
}
