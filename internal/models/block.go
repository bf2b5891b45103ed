package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType tags one step of a session with the handler that runs it.
type BlockType string

const (
	// BlockTypeStatic displays text/images without user interaction.
	BlockTypeStatic BlockType = "STATIC"
	// BlockTypeInput collects free text.
	BlockTypeInput BlockType = "INPUT"
	// BlockTypeSlider collects a numeric value within a range.
	BlockTypeSlider BlockType = "SLIDER"
	// BlockTypeSingleSelect lets the user pick one option, optionally branching.
	BlockTypeSingleSelect BlockType = "SINGLE_SELECT"
	// BlockTypeMultiSelect lets the user pick several options.
	BlockTypeMultiSelect BlockType = "MULTI_SELECT"
	// BlockTypeLLMConversation is an open-ended chat with an LLM.
	BlockTypeLLMConversation BlockType = "LLM_CONVERSATION"
	// BlockTypeLLMResponse is a one-shot LLM generation from user data.
	BlockTypeLLMResponse BlockType = "LLM_RESPONSE"
	// BlockTypeExercise is an interactive exercise (breathing, grounding, ...).
	BlockTypeExercise BlockType = "EXERCISE"
	// BlockTypeVisualization renders charts over user data.
	BlockTypeVisualization BlockType = "VISUALIZATION"
	// BlockTypeCalculation derives values from user data.
	BlockTypeCalculation BlockType = "CALCULATION"
	// BlockTypeSessionComplete marks the end of a session.
	BlockTypeSessionComplete BlockType = "SESSION_COMPLETE"
	// BlockTypePaywall asks the user to subscribe before continuing.
	BlockTypePaywall BlockType = "PAYWALL"
)

var allBlockTypes = []BlockType{
	BlockTypeStatic,
	BlockTypeInput,
	BlockTypeSlider,
	BlockTypeSingleSelect,
	BlockTypeMultiSelect,
	BlockTypeLLMConversation,
	BlockTypeLLMResponse,
	BlockTypeExercise,
	BlockTypeVisualization,
	BlockTypeCalculation,
	BlockTypeSessionComplete,
	BlockTypePaywall,
}

// AllBlockTypes returns every block type in declaration order.
func AllBlockTypes() []BlockType {
	out := make([]BlockType, len(allBlockTypes))
	copy(out, allBlockTypes)
	return out
}

// IsValidBlockType checks if the given block type is supported.
func IsValidBlockType(bt BlockType) bool {
	for _, t := range allBlockTypes {
		if t == bt {
			return true
		}
	}
	return false
}

// ParseBlockType converts a scenario type tag into a BlockType. Tags are case-insensitive.
func ParseBlockType(s string) (BlockType, error) {
	bt := BlockType(strings.ToUpper(strings.TrimSpace(s)))
	if !IsValidBlockType(bt) {
		return "", fmt.Errorf("unknown block type %q", s)
	}
	return bt, nil
}

// Block is one step in a session. ID and Type form the shared envelope; Config holds the
// kind-specific configuration decoded when the scenario is loaded, and Raw keeps the block
// exactly as authored so it can be handed back to clients for display.
type Block struct {
	ID     string          `json:"id"`
	Type   BlockType       `json:"type"`
	Raw    json.RawMessage `json:"-"`
	Config BlockConfig     `json:"-"`
}

// BlockConfig is the kind-specific part of a block. The set of implementations is closed.
type BlockConfig interface {
	blockConfig()
}

// SelectOption is one choice of a SINGLE_SELECT or MULTI_SELECT block.
type SelectOption struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// StaticConfig configures a STATIC block.
type StaticConfig struct {
	Messages json.RawMessage `json:"messages,omitempty"`
}

// InputConfig configures an INPUT block.
type InputConfig struct {
	Required  bool   `json:"required,omitempty"`
	MinLength *int   `json:"min_length,omitempty"`
	MaxLength *int   `json:"max_length,omitempty"`
	SaveTo    string `json:"save_to"`
}

// SliderConfig configures a SLIDER block.
type SliderConfig struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	SaveTo string  `json:"save_to"`
}

// SingleSelectConfig configures a SINGLE_SELECT block. ConditionalNext maps an option id to
// the block id that follows when that option is chosen.
type SingleSelectConfig struct {
	Options         []SelectOption    `json:"options"`
	SaveTo          string            `json:"save_to"`
	ConditionalNext map[string]string `json:"conditional_next,omitempty"`
}

// MultiSelectConfig configures a MULTI_SELECT block.
type MultiSelectConfig struct {
	Options       []SelectOption `json:"options"`
	SaveTo        string         `json:"save_to"`
	MinSelections *int           `json:"min_selections,omitempty"`
	MaxSelections *int           `json:"max_selections,omitempty"`
}

// LLMResponseConfig configures an LLM_RESPONSE block.
type LLMResponseConfig struct {
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	// IncludeUserContext appends a summary of the user's profile to the system prompt.
	IncludeUserContext bool `json:"include_user_context,omitempty"`
}

// LLMConversationConfig configures an LLM_CONVERSATION block.
type LLMConversationConfig struct {
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	// IncludeUserContext appends a summary of the user's profile to the system prompt.
	IncludeUserContext bool `json:"include_user_context,omitempty"`
}

// CalculationConfig configures a CALCULATION block. Formula names a registered formula;
// when empty the block is a passthrough.
type CalculationConfig struct {
	Formula     string   `json:"formula,omitempty"`
	InputFields []string `json:"input_fields,omitempty"`
	SaveTo      string   `json:"save_to,omitempty"`
}

// PaywallConfig configures a PAYWALL block. Pricing content is taken from the raw block.
type PaywallConfig struct{}

// PassthroughConfig is used by EXERCISE, VISUALIZATION and SESSION_COMPLETE blocks whose
// content is the raw block itself.
type PassthroughConfig struct{}

func (StaticConfig) blockConfig()          {}
func (InputConfig) blockConfig()           {}
func (SliderConfig) blockConfig()          {}
func (SingleSelectConfig) blockConfig()    {}
func (MultiSelectConfig) blockConfig()     {}
func (LLMResponseConfig) blockConfig()     {}
func (LLMConversationConfig) blockConfig() {}
func (CalculationConfig) blockConfig()     {}
func (PaywallConfig) blockConfig()         {}
func (PassthroughConfig) blockConfig()     {}

// HasOption reports whether id is one of the options.
func HasOption(options []SelectOption, id string) bool {
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}
