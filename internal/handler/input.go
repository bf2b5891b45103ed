package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Validation messages shown to the user
const (
	MsgInputValueRequired  = "Input value is required"
	MsgFieldRequired       = "This field is required"
	MsgSliderValueRequired = "Slider value is required"
	MsgSliderNotNumber     = "Slider value must be a number"
	MsgSelectOption        = "Please select an option"
	MsgInvalidOption       = "Invalid option selected"
	MsgSelectAtLeastOne    = "Please select at least one option"
	MsgMessageRequired     = "Message is required"
)

// inputValue reads a field of a submitted input object.
func inputValue(input json.RawMessage, field string) gjson.Result {
	return gjson.GetBytes(input, field)
}

// InputHandler collects free text into user data.
type InputHandler struct{}

// Type implements Handler.
func (InputHandler) Type() models.BlockType { return models.BlockTypeInput }

// Handle implements Handler.
func (h InputHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("InputHandler.Handle: processing block", "blockID", block.ID)
	if IsAbsentInput(input) {
		return awaiting(block, data)
	}
	if msg := h.ValidateInput(block, input); msg != "" {
		return rejected(block, data, msg)
	}

	cfg, _ := block.Config.(models.InputConfig)
	value := inputValue(input, "value").String()
	updated, err := data.With(cfg.SaveTo, value)
	if err != nil {
		slog.Error("InputHandler.Handle: failed to save input", "blockID", block.ID, "saveTo", cfg.SaveTo, "error", err)
		return rejected(block, data, err.Error())
	}
	slog.Debug("InputHandler.Handle: saved input", "blockID", block.ID, "saveTo", cfg.SaveTo)
	return completed(block, updated)
}

// ValidateInput implements Validator.
func (InputHandler) ValidateInput(block models.Block, input json.RawMessage) string {
	v := inputValue(input, "value")
	if !v.Exists() || v.Type == gjson.Null {
		return MsgInputValueRequired
	}
	cfg, _ := block.Config.(models.InputConfig)
	value := v.String()
	if cfg.Required && strings.TrimSpace(value) == "" {
		return MsgFieldRequired
	}
	n := utf8.RuneCountInString(value)
	if cfg.MinLength != nil && n < *cfg.MinLength {
		return fmt.Sprintf("Minimum length is %d characters", *cfg.MinLength)
	}
	if cfg.MaxLength != nil && n > *cfg.MaxLength {
		return fmt.Sprintf("Maximum length is %d characters", *cfg.MaxLength)
	}
	return ""
}

// SliderHandler collects a number within [min, max].
type SliderHandler struct{}

// Type implements Handler.
func (SliderHandler) Type() models.BlockType { return models.BlockTypeSlider }

// Handle implements Handler.
func (h SliderHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("SliderHandler.Handle: processing block", "blockID", block.ID)
	if IsAbsentInput(input) {
		return awaiting(block, data)
	}
	if msg := h.ValidateInput(block, input); msg != "" {
		return rejected(block, data, msg)
	}

	cfg, _ := block.Config.(models.SliderConfig)
	value, _ := sliderValue(inputValue(input, "value"))
	updated, err := data.With(cfg.SaveTo, value)
	if err != nil {
		slog.Error("SliderHandler.Handle: failed to save value", "blockID", block.ID, "saveTo", cfg.SaveTo, "error", err)
		return rejected(block, data, err.Error())
	}
	slog.Debug("SliderHandler.Handle: saved value", "blockID", block.ID, "saveTo", cfg.SaveTo, "value", value)
	return completed(block, updated)
}

// ValidateInput implements Validator.
func (SliderHandler) ValidateInput(block models.Block, input json.RawMessage) string {
	v := inputValue(input, "value")
	if !v.Exists() || v.Type == gjson.Null {
		return MsgSliderValueRequired
	}
	value, ok := sliderValue(v)
	if !ok {
		return MsgSliderNotNumber
	}
	cfg, _ := block.Config.(models.SliderConfig)
	if value < cfg.Min || value > cfg.Max {
		return fmt.Sprintf("Value must be between %s and %s", formatNumber(cfg.Min), formatNumber(cfg.Max))
	}
	return ""
}

// sliderValue accepts a JSON number or a numeric string. NaN and infinities are rejected.
func sliderValue(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Num
	case gjson.String:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SingleSelectHandler records one chosen option and applies conditional_next branching.
type SingleSelectHandler struct{}

// Type implements Handler.
func (SingleSelectHandler) Type() models.BlockType { return models.BlockTypeSingleSelect }

// Handle implements Handler.
func (h SingleSelectHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("SingleSelectHandler.Handle: processing block", "blockID", block.ID)
	if IsAbsentInput(input) {
		return awaiting(block, data)
	}
	if msg := h.ValidateInput(block, input); msg != "" {
		return rejected(block, data, msg)
	}

	cfg, _ := block.Config.(models.SingleSelectConfig)
	selected := inputValue(input, "selectedOption").String()
	updated, err := data.With(cfg.SaveTo, selected)
	if err != nil {
		slog.Error("SingleSelectHandler.Handle: failed to save selection", "blockID", block.ID, "saveTo", cfg.SaveTo, "error", err)
		return rejected(block, data, err.Error())
	}

	res := completed(block, updated)
	if next, ok := cfg.ConditionalNext[selected]; ok {
		res.NextBlockID = next
		slog.Debug("SingleSelectHandler.Handle: branching", "blockID", block.ID, "selected", selected, "next", next)
	}
	return res
}

// ValidateInput implements Validator.
func (SingleSelectHandler) ValidateInput(block models.Block, input json.RawMessage) string {
	v := inputValue(input, "selectedOption")
	if !v.Exists() || v.Type == gjson.Null {
		return MsgSelectOption
	}
	cfg, _ := block.Config.(models.SingleSelectConfig)
	if !models.HasOption(cfg.Options, v.String()) {
		return MsgInvalidOption
	}
	return ""
}

// MultiSelectHandler records several chosen options as an array.
type MultiSelectHandler struct{}

// Type implements Handler.
func (MultiSelectHandler) Type() models.BlockType { return models.BlockTypeMultiSelect }

// Handle implements Handler.
func (h MultiSelectHandler) Handle(ctx context.Context, block models.Block, data models.UserData, input json.RawMessage) models.BlockResult {
	slog.Debug("MultiSelectHandler.Handle: processing block", "blockID", block.ID)
	if IsAbsentInput(input) {
		return awaiting(block, data)
	}
	if msg := h.ValidateInput(block, input); msg != "" {
		return rejected(block, data, msg)
	}

	cfg, _ := block.Config.(models.MultiSelectConfig)
	var selected []string
	for _, v := range inputValue(input, "selectedOptions").Array() {
		selected = append(selected, v.String())
	}
	updated, err := data.With(cfg.SaveTo, selected)
	if err != nil {
		slog.Error("MultiSelectHandler.Handle: failed to save selections", "blockID", block.ID, "saveTo", cfg.SaveTo, "error", err)
		return rejected(block, data, err.Error())
	}
	slog.Debug("MultiSelectHandler.Handle: saved selections", "blockID", block.ID, "saveTo", cfg.SaveTo, "count", len(selected))
	return completed(block, updated)
}

// ValidateInput implements Validator.
func (MultiSelectHandler) ValidateInput(block models.Block, input json.RawMessage) string {
	v := inputValue(input, "selectedOptions")
	if !v.IsArray() || len(v.Array()) == 0 {
		return MsgSelectAtLeastOne
	}
	cfg, _ := block.Config.(models.MultiSelectConfig)
	selected := v.Array()
	for _, s := range selected {
		if !models.HasOption(cfg.Options, s.String()) {
			return MsgInvalidOption + ": " + s.String()
		}
	}
	if cfg.MinSelections != nil && len(selected) < *cfg.MinSelections {
		return fmt.Sprintf("Please select at least %d options", *cfg.MinSelections)
	}
	if cfg.MaxSelections != nil && len(selected) > *cfg.MaxSelections {
		return fmt.Sprintf("Please select at most %d options", *cfg.MaxSelections)
	}
	return ""
}
