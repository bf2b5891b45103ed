// Package scenario parses and validates course scenario documents and serves them to the engine.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// ErrInvalidScenario wraps every load-time validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
}

// Parse decodes a JSON scenario document of the shape
//
//	{"meta": {...}, "sessions": {"<id>": {"blocks": [...], "next_session": "<id>"|null}}}
//
// and validates it. Sessions keep the order in which they are declared.
func Parse(raw []byte) (*models.Scenario, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, models.ErrEmptyScenarioBody
	}
	if !gjson.ValidBytes(raw) {
		return nil, invalidf("document is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, invalidf("document must be a JSON object")
	}

	sessions := doc.Get("sessions")
	if !sessions.IsObject() {
		return nil, invalidf("sessions must be an object")
	}

	sc := &models.Scenario{Sessions: make(map[string]*models.Session)}
	if meta := doc.Get("meta"); meta.Exists() {
		sc.Meta = json.RawMessage(meta.Raw)
	}

	var parseErr error
	sessions.ForEach(func(key, value gjson.Result) bool {
		id := key.String()
		if _, dup := sc.Sessions[id]; dup {
			parseErr = invalidf("session %q declared twice", id)
			return false
		}
		s, err := parseSession(id, value)
		if err != nil {
			parseErr = err
			return false
		}
		sc.Sessions[id] = s
		sc.Order = append(sc.Order, id)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(sc.Order) == 0 {
		return nil, invalidf("scenario has no sessions")
	}

	if first := doc.Get("meta.sessions.0"); first.Exists() && first.Type == gjson.String {
		sc.First = first.Str
		if _, ok := sc.Sessions[sc.First]; !ok {
			return nil, invalidf("meta.sessions[0] references unknown session %q", sc.First)
		}
	}

	for _, id := range sc.Order {
		next := sc.Sessions[id].NextSession
		if next == nil {
			continue
		}
		if _, ok := sc.Sessions[*next]; !ok {
			return nil, invalidf("session %q: next_session %q does not exist", id, *next)
		}
	}
	return sc, nil
}

func parseSession(id string, v gjson.Result) (*models.Session, error) {
	if !v.IsObject() {
		return nil, invalidf("session %q must be an object", id)
	}
	s := &models.Session{ID: id}

	switch next := v.Get("next_session"); next.Type {
	case gjson.Null:
	case gjson.String:
		if next.Str != "" {
			n := next.Str
			s.NextSession = &n
		}
	default:
		return nil, invalidf("session %q: next_session must be a string or null", id)
	}

	blocks := v.Get("blocks")
	if !blocks.IsArray() {
		return nil, invalidf("session %q: blocks must be an array", id)
	}
	seen := make(map[string]bool)
	for i, b := range blocks.Array() {
		block, err := parseBlock(b)
		if err != nil {
			return nil, fmt.Errorf("session %q block %d: %w", id, i, err)
		}
		if seen[block.ID] {
			return nil, invalidf("session %q: duplicate block id %q", id, block.ID)
		}
		seen[block.ID] = true
		s.Blocks = append(s.Blocks, block)
	}

	for _, b := range s.Blocks {
		cfg, ok := b.Config.(models.SingleSelectConfig)
		if !ok {
			continue
		}
		for option, target := range cfg.ConditionalNext {
			if !seen[target] {
				return nil, invalidf("session %q block %q: conditional_next[%q] targets unknown block %q", id, b.ID, option, target)
			}
		}
	}
	return s, nil
}

func parseBlock(v gjson.Result) (models.Block, error) {
	if !v.IsObject() {
		return models.Block{}, invalidf("block must be an object")
	}
	id := v.Get("id")
	if id.Type != gjson.String || strings.TrimSpace(id.Str) == "" {
		return models.Block{}, invalidf("block id is required")
	}
	bt, err := models.ParseBlockType(v.Get("type").String())
	if err != nil {
		return models.Block{}, invalidf("block %q: %v", id.Str, err)
	}

	block := models.Block{ID: id.Str, Type: bt, Raw: json.RawMessage(v.Raw)}
	block.Config, err = decodeConfig(bt, []byte(v.Raw))
	if err != nil {
		return models.Block{}, invalidf("block %q: %v", id.Str, err)
	}
	return block, nil
}

// decodeConfig turns the kind-specific fields of a block into its typed configuration and
// checks the invariants a handler relies on.
func decodeConfig(bt models.BlockType, raw []byte) (models.BlockConfig, error) {
	switch bt {
	case models.BlockTypeStatic:
		var c models.StaticConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil

	case models.BlockTypeInput:
		var c models.InputConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.SaveTo == "" {
			return nil, errors.New("save_to is required")
		}
		if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
			return nil, fmt.Errorf("min_length %d exceeds max_length %d", *c.MinLength, *c.MaxLength)
		}
		return c, nil

	case models.BlockTypeSlider:
		var c models.SliderConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.SaveTo == "" {
			return nil, errors.New("save_to is required")
		}
		if c.Min > c.Max {
			return nil, fmt.Errorf("min %v exceeds max %v", c.Min, c.Max)
		}
		return c, nil

	case models.BlockTypeSingleSelect:
		var c models.SingleSelectConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.SaveTo == "" {
			return nil, errors.New("save_to is required")
		}
		if err := checkOptions(c.Options); err != nil {
			return nil, err
		}
		for option := range c.ConditionalNext {
			if !models.HasOption(c.Options, option) {
				return nil, fmt.Errorf("conditional_next references unknown option %q", option)
			}
		}
		return c, nil

	case models.BlockTypeMultiSelect:
		var c models.MultiSelectConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.SaveTo == "" {
			return nil, errors.New("save_to is required")
		}
		if err := checkOptions(c.Options); err != nil {
			return nil, err
		}
		if c.MinSelections != nil && c.MaxSelections != nil && *c.MinSelections > *c.MaxSelections {
			return nil, fmt.Errorf("min_selections %d exceeds max_selections %d", *c.MinSelections, *c.MaxSelections)
		}
		return c, nil

	case models.BlockTypeLLMResponse:
		var c models.LLMResponseConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil

	case models.BlockTypeLLMConversation:
		var c models.LLMConversationConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil

	case models.BlockTypeCalculation:
		var c models.CalculationConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.Formula != "" && c.SaveTo == "" {
			return nil, errors.New("save_to is required when formula is set")
		}
		return c, nil

	case models.BlockTypePaywall:
		return models.PaywallConfig{}, nil

	case models.BlockTypeExercise, models.BlockTypeVisualization, models.BlockTypeSessionComplete:
		return models.PassthroughConfig{}, nil
	}
	return nil, fmt.Errorf("no configuration decoder for %s", bt)
}

func checkOptions(options []models.SelectOption) error {
	if len(options) == 0 {
		return errors.New("options must not be empty")
	}
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		if o.ID == "" {
			return errors.New("every option needs an id")
		}
		if seen[o.ID] {
			return fmt.Errorf("duplicate option id %q", o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}
