package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CoursePipe/internal/llm"
	"github.com/BTreeMap/CoursePipe/internal/models"
)

func intPtr(i int) *int { return &i }

func newBlock(id string, kind models.BlockType, cfg models.BlockConfig) models.Block {
	raw, _ := json.Marshal(map[string]interface{}{"id": id, "type": kind})
	return models.Block{ID: id, Type: kind, Raw: raw, Config: cfg}
}

// mockGenerator records requests and replies with a canned response or error.
type mockGenerator struct {
	available bool
	reply     string
	err       error
	requests  []llm.Request
}

func (m *mockGenerator) IsAvailable() bool { return m.available }

func (m *mockGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Response{Content: m.reply, Model: "mock-model", TokensUsed: 7}, nil
}

type mockEntitlements struct {
	subscribed map[string]bool
	err        error
}

func (m *mockEntitlements) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.subscribed[userID], nil
}

func TestIsAbsentInput(t *testing.T) {
	for _, in := range []string{"", "  ", "null", " null "} {
		if !IsAbsentInput(json.RawMessage(in)) {
			t.Errorf("expected %q to be absent", in)
		}
	}
	if !IsAbsentInput(nil) {
		t.Error("expected nil to be absent")
	}
	if IsAbsentInput(json.RawMessage(`{}`)) {
		t.Error("expected {} to be present")
	}
}

func TestStaticHandler(t *testing.T) {
	b := newBlock("welcome", models.BlockTypeStatic, models.StaticConfig{Messages: json.RawMessage(`["Hi","There"]`)})
	data := models.MustUserData(`{"a":1}`)
	res := StaticHandler{}.Handle(context.Background(), b, data, nil)
	if !res.IsComplete || res.RequiresInput {
		t.Errorf("static block must complete immediately: %+v", res)
	}
	if string(res.Content) != `["Hi","There"]` {
		t.Errorf("expected messages as content, got %s", res.Content)
	}
	if !res.UpdatedUserData.Equal(data) {
		t.Error("static block must not change user data")
	}
}

func TestPassthroughHandlers(t *testing.T) {
	for _, kind := range []models.BlockType{models.BlockTypeExercise, models.BlockTypeVisualization, models.BlockTypeSessionComplete} {
		h := NewPassthroughHandler(kind)
		b := newBlock("x", kind, models.PassthroughConfig{})
		res := h.Handle(context.Background(), b, models.NewUserData(), nil)
		if h.Type() != kind || !res.IsComplete || res.RequiresInput || string(res.Content) != string(b.Raw) {
			t.Errorf("%s: unexpected result %+v", kind, res)
		}
	}
}

func TestInputHandler(t *testing.T) {
	b := newBlock("name", models.BlockTypeInput, models.InputConfig{Required: true, MinLength: intPtr(3), MaxLength: intPtr(10), SaveTo: "name"})
	data := models.NewUserData()
	h := InputHandler{}

	first := h.Handle(context.Background(), b, data, nil)
	if !first.RequiresInput || first.IsComplete || first.Error != "" {
		t.Errorf("first presentation must await input: %+v", first)
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing value", `{}`, MsgInputValueRequired},
		{"null value", `{"value":null}`, MsgInputValueRequired},
		{"blank", `{"value":"   "}`, MsgFieldRequired},
		{"too short", `{"value":"Al"}`, "Minimum length is 3 characters"},
		{"too long", `{"value":"Bartholomew the third"}`, "Maximum length is 10 characters"},
		{"multibyte counts runes", `{"value":"Zoë"}`, ""},
		{"valid", `{"value":"Alice"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.Handle(context.Background(), b, data, json.RawMessage(tt.input))
			if res.Error != tt.want {
				t.Fatalf("expected error %q, got %q", tt.want, res.Error)
			}
			if tt.want != "" {
				if res.IsComplete || !res.RequiresInput || !res.UpdatedUserData.Equal(data) {
					t.Errorf("validation failure must leave block waiting and data unchanged: %+v", res)
				}
				return
			}
			if !res.IsComplete || res.RequiresInput {
				t.Errorf("valid input must complete: %+v", res)
			}
		})
	}

	res := h.Handle(context.Background(), b, data, json.RawMessage(`{"value":"Alice"}`))
	if got := res.UpdatedUserData.Get("name").String(); got != "Alice" {
		t.Errorf("expected name=Alice, got %q", got)
	}
	if data.Has("name") {
		t.Error("original user data must not be modified")
	}
}

func TestSliderHandler(t *testing.T) {
	b := newBlock("mood", models.BlockTypeSlider, models.SliderConfig{Min: 0, Max: 10, SaveTo: "mood"})
	data := models.MustUserData(`{"name":"Ann"}`)
	h := SliderHandler{}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing", `{}`, MsgSliderValueRequired},
		{"not a number", `{"value":"high"}`, MsgSliderNotNumber},
		{"above max", `{"value":11}`, "Value must be between 0 and 10"},
		{"below min", `{"value":-1}`, "Value must be between 0 and 10"},
		{"NaN string", `{"value":"NaN"}`, MsgSliderNotNumber},
		{"Inf string", `{"value":"Inf"}`, MsgSliderNotNumber},
		{"negative infinity", `{"value":"-Infinity"}`, MsgSliderNotNumber},
		{"numeric string", `{"value":"4"}`, ""},
		{"upper bound", `{"value":10}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.Handle(context.Background(), b, data, json.RawMessage(tt.input))
			if res.Error != tt.want {
				t.Fatalf("expected error %q, got %q", tt.want, res.Error)
			}
			if tt.want != "" && (!res.RequiresInput || res.IsComplete || !res.UpdatedUserData.Equal(data)) {
				t.Errorf("invalid slider input must not complete: %+v", res)
			}
		})
	}

	res := h.Handle(context.Background(), b, data, json.RawMessage(`{"value":7}`))
	if v := res.UpdatedUserData.Get("mood"); v.Type != gjson.Number || v.Int() != 7 {
		t.Errorf("expected mood=7 as number, got %s", v.Raw)
	}
	if res.UpdatedUserData.Get("name").String() != "Ann" {
		t.Error("existing keys must be kept")
	}
}

func TestSingleSelectHandler(t *testing.T) {
	cfg := models.SingleSelectConfig{
		Options:         []models.SelectOption{{ID: "A"}, {ID: "B"}},
		SaveTo:          "choice",
		ConditionalNext: map[string]string{"B": "deep_dive"},
	}
	b := newBlock("pick", models.BlockTypeSingleSelect, cfg)
	h := SingleSelectHandler{}

	if res := h.Handle(context.Background(), b, models.NewUserData(), json.RawMessage(`{}`)); res.Error != MsgSelectOption {
		t.Errorf("expected %q, got %q", MsgSelectOption, res.Error)
	}
	if res := h.Handle(context.Background(), b, models.NewUserData(), json.RawMessage(`{"selectedOption":"Z"}`)); res.Error != MsgInvalidOption {
		t.Errorf("expected %q, got %q", MsgInvalidOption, res.Error)
	}

	res := h.Handle(context.Background(), b, models.NewUserData(), json.RawMessage(`{"selectedOption":"A"}`))
	if !res.IsComplete || res.NextBlockID != "" {
		t.Errorf("option without branch must complete without override: %+v", res)
	}

	res = h.Handle(context.Background(), b, models.NewUserData(), json.RawMessage(`{"selectedOption":"B"}`))
	if res.NextBlockID != "deep_dive" {
		t.Errorf("expected branch to deep_dive, got %q", res.NextBlockID)
	}
	if res.UpdatedUserData.Get("choice").String() != "B" {
		t.Errorf("expected choice=B, got %s", res.UpdatedUserData)
	}
}

func TestMultiSelectHandler(t *testing.T) {
	cfg := models.MultiSelectConfig{
		Options:       []models.SelectOption{{ID: "crowds"}, {ID: "exams"}, {ID: "dark"}},
		SaveTo:        "triggers",
		MinSelections: intPtr(2),
		MaxSelections: intPtr(2),
	}
	b := newBlock("triggers", models.BlockTypeMultiSelect, cfg)
	h := MultiSelectHandler{}

	tests := []struct {
		input string
		want  string
	}{
		{`{}`, MsgSelectAtLeastOne},
		{`{"selectedOptions":[]}`, MsgSelectAtLeastOne},
		{`{"selectedOptions":"crowds"}`, MsgSelectAtLeastOne},
		{`{"selectedOptions":["crowds","spiders"]}`, "Invalid option selected: spiders"},
		{`{"selectedOptions":["crowds"]}`, "Please select at least 2 options"},
		{`{"selectedOptions":["crowds","exams","dark"]}`, "Please select at most 2 options"},
	}
	for _, tt := range tests {
		if res := h.Handle(context.Background(), b, models.NewUserData(), json.RawMessage(tt.input)); res.Error != tt.want {
			t.Errorf("input %s: expected %q, got %q", tt.input, tt.want, res.Error)
		}
	}

	res := h.Handle(context.Background(), b, models.NewUserData(), json.RawMessage(`{"selectedOptions":["exams","crowds"]}`))
	if !res.IsComplete {
		t.Fatalf("expected completion, got %+v", res)
	}
	if got := res.UpdatedUserData.Get("triggers").Raw; got != `["exams","crowds"]` {
		t.Errorf("expected selections in submitted order, got %s", got)
	}
}

func TestLLMResponseHandler(t *testing.T) {
	gen := &mockGenerator{available: true, reply: "You are doing great, Ann."}
	cfg := models.LLMResponseConfig{SystemPrompt: "Be warm.", Prompt: "Encourage {{name}} about {{triggers[0]}}", MaxTokens: intPtr(200)}
	b := newBlock("encourage", models.BlockTypeLLMResponse, cfg)
	data := models.MustUserData(`{"name":"Ann","triggers":["crowds"]}`)

	ctx := WithCourseSystemPrompt(context.Background(), "You are a CBT coach.")
	res := NewLLMResponseHandler(gen).Handle(ctx, b, data, nil)
	if !res.IsComplete || res.RequiresInput || res.Error != "" {
		t.Fatalf("expected completed result, got %+v", res)
	}
	var content map[string]string
	if err := json.Unmarshal(res.Content, &content); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if content["type"] != "llm_response" || content["response"] != gen.reply || content["model"] != "mock-model" {
		t.Errorf("unexpected content %v", content)
	}

	req := gen.requests[0]
	if req.Messages[0].Content != "Encourage Ann about crowds" {
		t.Errorf("prompt must be resolved, got %q", req.Messages[0].Content)
	}
	if req.GlobalSystemPrompt != "You are a CBT coach." || req.SystemPrompt != "Be warm." || req.MaxTokens != 200 {
		t.Errorf("unexpected request %+v", req)
	}
	if !res.UpdatedUserData.Equal(data) {
		t.Error("LLM_RESPONSE must not change user data")
	}
}

func TestLLMResponseHandler_Failures(t *testing.T) {
	b := newBlock("encourage", models.BlockTypeLLMResponse, models.LLMResponseConfig{Prompt: "hi"})
	data := models.NewUserData()

	res := NewLLMResponseHandler(&mockGenerator{available: false}).Handle(context.Background(), b, data, nil)
	if res.Error != MsgLLMNotConfigured || res.IsComplete {
		t.Errorf("unavailable gateway: unexpected result %+v", res)
	}
	res = NewLLMResponseHandler(nil).Handle(context.Background(), b, data, nil)
	if res.Error != MsgLLMNotConfigured {
		t.Errorf("nil gateway: unexpected result %+v", res)
	}

	gen := &mockGenerator{available: true, err: errors.New("upstream exploded")}
	res = NewLLMResponseHandler(gen).Handle(context.Background(), b, data, nil)
	if res.IsComplete || !strings.Contains(res.Error, "upstream exploded") {
		t.Errorf("gateway error must be reported in band: %+v", res)
	}

	bad := newBlock("encourage", models.BlockTypeLLMResponse, models.LLMResponseConfig{Provider: "mystery"})
	gen = &mockGenerator{available: true}
	res = NewLLMResponseHandler(gen).Handle(context.Background(), bad, data, nil)
	if res.Error == "" || len(gen.requests) != 0 {
		t.Errorf("unknown provider must fail without a call: %+v", res)
	}
}

func TestLLMConversationHandler(t *testing.T) {
	gen := &mockGenerator{available: true, reply: "Tell me more."}
	b := newBlock("chat", models.BlockTypeLLMConversation, models.LLMConversationConfig{SystemPrompt: "Coach {{name}}"})
	h := NewLLMConversationHandler(gen)
	data := models.MustUserData(`{"name":"Ann"}`)

	first := h.Handle(context.Background(), b, data, nil)
	if !first.RequiresInput || first.IsComplete || len(gen.requests) != 0 {
		t.Fatalf("first presentation must await input without calling the LLM: %+v", first)
	}

	if res := h.Handle(context.Background(), b, data, json.RawMessage(`{}`)); res.Error != MsgMessageRequired {
		t.Errorf("expected %q, got %q", MsgMessageRequired, res.Error)
	}

	res := h.Handle(context.Background(), b, data, json.RawMessage(`{"message":"I feel anxious"}`))
	if !res.RequiresInput || res.IsComplete || res.Error != "" {
		t.Fatalf("conversation must keep waiting: %+v", res)
	}
	history := LoadHistory(res.UpdatedUserData, ConversationKey("chat"))
	if len(history) != 2 || history[0] != llm.UserMessage("I feel anxious") || history[1] != llm.AssistantMessage("Tell me more.") {
		t.Fatalf("unexpected history %+v", history)
	}

	gen.reply = "What triggers it?"
	res = h.Handle(context.Background(), b, res.UpdatedUserData, json.RawMessage(`{"message":"Crowds"}`))
	if got := len(gen.requests[1].Messages); got != 3 {
		t.Errorf("second turn must send full history, got %d messages", got)
	}
	history = LoadHistory(res.UpdatedUserData, ConversationKey("chat"))
	if len(history) != 4 {
		t.Errorf("history must grow monotonically, got %d", len(history))
	}
	var content struct {
		Type    string        `json:"type"`
		Message string        `json:"message"`
		History []llm.Message `json:"history"`
	}
	if err := json.Unmarshal(res.Content, &content); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if content.Type != "llm_conversation" || content.Message != "What triggers it?" || len(content.History) != 4 {
		t.Errorf("unexpected content %+v", content)
	}
	if res.UpdatedUserData.Get("name").String() != "Ann" {
		t.Error("existing keys must be kept")
	}
}

func TestLLMConversationHandler_Failures(t *testing.T) {
	b := newBlock("chat", models.BlockTypeLLMConversation, models.LLMConversationConfig{})
	data := models.MustUserData(`{"conversation_chat":[{"role":"user","content":"hi"}]}`)

	res := NewLLMConversationHandler(&mockGenerator{}).Handle(context.Background(), b, data, nil)
	if res.Error != MsgLLMNotConfigured || !res.RequiresInput {
		t.Errorf("unavailable gateway: unexpected result %+v", res)
	}

	gen := &mockGenerator{available: true, err: &llm.ProviderError{Provider: llm.ProviderClaude, Attempts: 3, Err: llm.ErrRateLimited}}
	res = NewLLMConversationHandler(gen).Handle(context.Background(), b, data, json.RawMessage(`{"message":"again"}`))
	if !strings.HasPrefix(res.Error, "Failed to process conversation: ") {
		t.Errorf("unexpected error %q", res.Error)
	}
	if !res.UpdatedUserData.Equal(data) {
		t.Error("failed turn must leave history unchanged")
	}
}

func TestPaywallHandler(t *testing.T) {
	b := newBlock("pay", models.BlockTypePaywall, models.PaywallConfig{})
	ent := &mockEntitlements{subscribed: map[string]bool{"paid": true}}
	h := NewPaywallHandler(ent)

	res := h.Handle(WithUserID(context.Background(), "paid"), b, models.NewUserData(), nil)
	if !res.IsComplete || res.RequiresInput || res.Content != nil {
		t.Errorf("entitled user must pass with no content: %+v", res)
	}

	res = h.Handle(WithUserID(context.Background(), "free"), b, models.NewUserData(), nil)
	if res.IsComplete || !res.RequiresInput || string(res.Content) != string(b.Raw) {
		t.Errorf("non-entitled user must see the paywall: %+v", res)
	}

	res = h.Handle(context.Background(), b, models.NewUserData(), nil)
	if res.IsComplete {
		t.Error("missing user id must be treated as not entitled")
	}

	ent.err = errors.New("db down")
	res = h.Handle(WithUserID(context.Background(), "paid"), b, models.NewUserData(), nil)
	if res.IsComplete {
		t.Error("entitlement failure must be treated as not entitled")
	}

	res = NewPaywallHandler(nil).Handle(WithUserID(context.Background(), "paid"), b, models.NewUserData(), nil)
	if res.IsComplete {
		t.Error("nil entitlements must be treated as not entitled")
	}
}

func TestCalculationHandler(t *testing.T) {
	h := NewCalculationHandler(DefaultFormulas())
	data := models.MustUserData(`{"a":2,"b":4,"c":"text"}`)

	pass := newBlock("calc", models.BlockTypeCalculation, models.CalculationConfig{})
	res := h.Handle(context.Background(), pass, data, nil)
	if !res.IsComplete || !res.UpdatedUserData.Equal(data) {
		t.Errorf("block without formula must pass through: %+v", res)
	}

	tests := []struct {
		formula string
		want    float64
	}{
		{"sum", 6},
		{"mean", 3},
		{"min", 2},
		{"max", 4},
	}
	for _, tt := range tests {
		b := newBlock("calc", models.BlockTypeCalculation, models.CalculationConfig{Formula: tt.formula, InputFields: []string{"a", "b", "c", "missing"}, SaveTo: "out"})
		res := h.Handle(context.Background(), b, data, nil)
		if got := res.UpdatedUserData.Get("out").Float(); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.formula, tt.want, got)
		}
	}

	unknown := newBlock("calc", models.BlockTypeCalculation, models.CalculationConfig{Formula: "median", SaveTo: "out"})
	res = h.Handle(context.Background(), unknown, data, nil)
	if !res.IsComplete || res.Metadata["warning"] == nil || res.UpdatedUserData.Has("out") {
		t.Errorf("unknown formula must pass through with a warning: %+v", res)
	}

	empty := newBlock("calc", models.BlockTypeCalculation, models.CalculationConfig{Formula: "sum", InputFields: []string{"c"}, SaveTo: "out"})
	res = h.Handle(context.Background(), empty, data, nil)
	if !res.IsComplete || res.UpdatedUserData.Has("out") {
		t.Errorf("formula without numeric inputs must pass through: %+v", res)
	}

	huge := models.MustUserData(`{"x":1e308,"y":1e308}`)
	overflow := newBlock("calc", models.BlockTypeCalculation, models.CalculationConfig{Formula: "sum", InputFields: []string{"x", "y"}, SaveTo: "out"})
	res = h.Handle(context.Background(), overflow, huge, nil)
	if !res.IsComplete || res.UpdatedUserData.Has("out") || res.Metadata["warning"] == nil {
		t.Errorf("overflowing sum must pass through with a warning: %+v", res)
	}
	if !gjson.ValidBytes(res.UpdatedUserData.Bytes()) {
		t.Errorf("user data must stay valid JSON, got %s", res.UpdatedUserData.Bytes())
	}

	mean := newBlock("calc", models.BlockTypeCalculation, models.CalculationConfig{Formula: "mean", InputFields: []string{"x", "y"}, SaveTo: "out"})
	res = h.Handle(context.Background(), mean, huge, nil)
	if got := res.UpdatedUserData.Get("out").Float(); got != 1e308 {
		t.Errorf("expected mean 1e308, got %v", got)
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewDefaultRegistry(nil, nil, WithFormula("double", FormulaFunc(func(in []gjson.Result) (interface{}, error) {
		return in[0].Num * 2, nil
	})))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, kind := range models.AllBlockTypes() {
		h, err := r.Lookup(kind)
		if err != nil {
			t.Errorf("missing handler for %s: %v", kind, err)
			continue
		}
		if h.Type() != kind {
			t.Errorf("handler for %s reports type %s", kind, h.Type())
		}
	}
	calc, _ := r.Lookup(models.BlockTypeCalculation)
	names := calc.(*CalculationHandler).Formulas()
	if strings.Join(names, ",") != "double,max,mean,min,sum" {
		t.Errorf("unexpected formulas %v", names)
	}

	if _, err := NewRegistry(StaticHandler{}, StaticHandler{}); err == nil {
		t.Error("expected duplicate handler error")
	}
	if _, err := NewRegistry(NewPassthroughHandler("BOGUS")); err == nil {
		t.Error("expected unknown kind error")
	}
	partial, _ := NewRegistry(StaticHandler{})
	if _, err := partial.Lookup(models.BlockTypeInput); err == nil {
		t.Error("expected lookup error for unregistered kind")
	}
}

func TestContextHelpers(t *testing.T) {
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Error("expected no user id")
	}
	if id, ok := UserIDFromContext(WithUserID(context.Background(), "u1")); !ok || id != "u1" {
		t.Errorf("unexpected user id %q", id)
	}
	if CourseSystemPromptFromContext(context.Background()) != "" {
		t.Error("expected empty course prompt")
	}
}
