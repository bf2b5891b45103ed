package llm

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CoursePipe/internal/models"
	"github.com/BTreeMap/CoursePipe/internal/template"
)

// PromptBuilder assembles prompts from templates and user data.
type PromptBuilder struct{}

// BuildPrompt resolves the placeholders of a single template.
func (PromptBuilder) BuildPrompt(tmpl string, data models.UserData) string {
	if tmpl == "" {
		slog.Debug("PromptBuilder.BuildPrompt: empty template")
		return ""
	}
	return template.Resolve(tmpl, data)
}

// BuildSystemPrompt joins the course-wide system prompt and the block's own prompt,
// separated by a blank line, after resolving both.
func (b PromptBuilder) BuildSystemPrompt(global, block string, data models.UserData) string {
	var parts []string
	if global != "" {
		parts = append(parts, b.BuildPrompt(global, data))
	}
	if block != "" {
		parts = append(parts, b.BuildPrompt(block, data))
	}
	return strings.Join(parts, "\n\n")
}

var userContextFields = []struct {
	label string
	key   string
}{
	{"Name", "name"},
	{"Primary Issue", "primary_issue"},
	{"Anxiety Level", "gad7_score"},
}

// BuildUserContext summarises well-known user data fields for inclusion in a prompt.
func (PromptBuilder) BuildUserContext(data models.UserData) string {
	if data.IsAbsent() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("User Information:\n")
	for _, f := range userContextFields {
		v := data.Get(f.key)
		if v.Type == gjson.Null {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(f.label)
		sb.WriteString(": ")
		sb.WriteString(v.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
