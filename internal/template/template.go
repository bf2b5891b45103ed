// Package template resolves {{path}} placeholders in prompt text against a user data document.
package template

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Resolve replaces every {{path}} span in tmpl with the value found at path in data.
//
// A path is a dot separated list of object fields; any segment may carry one or more
// [index] suffixes to address array elements, e.g. {{user.scores[1]}}. Anything that
// cannot be found resolves to the empty string. When data is absent the template is
// returned unmodified.
func Resolve(tmpl string, data models.UserData) string {
	if tmpl == "" {
		return tmpl
	}
	if data.IsAbsent() {
		slog.Debug("template.Resolve: no user data, returning template as-is")
		return tmpl
	}
	root := data.Root()
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(span string) string {
		path := strings.TrimSpace(span[2 : len(span)-2])
		return render(lookup(root, path))
	})
}

// HasPlaceholders reports whether s contains at least one {{...}} span.
func HasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}

// lookup walks path from root. The returned result does not exist when any step misses.
func lookup(root gjson.Result, path string) gjson.Result {
	current := root
	for _, segment := range strings.Split(path, ".") {
		name, indexes, ok := splitSegment(segment)
		if !ok {
			slog.Debug("template.lookup: malformed path segment", "path", path, "segment", segment)
			return gjson.Result{}
		}
		if name != "" {
			if !current.IsObject() {
				return gjson.Result{}
			}
			current = current.Get(gjson.Escape(name))
		}
		for _, idx := range indexes {
			if !current.IsArray() {
				return gjson.Result{}
			}
			items := current.Array()
			if idx < 0 || idx >= len(items) {
				return gjson.Result{}
			}
			current = items[idx]
		}
		if !current.Exists() || current.Type == gjson.Null {
			return gjson.Result{}
		}
	}
	return current
}

// splitSegment separates "name[1][2]" into "name" and [1 2].
func splitSegment(segment string) (string, []int, bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, nil, segment != ""
	}
	name := segment[:open]
	rest := segment[open:]
	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		closeIdx := strings.IndexByte(rest, ']')
		if closeIdx < 0 {
			return "", nil, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[1:closeIdx]))
		if err != nil {
			return "", nil, false
		}
		indexes = append(indexes, n)
		rest = rest[closeIdx+1:]
	}
	return name, indexes, true
}

// render turns a JSON value into prompt text.
func render(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	case gjson.JSON:
		return gjson.Get(v.Raw, "@ugly").Raw
	default:
		return ""
	}
}
