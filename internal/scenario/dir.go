package scenario

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Document is a validated scenario ready to be stored, always in JSON form.
type Document struct {
	CourseID uuid.UUID
	Path     string
	JSON     []byte
}

// LoadDir reads every *.json, *.yaml and *.yml file in dir. The course id is taken from
// meta.course_id when present, otherwise from the file name without its extension.
func LoadDir(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}

	var docs []Document
	seen := make(map[uuid.UUID]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		doc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[doc.CourseID]; dup {
			return nil, fmt.Errorf("course %s defined by both %s and %s", doc.CourseID, prev, path)
		}
		seen[doc.CourseID] = path
		docs = append(docs, doc)
	}
	slog.Debug("scenario.LoadDir: loaded scenarios", "dir", dir, "count", len(docs))
	return docs, nil
}

// LoadFile reads and validates one scenario file.
func LoadFile(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		raw, err = YAMLToJSON(raw)
		if err != nil {
			return Document{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if _, err := Parse(raw); err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}

	idText := gjson.GetBytes(raw, "meta.course_id").String()
	if idText == "" {
		idText = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	courseID, err := uuid.Parse(idText)
	if err != nil {
		return Document{}, fmt.Errorf("%s: course id %q is not a UUID", path, idText)
	}
	return Document{CourseID: courseID, Path: path, JSON: raw}, nil
}
