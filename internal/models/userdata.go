package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrUserDataNotObject is returned when a user data document is not a JSON object.
var ErrUserDataNotObject = errors.New("user data must be a JSON object")

// ErrInvalidValue is returned by With when the value has no JSON encoding.
var ErrInvalidValue = errors.New("value is not representable as JSON")

// UserData is the key/value document accumulated for a user across a course.
//
// It is an immutable JSON object that keeps keys in insertion order. Writers get a new
// document back from With/WithRaw; the receiver is never modified. The zero value means
// "no document" and is distinct from an empty object.
type UserData struct {
	raw []byte
}

// NewUserData returns an empty document.
func NewUserData() UserData {
	return UserData{raw: []byte("{}")}
}

// ParseUserData wraps raw JSON. Empty input or JSON null yields the absent document.
func ParseUserData(raw []byte) (UserData, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return UserData{}, nil
	}
	if !gjson.ValidBytes(trimmed) || !gjson.ParseBytes(trimmed).IsObject() {
		return UserData{}, ErrUserDataNotObject
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return UserData{}, fmt.Errorf("failed to compact user data: %w", err)
	}
	return UserData{raw: buf.Bytes()}, nil
}

// MustUserData parses raw JSON and panics on error. Intended for tests and literals.
func MustUserData(raw string) UserData {
	d, err := ParseUserData([]byte(raw))
	if err != nil {
		panic(err)
	}
	return d
}

// IsAbsent reports whether there is no document at all.
func (d UserData) IsAbsent() bool {
	return d.raw == nil
}

// Root returns the whole document for path walking.
func (d UserData) Root() gjson.Result {
	if d.raw == nil {
		return gjson.Result{}
	}
	return gjson.ParseBytes(d.raw)
}

// Get returns the top-level value stored under key. The key is taken literally.
func (d UserData) Get(key string) gjson.Result {
	if d.raw == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(d.raw, gjson.Escape(key))
}

// Has reports whether key is present at the top level.
func (d UserData) Has(key string) bool {
	return d.Get(key).Exists()
}

// With returns a copy of the document with key set to value. Value is encoded as JSON.
func (d UserData) With(key string, value interface{}) (UserData, error) {
	out, err := sjson.SetBytes(d.base(), gjson.Escape(key), value)
	if err != nil {
		return d, fmt.Errorf("failed to set user data key %q: %w", key, err)
	}
	// sjson writes NaN and Inf as bare tokens.
	if !gjson.ValidBytes(out) {
		return d, fmt.Errorf("user data key %q: %w", key, ErrInvalidValue)
	}
	return UserData{raw: out}, nil
}

// WithRaw returns a copy of the document with key set to an already encoded JSON value.
func (d UserData) WithRaw(key string, raw []byte) (UserData, error) {
	if !gjson.ValidBytes(raw) {
		return d, fmt.Errorf("invalid JSON value for user data key %q", key)
	}
	out, err := sjson.SetRawBytes(d.base(), gjson.Escape(key), raw)
	if err != nil {
		return d, fmt.Errorf("failed to set user data key %q: %w", key, err)
	}
	return UserData{raw: out}, nil
}

// Merge returns a copy with every top-level key of other written over the receiver.
func (d UserData) Merge(other UserData) (UserData, error) {
	out := d
	if out.raw == nil {
		out = NewUserData()
	}
	var err error
	other.Root().ForEach(func(k, v gjson.Result) bool {
		out, err = out.WithRaw(k.String(), []byte(v.Raw))
		return err == nil
	})
	return out, err
}

// Bytes returns a copy of the encoded document, or nil when absent.
func (d UserData) Bytes() []byte {
	if d.raw == nil {
		return nil
	}
	out := make([]byte, len(d.raw))
	copy(out, d.raw)
	return out
}

// Equal reports whether two documents are byte-identical.
func (d UserData) Equal(other UserData) bool {
	if d.raw == nil || other.raw == nil {
		return d.raw == nil && other.raw == nil
	}
	return bytes.Equal(d.raw, other.raw)
}

// String returns the encoded document.
func (d UserData) String() string {
	if d.raw == nil {
		return "null"
	}
	return string(d.raw)
}

// MarshalJSON implements json.Marshaler.
func (d UserData) MarshalJSON() ([]byte, error) {
	if d.raw == nil {
		return []byte("null"), nil
	}
	return d.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *UserData) UnmarshalJSON(raw []byte) error {
	parsed, err := ParseUserData(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// base returns a private copy to write into, starting from an empty object when absent.
func (d UserData) base() []byte {
	if d.raw == nil {
		return []byte("{}")
	}
	return d.Bytes()
}
