// Package metadata defines the closed set of metadata value kinds carried by
// embedding vectors and validates metadata maps against a declared schema.
package metadata

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bull/shardsearch/internal/apperr"
)

// Kind is a metadata value kind.
type Kind int

const (
	String Kind = iota
	Number
	Bool
	StringList
	NumberList
	Time
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "bool"
	case StringList:
		return "string_list"
	case NumberList:
		return "number_list"
	case Time:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reserved keys with meaning to the index and query engine.
const (
	KeyEntityType = "entity_type"
	KeySourceID   = "source_id"
	KeyModified   = "modified"
	KeySnippet    = "snippet"
	KeyParentID   = "parent_id"
	KeyRunID      = "run_id"
)

// Field declares one metadata key.
type Field struct {
	Kind     Kind
	Required bool
}

// Schema is the closed set of keys a metadata map may carry.
type Schema map[string]Field

// DefaultSchema returns the schema used for indexed chunks.
func DefaultSchema() Schema {
	return Schema{
		KeyEntityType:  {Kind: String, Required: true},
		KeySourceID:    {Kind: String, Required: true},
		KeyModified:    {Kind: Time},
		KeySnippet:     {Kind: String},
		"title":        {Kind: String},
		"url":          {Kind: String},
		"labels":       {Kind: StringList},
		"header_path":  {Kind: String},
		"chunk_index":  {Kind: Number},
		KeyParentID:    {Kind: String},
		KeyRunID:       {Kind: String},
		"source_score": {Kind: Number},
	}
}

// Validate checks meta against the schema and returns a normalized copy:
// numbers become float64, lists become []string or []float64, and times
// become RFC 3339 strings in UTC. The normalized form survives a JSON round
// trip unchanged.
func (s Schema) Validate(meta map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(meta))

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		field, ok := s[k]
		if !ok {
			return nil, fmt.Errorf("%w: metadata key %q is not declared", apperr.ErrValidation, k)
		}
		v, err := normalize(field.Kind, meta[k])
		if err != nil {
			return nil, fmt.Errorf("%w: metadata key %q: %v", apperr.ErrValidation, k, err)
		}
		out[k] = v
	}
	for k, field := range s {
		if _, ok := out[k]; field.Required && !ok {
			return nil, fmt.Errorf("%w: metadata key %q is required", apperr.ErrValidation, k)
		}
	}
	return out, nil
}

func normalize(kind Kind, v any) (any, error) {
	switch kind {
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return s, nil

	case Number:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("want finite number, got %T", v)
		}
		return f, nil

	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		return b, nil

	case StringList:
		switch list := v.(type) {
		case []string:
			return append([]string(nil), list...), nil
		case []any:
			out := make([]string, len(list))
			for i, e := range list {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("element %d: want string, got %T", i, e)
				}
				out[i] = s
			}
			return out, nil
		}
		return nil, fmt.Errorf("want string list, got %T", v)

	case NumberList:
		switch list := v.(type) {
		case []float64:
			return append([]float64(nil), list...), nil
		case []any:
			out := make([]float64, len(list))
			for i, e := range list {
				f, ok := toFloat(e)
				if !ok {
					return nil, fmt.Errorf("element %d: want number, got %T", i, e)
				}
				out[i] = f
			}
			return out, nil
		}
		return nil, fmt.Errorf("want number list, got %T", v)

	case Time:
		t, ok := ParseTime(v)
		if !ok {
			return nil, fmt.Errorf("want RFC 3339 time, got %v", v)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return nil, fmt.Errorf("unknown kind %v", kind)
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseTime accepts a time.Time or an RFC 3339 string.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// Modified returns the "modified" time carried by meta, if any.
func Modified(meta map[string]any) (time.Time, bool) {
	v, ok := meta[KeyModified]
	if !ok {
		return time.Time{}, false
	}
	return ParseTime(v)
}

// StringValue returns meta[key] when it is a string.
func StringValue(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}
