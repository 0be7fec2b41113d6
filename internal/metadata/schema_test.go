package metadata

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bull/shardsearch/internal/apperr"
)

// TestValidate_Normalizes verifies accepted values come back in canonical form.
func TestValidate_Normalizes(t *testing.T) {
	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))

	out, err := DefaultSchema().Validate(map[string]any{
		KeyEntityType: "comic",
		KeySourceID:   "42",
		KeyModified:   modified,
		"chunk_index":  3,
		"labels":       []any{"bug", "ui"},
	})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if out["chunk_index"] != float64(3) {
		t.Errorf("Expected chunk_index 3.0, got %#v", out["chunk_index"])
	}
	if out[KeyModified] != "2024-03-01T17:00:00Z" {
		t.Errorf("Expected modified in UTC RFC 3339, got %#v", out[KeyModified])
	}
	labels, ok := out["labels"].([]string)
	if !ok || len(labels) != 2 || labels[0] != "bug" {
		t.Errorf("Expected labels [bug ui], got %#v", out["labels"])
	}
}

// TestValidate_SurvivesJSONRoundTrip verifies normalized output validates again after decoding.
func TestValidate_SurvivesJSONRoundTrip(t *testing.T) {
	schema := DefaultSchema()
	first, err := schema.Validate(map[string]any{
		KeyEntityType: "issue",
		KeySourceID:   "7",
		KeyModified:   "2024-03-01T12:00:00Z",
		"labels":       []string{"a"},
	})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	data, _ := json.Marshal(first)
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, err := schema.Validate(decoded); err != nil {
		t.Errorf("Decoded metadata should validate: %v", err)
	}
}

// TestValidate_Rejects verifies the closed value set is enforced.
func TestValidate_Rejects(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{KeyEntityType: "comic", KeySourceID: "1"}
	}

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"undeclared key", func(m map[string]any) { m["colour"] = "red" }},
		{"missing required", func(m map[string]any) { delete(m, KeySourceID) }},
		{"wrong scalar kind", func(m map[string]any) { m["title"] = 12 }},
		{"nested object", func(m map[string]any) { m["title"] = map[string]any{"a": 1} }},
		{"mixed list", func(m map[string]any) { m["labels"] = []any{"a", 1.0} }},
		{"bad time", func(m map[string]any) { m[KeyModified] = "yesterday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			_, err := DefaultSchema().Validate(m)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
}

// TestModified verifies the modified key is read back from either form.
func TestModified(t *testing.T) {
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got, ok := Modified(map[string]any{KeyModified: "2024-03-01T00:00:00Z"}); !ok || !got.Equal(want) {
		t.Errorf("Expected %v, got %v (ok=%v)", want, got, ok)
	}
	if _, ok := Modified(map[string]any{}); ok {
		t.Error("Expected no modified time for empty metadata")
	}
}
