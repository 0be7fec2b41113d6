package metadata

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultSnippetChars is the maximum snippet length stored with a vector.
const DefaultSnippetChars = 280

var (
	titleKeys    = []string{"title", "name", "fullName"}
	bodyKeys     = []string{"description", "body", "text", "content", "summary"}
	modifiedKeys = []string{"modified", "updated_at", "modified_at", "last_modified"}
	urlKeys      = []string{"html_url", "url", "resourceURI"}
)

// Document is the derived form of a raw upstream object: a markdown
// rendering for chunking plus the metadata that describes it.
type Document struct {
	Title    string
	Markdown string
	Meta     map[string]any
}

// Derive flattens a raw JSON object into a Document. Well-known keys supply
// the title, body, URL, labels and modification time; remaining scalar
// fields are listed under a Details heading.
func Derive(entityType, sourceID string, payload json.RawMessage) (*Document, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	meta := map[string]any{
		KeyEntityType: entityType,
		KeySourceID:   sourceID,
	}
	used := make(map[string]bool)

	title := firstString(obj, titleKeys, used)
	if title == "" {
		title = entityType + " " + sourceID
	}
	meta["title"] = title

	body := firstString(obj, bodyKeys, used)

	if s := firstString(obj, modifiedKeys, used); s != "" {
		if t, ok := ParseTime(s); ok {
			meta[KeyModified] = t
		}
	}
	if s := firstString(obj, urlKeys, used); s != "" {
		meta["url"] = s
	}
	if labels := labelNames(obj["labels"]); len(labels) > 0 {
		meta["labels"] = labels
		used["labels"] = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	if body != "" {
		sb.WriteString(strings.TrimSpace(body))
		sb.WriteString("\n\n")
	}

	details := scalarFields(obj, used)
	if len(details) > 0 {
		sb.WriteString("## Details\n\n")
		for _, line := range details {
			sb.WriteString("- ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	return &Document{Title: title, Markdown: sb.String(), Meta: meta}, nil
}

func firstString(obj map[string]any, keys []string, used map[string]bool) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			used[k] = true
			return s
		}
	}
	return ""
}

// labelNames accepts ["a","b"] or [{"name":"a"},...].
func labelNames(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, e := range list {
		switch l := e.(type) {
		case string:
			out = append(out, l)
		case map[string]any:
			if name, ok := l["name"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

func scalarFields(obj map[string]any, used map[string]bool) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if !used[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				lines = append(lines, fmt.Sprintf("%s: %s", k, v))
			}
		case float64:
			lines = append(lines, k+": "+strconv.FormatFloat(v, 'f', -1, 64))
		case bool:
			lines = append(lines, fmt.Sprintf("%s: %t", k, v))
		}
	}
	return lines
}

// Snippet truncates content to at most maxChars runes on a rune boundary.
func Snippet(content string, maxChars int) string {
	content = strings.TrimSpace(content)
	if maxChars <= 0 || utf8.RuneCountInString(content) <= maxChars {
		return content
	}

	slog.Debug("truncating snippet", "chars", utf8.RuneCountInString(content), "max", maxChars)

	runes := []rune(content)
	return strings.TrimSpace(string(runes[:maxChars])) + "…"
}
