// Package source fetches pages of upstream objects for ingestion.
//
// A partition is addressed by a (partition key, sort key) pair such as
// ("character#1009685", "endpoint#comics"). Fetchers page through a
// partition from a Position and report the position to resume from.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bull/shardsearch/internal/apperr"
)

// Partition identifies one upstream collection.
type Partition struct {
	Key     string `json:"partition_key"`
	SortKey string `json:"sort_key"`
}

func (p Partition) String() string { return p.Key + "/" + p.SortKey }

// ParsePartition parses "partitionKey/sortKey". The sort key starts at the
// first slash followed by a "kind#" tag, so both halves may contain slashes,
// as in "repo#cloudwego/cloudwego.github.io/docs#content/en/docs/eino".
func ParsePartition(s string) (Partition, error) {
	s = strings.TrimSpace(s)
	for i := 0; i < len(s); i++ {
		if s[i] != '/' || !hasTag(s[i+1:]) {
			continue
		}
		if key := s[:i]; key != "" {
			return Partition{Key: key, SortKey: s[i+1:]}, nil
		}
	}
	return Partition{}, fmt.Errorf("%w: partition %q must look like kind#key/kind#sort", apperr.ErrValidation, s)
}

// hasTag reports whether s starts with a lowercase "kind#" tag.
func hasTag(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '#':
			return i > 0 && i < len(s)-1
		case c >= 'a' && c <= 'z', c == '_':
		default:
			return false
		}
	}
	return false
}

// Position is a resume point within a partition.
type Position struct {
	Offset       int64
	ETag         string
	LastModified time.Time
}

// Item is one upstream object.
type Item struct {
	EntityType string
	SourceID   string
	Payload    json.RawMessage
}

// Page is one fetched batch.
type Page struct {
	Items []Item
	// Next is the position to resume from after Items are durably stored.
	Next Position
	// Done is set when the partition has no further pages.
	Done bool
	// NotModified is set when the upstream reported no change since Position.
	NotModified bool
}

// Fetcher retrieves pages from an upstream.
type Fetcher interface {
	FetchPage(ctx context.Context, p Partition, pos Position) (*Page, error)
}

// splitTag splits "kind#value".
func splitTag(s string) (kind, value string, ok bool) {
	kind, value, ok = strings.Cut(s, "#")
	if !ok || kind == "" || value == "" {
		return "", "", false
	}
	return kind, value, true
}

var plurals = map[string]string{
	"character": "characters",
	"comic":     "comics",
	"creator":   "creators",
	"event":     "events",
	"series":    "series",
	"story":     "stories",
}

func plural(kind string) string {
	if p, ok := plurals[kind]; ok {
		return p
	}
	return kind + "s"
}

func singular(name string) string {
	for s, p := range plurals {
		if p == name {
			return s
		}
	}
	return strings.TrimSuffix(name, "s")
}

// itemID returns the "id" field of obj as a string, or the hex SHA-256 of
// raw when obj has none.
func itemID(obj map[string]any, raw []byte) string {
	switch id := obj["id"].(type) {
	case string:
		if id != "" {
			return id
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
