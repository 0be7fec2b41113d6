package query

import "context"

// Modes.
const (
	ModeDense  = "dense"
	ModeHybrid = "hybrid"
)

// Filter narrows the candidate set before scoring.
type Filter struct {
	Entity string `json:"entity,omitempty"`
	ID     string `json:"id,omitempty"`
	Since  string `json:"since,omitempty"` // RFC 3339
	Until  string `json:"until,omitempty"` // RFC 3339
}

// Request is a similarity query.
type Request struct {
	Q         string  `json:"q"`
	K         int     `json:"k,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Filter    Filter  `json:"filter"`
	Mode      string  `json:"mode,omitempty"`
}

// Result is one ranked match.
type Result struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Snippet string         `json:"snippet,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ModelInfo identifies the index a query ran against.
type ModelInfo struct {
	ID   string `json:"id"`
	Dims int    `json:"dims"`
}

// Timing reports per-phase durations in milliseconds.
type Timing struct {
	Validate float64 `json:"validate"`
	Embed    float64 `json:"embed"`
	Select   float64 `json:"select"`
	Load     float64 `json:"load"`
	Score    float64 `json:"score"`
	Rank     float64 `json:"rank"`
	Total    float64 `json:"total"`
}

// Response is the answer to a Request.
type Response struct {
	Query    string    `json:"query"`
	K        int       `json:"k"`
	Mode     string    `json:"mode"`
	Filters  Filter    `json:"filters"`
	Results  []Result  `json:"results"`
	Model    ModelInfo `json:"model"`
	TimingMS Timing    `json:"timing_ms"`
	Warnings []string  `json:"warnings"`
}

// Reranker reorders dense candidates in hybrid mode. It receives more
// candidates than the caller asked for and may change scores; the engine
// re-ranks its output, truncates to k and applies the threshold.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Result) ([]Result, error)
}
