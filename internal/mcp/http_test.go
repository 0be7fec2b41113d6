package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/query"
)

func TestSearchHandler_GET(t *testing.T) {
	searcher := &fakeSearcher{resp: &query.Response{
		Query:   "heroes",
		K:       3,
		Results: []query.Result{{ID: "B", Score: 0.95}},
	}}
	h := NewSearchHandler(searcher, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/search?q=heroes&k=3&threshold=0.5&entity=comic&id=42&mode=dense", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, query.Request{
		Q:         "heroes",
		K:         3,
		Threshold: 0.5,
		Mode:      "dense",
		Filter:    query.Filter{Entity: "comic", ID: "42"},
	}, searcher.got)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []any{}, body["warnings"])
	assert.Len(t, body["results"], 1)
}

func TestSearchHandler_GETFilterParams(t *testing.T) {
	searcher := &fakeSearcher{resp: &query.Response{}}
	h := NewSearchHandler(searcher, nil)

	target := "/v1/search?q=heroes&filter.entity=comic&filter.id=42" +
		"&filter.since=2024-01-01T00:00:00Z&filter.until=2024-02-01T00:00:00Z&entity=character"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, query.Filter{
		Entity: "comic",
		ID:     "42",
		Since:  "2024-01-01T00:00:00Z",
		Until:  "2024-02-01T00:00:00Z",
	}, searcher.got.Filter, "dotted names win over the shorthands")
}

func TestSearchHandler_POST(t *testing.T) {
	searcher := &fakeSearcher{resp: &query.Response{}}
	h := NewSearchHandler(searcher, nil)

	payload := `{"q":"heroes","k":2,"filter":{"entity":"comic","since":"2024-01-01T00:00:00Z"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "heroes", searcher.got.Q)
	assert.Equal(t, 2, searcher.got.K)
	assert.Equal(t, "2024-01-01T00:00:00Z", searcher.got.Filter.Since)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []any{}, body["results"])
}

func TestSearchHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		body   string
		err    error
		status int
		code   string
	}{
		{"bad k", http.MethodGet, "/v1/search?q=x&k=ten", "", nil, http.StatusBadRequest, apperr.CodeValidation},
		{"bad threshold", http.MethodGet, "/v1/search?q=x&threshold=high", "", nil, http.StatusBadRequest, apperr.CodeValidation},
		{"NaN threshold", http.MethodGet, "/v1/search?q=x&threshold=NaN", "", nil, http.StatusBadRequest, apperr.CodeValidation},
		{"bad json", http.MethodPost, "/v1/search", "{", nil, http.StatusBadRequest, apperr.CodeValidation},
		{"body too large", http.MethodPost, "/v1/search", `{"q":"` + strings.Repeat("x", maxRequestBytes) + `"}`, nil, http.StatusRequestEntityTooLarge, apperr.CodeQueryTooLarge},
		{"method", http.MethodDelete, "/v1/search", "", nil, http.StatusMethodNotAllowed, apperr.CodeValidation},
		{"query too large", http.MethodGet, "/v1/search?q=x", "", apperr.ErrQueryTooLarge, http.StatusRequestEntityTooLarge, apperr.CodeQueryTooLarge},
		{"dimension mismatch", http.MethodGet, "/v1/search?q=x", "", fmt.Errorf("%w: 384 vs 768", apperr.ErrDimensionMismatch), http.StatusConflict, apperr.CodeDimensionMismatch},
		{"not found", http.MethodGet, "/v1/search?q=x", "", apperr.ErrNotFound, http.StatusNotFound, apperr.CodeNotFound},
		{"throttled", http.MethodGet, "/v1/search?q=x", "", apperr.ErrThrottled, http.StatusTooManyRequests, apperr.CodeThrottled},
		{"internal", http.MethodGet, "/v1/search?q=x", "", apperr.ErrCorruption, http.StatusInternalServerError, apperr.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher := &fakeSearcher{resp: &query.Response{}, err: tt.err}
			h := NewSearchHandler(searcher, nil)

			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			} else {
				req = httptest.NewRequest(tt.method, tt.target, nil)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}
