package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/query"
)

// maxRequestBytes bounds a POST body. The engine enforces its own query
// length limit on top of this.
const maxRequestBytes = 64 << 10

// ErrorResponse is the body of every non-2xx /v1/search response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewSearchHandler creates an HTTP handler for /v1/search.
// GET reads the query from URL parameters (q, k, threshold, entity, id,
// since, until, mode); POST takes a JSON query.Request.
func NewSearchHandler(searcher Searcher, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req query.Request
		switch r.Method {
		case http.MethodGet:
			parsed, err := requestFromQuery(r)
			if err != nil {
				writeError(w, err)
				return
			}
			req = parsed
		case http.MethodPost:
			body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
			if err := json.NewDecoder(body).Decode(&req); err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, fmt.Errorf("%w: request body over %d bytes", apperr.ErrQueryTooLarge, maxRequestBytes))
					return
				}
				writeError(w, fmt.Errorf("%w: decode request: %v", apperr.ErrValidation, err))
				return
			}
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
				Code:    apperr.CodeValidation,
				Message: "method not allowed",
			})
			return
		}

		resp, err := searcher.Search(r.Context(), req)
		if err != nil {
			if apperr.Code(err) == apperr.CodeInternal {
				logger.Error("search failed", "error", err)
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, normalizeResponse(*resp))
	}
}

func requestFromQuery(r *http.Request) (query.Request, error) {
	v := r.URL.Query()
	// Filters mirror the POST body's filter object; the bare names are
	// accepted as shorthands.
	filter := func(name string) string {
		if s := v.Get("filter." + name); s != "" {
			return s
		}
		return v.Get(name)
	}
	req := query.Request{
		Q:    v.Get("q"),
		Mode: v.Get("mode"),
		Filter: query.Filter{
			Entity: filter("entity"),
			ID:     filter("id"),
			Since:  filter("since"),
			Until:  filter("until"),
		},
	}
	if s := v.Get("k"); s != "" {
		k, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("%w: k must be an integer", apperr.ErrValidation)
		}
		req.K = k
	}
	if s := v.Get("threshold"); s != "" {
		t, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(t) {
			return req, fmt.Errorf("%w: threshold must be a number", apperr.ErrValidation)
		}
		req.Threshold = t
	}
	return req, nil
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), ErrorResponse{
		Code:    apperr.Code(err),
		Message: apperr.Message(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
