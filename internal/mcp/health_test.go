package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/shardsearch/internal/objectstore"
)

func TestHealthHandler(t *testing.T) {
	down := HealthCheckerFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]HealthChecker
		status int
		want   map[string]string
	}{
		{
			name:   "all healthy",
			checks: map[string]HealthChecker{"objectstore": objectstore.NewMemoryStore()},
			status: http.StatusOK,
			want:   map[string]string{"objectstore": "connected"},
		},
		{
			name: "qdrant down",
			checks: map[string]HealthChecker{
				"objectstore": objectstore.NewMemoryStore(),
				"qdrant":      down,
			},
			status: http.StatusServiceUnavailable,
			want:   map[string]string{"objectstore": "connected", "qdrant": "disconnected"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.status, rec.Code)
			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Checks)
			assert.NotEmpty(t, body.Timestamp)
		})
	}
}
