package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("k out of range: %w", ErrValidation), http.StatusBadRequest},
		{"too large", fmt.Errorf("%w: 9000 bytes", ErrQueryTooLarge), http.StatusRequestEntityTooLarge},
		{"dimension", fmt.Errorf("%w: 768 vs 384", ErrDimensionMismatch), http.StatusConflict},
		{"model", ErrModelMismatch, http.StatusConflict},
		{"not found", fmt.Errorf("shard: %w", ErrNotFound), http.StatusNotFound},
		{"throttled", ErrThrottled, http.StatusTooManyRequests},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestMessage_HidesInternalDetails(t *testing.T) {
	err := errors.New("dial tcp 10.0.0.1: secret=abc")
	assert.Equal(t, "internal error", Message(err))

	valErr := fmt.Errorf("%w: k must be between 1 and 50", ErrValidation)
	assert.Equal(t, valErr.Error(), Message(valErr))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("put: %w", ErrTransientIO)))
	assert.True(t, IsRetryable(ErrThrottled))
	assert.False(t, IsRetryable(ErrValidation))
}
