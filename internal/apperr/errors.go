// Package apperr defines the error taxonomy shared by every stage of the
// pipeline and the mapping of those errors onto transport status codes.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrQueryTooLarge     = errors.New("query too large")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrModelMismatch     = errors.New("embedding model mismatch")
	ErrNotFound          = errors.New("not found")
	ErrStaleCheckpoint   = errors.New("stale checkpoint")
	ErrTransientIO       = errors.New("transient io error")
	ErrCorruption        = errors.New("corrupt record")
	ErrShardFull         = errors.New("shard full")
	ErrThrottled         = errors.New("throttled")
)

// Machine-readable error codes carried in error responses.
const (
	CodeValidation        = "invalid_params"
	CodeQueryTooLarge     = "query_too_large"
	CodeDimensionMismatch = "dimension_mismatch"
	CodeNotFound          = "not_found"
	CodeThrottled         = "throttled"
	CodeInternal          = "internal"
)

// Code classifies err into one of the machine-readable error codes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrQueryTooLarge):
		return CodeQueryTooLarge
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrModelMismatch):
		return CodeDimensionMismatch
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrThrottled):
		return CodeThrottled
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err onto the status code used by the query API.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeQueryTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeDimensionMismatch:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text safe to show to a caller. Internal errors are
// replaced by a generic message so upstream details never leak.
func Message(err error) string {
	if Code(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}

// IsRetryable reports whether err is a transient failure worth retrying at
// the I/O boundary that produced it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrThrottled)
}
