package storage

import "errors"

var (
	ErrQdrantUnreachable = errors.New("qdrant server unreachable")
	ErrInvalidPayload    = errors.New("metadata cannot be stored as qdrant payload")
)
