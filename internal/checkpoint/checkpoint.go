// Package checkpoint implements the ingestion checkpoint ledger: durable,
// per-partition progress watermarks advanced with conditional writes.
//
// A watermark only moves forward. Commit succeeds when the proposed offset
// and last-modified time are both at least the stored ones; otherwise it
// fails with apperr.ErrStaleCheckpoint, meaning another writer got there
// first and the caller must re-read the ledger before continuing.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/bull/shardsearch/internal/apperr"
)

// Record is the progress watermark for one (partition key, sort key) pair,
// e.g. ("character#1009685", "endpoint#comics").
type Record struct {
	PartitionKey string    `json:"partition_key"`
	SortKey      string    `json:"sort_key"`
	Offset       int64     `json:"offset"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Ledger is the checkpoint store consumed by ingestion.
type Ledger interface {
	// Get returns the stored watermark, or an error satisfying
	// errors.Is(err, apperr.ErrNotFound) if none exists.
	Get(ctx context.Context, partitionKey, sortKey string) (*Record, error)
	// Commit conditionally replaces the watermark with proposed.
	Commit(ctx context.Context, partitionKey, sortKey string, proposed Record) error
}

// Advances reports whether proposed may replace stored.
func Advances(stored *Record, proposed Record) bool {
	if stored == nil {
		return true
	}
	return proposed.Offset >= stored.Offset && !proposed.LastModified.Before(stored.LastModified)
}

func staleError(partitionKey, sortKey string, proposed Record) error {
	return fmt.Errorf("%w: %s/%s offset %d", apperr.ErrStaleCheckpoint, partitionKey, sortKey, proposed.Offset)
}

func notFoundError(partitionKey, sortKey string) error {
	return fmt.Errorf("%w: checkpoint %s/%s", apperr.ErrNotFound, partitionKey, sortKey)
}

func validateKeys(partitionKey, sortKey string) error {
	if partitionKey == "" || sortKey == "" {
		return fmt.Errorf("%w: partition and sort key are required", apperr.ErrValidation)
	}
	return nil
}
