// Package mcp exposes the similarity index over the Model Context Protocol
// and a plain HTTP JSON API.
package mcp

import (
	"time"

	"github.com/bull/shardsearch/internal/query"
)

// SearchVectorsInput defines the input parameters for the search_vectors tool.
type SearchVectorsInput struct {
	// Query is the text to search for.
	Query string `json:"query" jsonschema:"The text to find similar records for"`
	// K is the maximum number of results to return.
	K int `json:"k,omitempty" jsonschema:"Maximum number of results (1-50, default 5)"`
	// Threshold drops results scoring below it.
	Threshold float64 `json:"threshold,omitempty" jsonschema:"Minimum similarity score; 0 disables the cutoff"`
	// Entity restricts results to one entity type.
	Entity string `json:"entity,omitempty" jsonschema:"Only return records of this entity type (e.g. comic)"`
	// ID restricts results to one source record.
	ID string `json:"id,omitempty" jsonschema:"Only return chunks of this source id"`
	// Since and Until bound the record modification time.
	Since string `json:"since,omitempty" jsonschema:"RFC 3339 lower bound on the record modification time"`
	Until string `json:"until,omitempty" jsonschema:"RFC 3339 upper bound on the record modification time"`
	// Mode is dense or hybrid.
	Mode string `json:"mode,omitempty" jsonschema:"dense (default) or hybrid"`
}

func (in SearchVectorsInput) request() query.Request {
	return query.Request{
		Q:         in.Query,
		K:         in.K,
		Threshold: in.Threshold,
		Mode:      in.Mode,
		Filter: query.Filter{
			Entity: in.Entity,
			ID:     in.ID,
			Since:  in.Since,
			Until:  in.Until,
		},
	}
}

// StatusInput defines the input parameters for the get_index_status tool.
type StatusInput struct{}

// IndexStatus describes one (model, dims) index.
type IndexStatus struct {
	ModelID   string    `json:"model_id"`
	Dims      int       `json:"dims"`
	Shards    int       `json:"shards"`
	Vectors   int       `json:"vectors"`
	SizeBytes int64     `json:"size_bytes"`
	LastShard time.Time `json:"last_shard"`
	Serving   bool      `json:"serving"`
	// Unreadable counts manifests that could not be parsed.
	Unreadable int `json:"unreadable,omitempty"`
}

// PartitionStatus is the ingestion watermark of one partition.
type PartitionStatus struct {
	PartitionKey string    `json:"partition_key"`
	SortKey      string    `json:"sort_key"`
	Offset       int64     `json:"offset"`
	LastModified time.Time `json:"last_modified"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusOutput reports the state of the index.
type StatusOutput struct {
	Model        query.ModelInfo   `json:"model"`
	Indexes      []IndexStatus     `json:"indexes"`
	Partitions   []PartitionStatus `json:"partitions"`
	StaleWarning string            `json:"stale_warning,omitempty"`
}

// CheckpointInput defines the input parameters for the get_checkpoint tool.
type CheckpointInput struct {
	PartitionKey string `json:"partition_key" jsonschema:"Partition key, e.g. character#1009685"`
	SortKey      string `json:"sort_key" jsonschema:"Sort key, e.g. endpoint#comics"`
}

// CheckpointOutput contains the stored watermark, if any.
type CheckpointOutput struct {
	Found      bool             `json:"found"`
	Checkpoint *PartitionStatus `json:"checkpoint,omitempty"`
	ETag       string           `json:"etag,omitempty"`
}
