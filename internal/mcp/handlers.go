package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/checkpoint"
	"github.com/bull/shardsearch/internal/query"
	"github.com/bull/shardsearch/internal/shard"
)

// toolError renders err as "code: message" so clients can branch on the
// code without seeing internal details.
func toolError(err error) error {
	return fmt.Errorf("%s: %s", apperr.Code(err), apperr.Message(err))
}

// makeSearchHandler creates the search_vectors tool handler.
func makeSearchHandler(searcher Searcher, logger *slog.Logger) func(
	context.Context, *mcp.CallToolRequest, SearchVectorsInput,
) (*mcp.CallToolResult, query.Response, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchVectorsInput) (
		*mcp.CallToolResult, query.Response, error,
	) {
		resp, err := searcher.Search(ctx, input.request())
		if err != nil {
			if apperr.Code(err) == apperr.CodeInternal {
				logger.Error("search failed", "error", err)
			}
			return nil, query.Response{}, toolError(err)
		}
		return nil, normalizeResponse(*resp), nil
	}
}

// normalizeResponse replaces nil slices, which serialize as null.
func normalizeResponse(resp query.Response) query.Response {
	if resp.Results == nil {
		resp.Results = []query.Result{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	return resp
}

// makeStatusHandler creates the get_index_status tool handler.
// Index statistics come from shard manifests; watermarks come from the
// ledger when it can enumerate its records.
func makeStatusHandler(
	searcher Searcher,
	catalog *shard.Catalog,
	ledger checkpoint.Ledger,
) func(context.Context, *mcp.CallToolRequest, StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		out, err := indexStatus(ctx, searcher.Model(), catalog, ledger)
		if err != nil {
			return nil, StatusOutput{}, toolError(err)
		}
		return nil, *out, nil
	}
}

func indexStatus(ctx context.Context, model query.ModelInfo, catalog *shard.Catalog, ledger checkpoint.Ledger) (*StatusOutput, error) {
	out := &StatusOutput{
		Model:      model,
		Indexes:    []IndexStatus{},
		Partitions: []PartitionStatus{},
	}

	indexes, err := catalog.Indexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	serving := false
	for _, idx := range indexes {
		manifests, bad, err := catalog.Manifests(ctx, idx.ModelID, idx.Dims)
		if err != nil {
			return nil, fmt.Errorf("read manifests of %s/%d: %w", idx.ModelID, idx.Dims, err)
		}
		st := IndexStatus{
			ModelID:    idx.ModelID,
			Dims:       idx.Dims,
			Shards:     len(manifests),
			Unreadable: len(bad),
			Serving:    idx.ModelID == model.ID && idx.Dims == model.Dims,
		}
		for _, m := range manifests {
			st.Vectors += m.Count
			st.SizeBytes += m.SizeBytes
			if m.CreatedAt.After(st.LastShard) {
				st.LastShard = m.CreatedAt
			}
		}
		serving = serving || st.Serving
		out.Indexes = append(out.Indexes, st)
	}
	if !serving {
		out.StaleWarning = fmt.Sprintf("No shards exist for the serving model %s (%d dims). Run the indexer.", model.ID, model.Dims)
	}

	if lister, ok := ledger.(checkpoint.Lister); ok {
		recs, err := lister.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, rec := range recs {
			out.Partitions = append(out.Partitions, partitionStatus(rec))
		}
	}
	return out, nil
}

func partitionStatus(rec checkpoint.Record) PartitionStatus {
	return PartitionStatus{
		PartitionKey: rec.PartitionKey,
		SortKey:      rec.SortKey,
		Offset:       rec.Offset,
		LastModified: rec.LastModified,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// makeCheckpointHandler creates the get_checkpoint tool handler.
func makeCheckpointHandler(ledger checkpoint.Ledger) func(
	context.Context, *mcp.CallToolRequest, CheckpointInput,
) (*mcp.CallToolResult, CheckpointOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CheckpointInput) (
		*mcp.CallToolResult, CheckpointOutput, error,
	) {
		if ledger == nil {
			return nil, CheckpointOutput{Found: false}, nil
		}
		rec, err := ledger.Get(ctx, input.PartitionKey, input.SortKey)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, CheckpointOutput{Found: false}, nil
		}
		if err != nil {
			return nil, CheckpointOutput{}, toolError(err)
		}
		st := partitionStatus(*rec)
		return nil, CheckpointOutput{Found: true, Checkpoint: &st, ETag: rec.ETag}, nil
	}
}
