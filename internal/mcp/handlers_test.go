package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/checkpoint"
	"github.com/bull/shardsearch/internal/metadata"
	"github.com/bull/shardsearch/internal/objectstore"
	"github.com/bull/shardsearch/internal/query"
	"github.com/bull/shardsearch/internal/shard"
	"github.com/bull/shardsearch/internal/vector"
)

type fakeSearcher struct {
	model query.ModelInfo
	resp  *query.Response
	err   error
	got   query.Request
}

func (f *fakeSearcher) Search(_ context.Context, req query.Request) (*query.Response, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeSearcher) Model() query.ModelInfo { return f.model }

// connect starts an in-memory client session against a server built from cfg.
func connect(t *testing.T, cfg *Config) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := NewServer(cfg)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := srv.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if !res.IsError && out != nil {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return res
}

func errorText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func buildShard(t *testing.T, store objectstore.Store, modelID string, dims int, ids ...string) {
	t.Helper()
	m, err := shard.NewManager(store, shard.Options{Schema: metadata.DefaultSchema()})
	require.NoError(t, err)
	w := m.NewWriter(modelID, dims)
	for _, id := range ids {
		values := make([]float32, dims)
		values[0] = 1
		require.NoError(t, w.Append(context.Background(), vector.Vector{
			ID:      id,
			Values:  values,
			ModelID: modelID,
			Dims:    dims,
			Metadata: map[string]any{
				metadata.KeyEntityType: "comic",
				metadata.KeySourceID:   id,
			},
		}))
	}
	_, err = w.Flush(context.Background())
	require.NoError(t, err)
}

func TestSearchVectors_ReturnsRankedResults(t *testing.T) {
	searcher := &fakeSearcher{
		model: query.ModelInfo{ID: "hash@1", Dims: 4},
		resp: &query.Response{
			Query: "heroes",
			K:     2,
			Mode:  query.ModeDense,
			Results: []query.Result{
				{ID: "B", Score: 0.95, Snippet: "Avengers"},
				{ID: "A", Score: 0.90},
			},
			Model: query.ModelInfo{ID: "hash@1", Dims: 4},
		},
	}
	cs := connect(t, &Config{Searcher: searcher, Catalog: shard.NewCatalog(objectstore.NewMemoryStore())})

	var out query.Response
	res := callTool(t, cs, "search_vectors", map[string]any{
		"query":  "heroes",
		"k":      2,
		"entity": "comic",
		"since":  "2024-01-01T00:00:00Z",
	}, &out)

	require.False(t, res.IsError)
	assert.Equal(t, []string{"B", "A"}, []string{out.Results[0].ID, out.Results[1].ID})
	assert.NotNil(t, out.Warnings)
	assert.Equal(t, "heroes", searcher.got.Q)
	assert.Equal(t, 2, searcher.got.K)
	assert.Equal(t, "comic", searcher.got.Filter.Entity)
	assert.Equal(t, "2024-01-01T00:00:00Z", searcher.got.Filter.Since)
}

func TestSearchVectors_EmptyResultIsNotAnError(t *testing.T) {
	searcher := &fakeSearcher{resp: &query.Response{Query: "nothing", K: 5}}
	cs := connect(t, &Config{Searcher: searcher, Catalog: shard.NewCatalog(objectstore.NewMemoryStore())})

	var out query.Response
	res := callTool(t, cs, "search_vectors", map[string]any{"query": "nothing"}, &out)

	require.False(t, res.IsError)
	assert.Empty(t, out.Results)
}

func TestSearchVectors_ErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		prefix string
	}{
		{"validation", fmt.Errorf("%w: k must be between 1 and 50", apperr.ErrValidation), "invalid_params: "},
		{"dimension", fmt.Errorf("%w: query has 384, index has 768", apperr.ErrDimensionMismatch), "dimension_mismatch: "},
		{"not found", fmt.Errorf("%w: no shards", apperr.ErrNotFound), "not_found: "},
		{"internal", fmt.Errorf("read shard: s3://secret-bucket: %w", apperr.ErrTransientIO), "internal: internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := connect(t, &Config{
				Searcher: &fakeSearcher{err: tt.err},
				Catalog:  shard.NewCatalog(objectstore.NewMemoryStore()),
			})
			res := callTool(t, cs, "search_vectors", map[string]any{"query": "x"}, nil)
			text := errorText(t, res)
			assert.Contains(t, text, tt.prefix)
			assert.NotContains(t, text, "secret-bucket")
		})
	}
}

func TestGetIndexStatus(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	buildShard(t, store, "hash@1", 4, "a", "b", "c")
	buildShard(t, store, "old@1", 8, "a")

	ledger := checkpoint.NewMemoryLedger()
	modified := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.Commit(ctx, "character#1009685", "endpoint#comics", checkpoint.Record{
		Offset:       300,
		LastModified: modified,
	}))

	cs := connect(t, &Config{
		Searcher: &fakeSearcher{model: query.ModelInfo{ID: "hash@1", Dims: 4}},
		Catalog:  shard.NewCatalog(store),
		Ledger:   ledger,
	})

	var out StatusOutput
	res := callTool(t, cs, "get_index_status", map[string]any{}, &out)
	require.False(t, res.IsError)

	require.Len(t, out.Indexes, 2)
	byModel := map[string]IndexStatus{}
	for _, idx := range out.Indexes {
		byModel[idx.ModelID] = idx
	}
	serving := byModel["hash@1"]
	assert.True(t, serving.Serving)
	assert.Equal(t, 3, serving.Vectors)
	assert.Equal(t, 1, serving.Shards)
	assert.False(t, byModel["old@1"].Serving)
	assert.Empty(t, out.StaleWarning)

	require.Len(t, out.Partitions, 1)
	assert.Equal(t, int64(300), out.Partitions[0].Offset)
	assert.True(t, modified.Equal(out.Partitions[0].LastModified))
}

func TestGetIndexStatus_WarnsWhenServingModelHasNoShards(t *testing.T) {
	store := objectstore.NewMemoryStore()
	buildShard(t, store, "old@1", 8, "a")

	cs := connect(t, &Config{
		Searcher: &fakeSearcher{model: query.ModelInfo{ID: "hash@1", Dims: 4}},
		Catalog:  shard.NewCatalog(store),
	})

	var out StatusOutput
	res := callTool(t, cs, "get_index_status", map[string]any{}, &out)
	require.False(t, res.IsError)
	assert.Contains(t, out.StaleWarning, "hash@1")
	assert.Empty(t, out.Partitions)
}

func TestGetCheckpoint(t *testing.T) {
	ctx := context.Background()
	ledger := checkpoint.NewMemoryLedger()
	require.NoError(t, ledger.Commit(ctx, "character#1009685", "endpoint#comics", checkpoint.Record{
		Offset:       300,
		LastModified: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		ETag:         `"abc"`,
	}))
	cs := connect(t, &Config{
		Searcher: &fakeSearcher{},
		Catalog:  shard.NewCatalog(objectstore.NewMemoryStore()),
		Ledger:   ledger,
	})

	var out CheckpointOutput
	res := callTool(t, cs, "get_checkpoint", map[string]any{
		"partition_key": "character#1009685",
		"sort_key":      "endpoint#comics",
	}, &out)
	require.False(t, res.IsError)
	require.True(t, out.Found)
	assert.Equal(t, int64(300), out.Checkpoint.Offset)
	assert.Equal(t, `"abc"`, out.ETag)

	var missing CheckpointOutput
	res = callTool(t, cs, "get_checkpoint", map[string]any{
		"partition_key": "character#1",
		"sort_key":      "endpoint#comics",
	}, &missing)
	require.False(t, res.IsError)
	assert.False(t, missing.Found)
	assert.Nil(t, missing.Checkpoint)
}
