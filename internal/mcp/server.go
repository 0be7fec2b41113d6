package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/shardsearch/internal/checkpoint"
	"github.com/bull/shardsearch/internal/query"
	"github.com/bull/shardsearch/internal/shard"
)

// Searcher runs similarity queries.
type Searcher interface {
	Search(ctx context.Context, req query.Request) (*query.Response, error)
	Model() query.ModelInfo
}

// Server wraps the MCP server with dependencies.
type Server struct {
	server   *mcp.Server
	searcher Searcher
	logger   *slog.Logger
}

// Config holds server dependencies.
type Config struct {
	Searcher Searcher
	Catalog  *shard.Catalog
	// Ledger is optional; without it checkpoint tools report nothing found.
	Ledger checkpoint.Ledger
	Logger *slog.Logger
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	impl := &mcp.Implementation{
		Name:    "shardsearch",
		Version: "v0.1.0",
	}

	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_vectors",
		Description: "Semantic similarity search over indexed records. Returns ranked chunks with score, snippet and metadata.",
	}, makeSearchHandler(cfg.Searcher, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_index_status",
		Description: "Get the current state of the vector index: shards and vectors per model, the serving model, and ingestion watermarks per partition.",
	}, makeStatusHandler(cfg.Searcher, cfg.Catalog, cfg.Ledger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_checkpoint",
		Description: "Get the ingestion checkpoint (offset, etag, last modified) of one partition.",
	}, makeCheckpointHandler(cfg.Ledger))

	return &Server{
		server:   server,
		searcher: cfg.Searcher,
		logger:   logger,
	}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
// Used by transport handlers that need to wrap the server.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
