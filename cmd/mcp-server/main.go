// Package main provides the query server: MCP tools, the JSON search API
// and a health endpoint over the shards in the object store.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/shardsearch/internal/checkpoint"
	"github.com/bull/shardsearch/internal/config"
	"github.com/bull/shardsearch/internal/embedding"
	mcpserver "github.com/bull/shardsearch/internal/mcp"
	"github.com/bull/shardsearch/internal/objectstore"
	"github.com/bull/shardsearch/internal/query"
	"github.com/bull/shardsearch/internal/shard"
	"github.com/bull/shardsearch/internal/storage"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "shardsearch-server",
	Short: "Similarity search server over embedding shards",
	Long: `Serves similarity search over the shards built by shardsearch-sync.

With SERVER_MODE=true the server listens on PORT and exposes:
  /mcp        MCP Streamable HTTP
  /v1/search  JSON search API (GET or POST)
  /health     health check

Otherwise MCP runs over stdio and the HTTP endpoints are served in the
background for local testing.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", getEnv("SHARDSEARCH_CONFIG", "shardsearch.toml"), "path to the TOML config file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	// stdout carries the stdio transport, so logs always go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize storage
	objects, err := objectstore.Open(ctx, cfg.ObjectStore, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	store := objectstore.WithRetry(objects, objectstore.DefaultRetryPolicy())

	// Initialize embedding model
	model, err := embedding.NewModel(cfg.Model)
	if err != nil {
		return fmt.Errorf("create embedding model: %w", err)
	}
	producer := embedding.NewProducer(model, logger, embedding.WithCacheSize(cfg.Query.EmbeddingCacheSize))
	engine := query.NewEngine(store, producer, query.Options{
		DefaultK:        cfg.Query.DefaultK,
		MaxK:            cfg.Query.MaxK,
		MaxQueryLength:  cfg.Query.MaxQueryLength,
		LoadParallelism: cfg.Query.LoadParallelism,
		MaxCachedShards: cfg.Query.MaxCachedShards,
		Logger:          logger,
	})

	ledger, closeLedger, err := checkpoint.Open(ctx, cfg.Ledger, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open checkpoint ledger: %w", err)
	}
	defer closeLedger()

	health := map[string]mcpserver.HealthChecker{
		"objectstore": store,
	}
	if cfg.Qdrant.Enabled {
		mirror, err := storage.NewQdrantMirror(cfg.Qdrant.Host, cfg.Qdrant.Port, logger)
		if err != nil {
			return fmt.Errorf("connect to Qdrant: %w", err)
		}
		defer mirror.Close()
		health["qdrant"] = mirror
	}

	// Create MCP server
	server := mcpserver.NewServer(&mcpserver.Config{
		Searcher: engine,
		Catalog:  shard.NewCatalog(store),
		Ledger:   ledger,
		Logger:   logger,
	})

	// Create HTTP server with multiple endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/health", mcpserver.NewHealthHandler(health))
	mux.Handle("/mcp", mcpserver.NewHTTPHandler(server, nil))
	mux.Handle("/v1/search", mcpserver.NewSearchHandler(engine, logger))
	mux.HandleFunc("/", mcpserver.NewLandingHandler())

	addr := "0.0.0.0:" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	info := engine.Model()
	if cfg.Server.ServerMode {
		// HTTP mode: serve MCP over HTTP for remote clients
		logger.Info("starting HTTP server", "addr", addr, "model", info.ID, "dims", info.Dims)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	}

	// Stdio mode: run MCP server over stdin/stdout for local clients
	// Also start HTTP endpoints in background for local testing
	go func() {
		logger.Info("starting HTTP server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("HTTP server error", "error", err)
		}
	}()

	logger.Info("starting MCP server (stdio mode)", "model", info.ID, "dims", info.Dims)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
