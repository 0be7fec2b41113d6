package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/shardsearch/internal/embedding"
	"github.com/bull/shardsearch/internal/indexer"
	"github.com/bull/shardsearch/internal/markdown"
	"github.com/bull/shardsearch/internal/metadata"
	"github.com/bull/shardsearch/internal/records"
	"github.com/bull/shardsearch/internal/shard"
	"github.com/bull/shardsearch/internal/storage"
)

var (
	indexSince string
	indexUntil string
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed raw records into shards for the configured model",
	Long: `Builds embedding shards from the raw stage.

This command:
1. Reads raw records (optionally only partitions between --since and --until)
2. Skips records already embedded for the configured model
3. Derives text and metadata, chunks it and writes each stage's records
4. Embeds every chunk and appends it to size-bounded shards
5. Optionally mirrors each closed shard to Qdrant

Environment variables:
  EMBEDDING_PROVIDER openai or hash (default: openai)
  EMBEDDING_MODEL    model name (default: text-embedding-3-small)
  EMBEDDING_DIMS     vector dimensions (default: 1536)
  OPENAI_API_KEY     OpenAI API key (required for openai)
  QDRANT_ENABLED     mirror shards to Qdrant (default: false)
  QDRANT_HOST        Qdrant hostname (default: localhost)
  QDRANT_PORT        Qdrant gRPC port (default: 6334)`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexSince, "since", "", "first raw partition day to read (YYYY-MM-DD)")
	indexCmd.Flags().StringVar(&indexUntil, "until", "", "last raw partition day to read (YYYY-MM-DD)")
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	start := time.Now()

	since, err := parseDay(indexSince)
	if err != nil {
		return fmt.Errorf("Invalid --since: %w", err)
	}
	until, err := parseDay(indexUntil)
	if err != nil {
		return fmt.Errorf("Invalid --until: %w", err)
	}

	fmt.Println("Starting index...")
	fmt.Println()

	cfg, store, err := openStore(ctx)
	if err != nil {
		return err
	}

	// 1. Initialize embedding model
	model, err := embedding.NewModel(cfg.Model)
	if err != nil {
		return fmt.Errorf("Failed to create embedding model: %w", err)
	}
	producer := embedding.NewProducer(model, slog.Default())
	fmt.Printf("Embedding with %s (%d dims)\n", model.ID(), model.Dims())

	// 2. Initialize stores
	recordStore, err := records.NewStore(store, cfg.Shard.Codec, slog.Default())
	if err != nil {
		return fmt.Errorf("Failed to create record store: %w", err)
	}
	schema := metadata.DefaultSchema()
	shards, err := shard.NewManager(store, shard.Options{
		MaxBytes: cfg.Shard.MaxBytes,
		Codec:    cfg.Shard.Codec,
		Schema:   schema,
		Logger:   slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("Failed to create shard manager: %w", err)
	}

	opts := indexer.Options{
		Range:   records.DateRange{From: since, To: until},
		Chunker: markdown.NewChunker(markdown.WithMaxChars(cfg.Chunk.MaxChars)),
		Schema:  schema,
		Logger:  slog.Default(),
	}

	// 3. Connect to Qdrant when mirroring is enabled
	if cfg.Qdrant.Enabled {
		fmt.Printf("Connecting to Qdrant at %s:%d...\n", cfg.Qdrant.Host, cfg.Qdrant.Port)
		mirror, err := storage.NewQdrantMirror(cfg.Qdrant.Host, cfg.Qdrant.Port, slog.Default())
		if err != nil {
			return fmt.Errorf("Failed to connect to Qdrant: %w", err)
		}
		defer mirror.Close()
		fmt.Println("Qdrant healthy")
		opts.Publisher = mirror
	}

	// 4. Run the pipeline
	fmt.Println()
	fmt.Println("Indexing raw records...")
	pipeline := indexer.NewPipeline(store, recordStore, producer, shards, opts)

	result, err := pipeline.IndexAll(ctx)
	if err != nil {
		return fmt.Errorf("Indexing failed: %w", err)
	}

	// 5. Print results
	fmt.Println()
	fmt.Println("Index complete!")
	fmt.Printf("  Run: %s\n", result.RunID)
	fmt.Printf("  Records: %d/%d (%d already embedded)\n", result.SuccessfulRecords, result.TotalRecords, result.SkippedRecords)
	fmt.Printf("  Chunks: %d\n", result.TotalChunks)
	fmt.Printf("  Shards: %d\n", len(result.Shards))
	if result.CorruptRecords > 0 {
		fmt.Printf("  Corrupt raw records skipped: %d\n", result.CorruptRecords)
	}
	if result.PublishFailures > 0 {
		fmt.Printf("  Qdrant publish failures: %d\n", result.PublishFailures)
	}
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Second))

	if len(result.FailedRecords) > 0 {
		fmt.Println()
		fmt.Println("Failed records:")
		for _, failed := range result.FailedRecords {
			fmt.Printf("  - %s %s: %s\n", failed.EntityType, failed.SourceID, failed.Reason)
		}
	}

	fmt.Println()
	fmt.Printf("Total time: %s\n", time.Since(start).Round(time.Second))

	return nil
}
