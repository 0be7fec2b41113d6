package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/shardsearch/internal/checkpoint"
	"github.com/bull/shardsearch/internal/ingest"
	"github.com/bull/shardsearch/internal/records"
	"github.com/bull/shardsearch/internal/source"
)

var (
	ingestParallelism int
	ingestMaxPages    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch new upstream records into the raw stage",
	Long: `Fetches every configured partition from the upstream API, starting at
the offset stored in the checkpoint ledger.

Each page is written to the raw stage before its checkpoint is committed, so
an interrupted run resumes without losing or duplicating pages.

Environment variables:
  SOURCE_KIND         http or github (default: http)
  SOURCE_BASE_URL     upstream API base URL (http)
  SOURCE_PUBLIC_KEY   API public key (http, optional)
  SOURCE_PRIVATE_KEY  API private key (http, optional)
  SOURCE_PARTITIONS   comma separated partitionKey/sortKey pairs
  GITHUB_TOKEN        GitHub token for higher rate limits (github, optional)
  LEDGER_BACKEND      sqlite, dynamodb or memory (default: sqlite)`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().IntVar(&ingestParallelism, "parallelism", 4, "partitions fetched concurrently")
	ingestCmd.Flags().IntVar(&ingestMaxPages, "max-pages", 0, "pages fetched per partition (0 = until done)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	start := time.Now()

	fmt.Println("Starting ingest...")
	fmt.Println()

	cfg, store, err := openStore(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Opening %s checkpoint ledger...\n", cfg.Ledger.Backend)
	ledger, closeLedger, err := checkpoint.Open(ctx, cfg.Ledger, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("Failed to open ledger: %w", err)
	}
	defer closeLedger()

	fetcher, err := source.Open(cfg.Source, slog.Default())
	if err != nil {
		return fmt.Errorf("Failed to create fetcher: %w", err)
	}
	partitions, err := source.Partitions(cfg.Source)
	if err != nil {
		return fmt.Errorf("Invalid partitions: %w", err)
	}
	if len(partitions) == 0 {
		return fmt.Errorf("No partitions configured; set source.partitions or SOURCE_PARTITIONS")
	}

	recordStore, err := records.NewStore(store, cfg.Shard.Codec, slog.Default())
	if err != nil {
		return fmt.Errorf("Failed to create record store: %w", err)
	}

	fmt.Println()
	fmt.Printf("Ingesting %d partitions from %s source...\n", len(partitions), cfg.Source.Kind)
	runner := ingest.NewRunner(ledger, fetcher, recordStore, ingest.Options{
		Parallelism: ingestParallelism,
		MaxPages:    ingestMaxPages,
		Logger:      slog.Default(),
	})
	summary, runErr := runner.Run(ctx, partitions)

	fmt.Println()
	fmt.Println("Ingest complete!")
	fmt.Printf("  Run: %s\n", summary.RunID)
	fmt.Printf("  Items: %d\n", summary.Items())
	fmt.Printf("  Objects: %d\n", summary.Objects())
	fmt.Printf("  Duration: %s\n", summary.Duration.Round(time.Millisecond))

	fmt.Println()
	fmt.Println("Partitions:")
	for _, p := range summary.Partitions {
		switch {
		case p.Error != "":
			fmt.Printf("  - %s: FAILED at offset %d: %s\n", p.Partition, p.EndOffset, p.Error)
		case p.NotModified:
			fmt.Printf("  - %s: not modified (offset %d)\n", p.Partition, p.EndOffset)
		default:
			fmt.Printf("  - %s: %d -> %d (%d items, %d pages)\n", p.Partition, p.StartOffset, p.EndOffset, p.Items, p.Pages)
		}
	}

	fmt.Println()
	fmt.Printf("Total time: %s\n", time.Since(start).Round(time.Second))

	if runErr != nil {
		return fmt.Errorf("Some partitions failed: %w", runErr)
	}
	return nil
}
