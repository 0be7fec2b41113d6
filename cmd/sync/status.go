package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/shardsearch/internal/checkpoint"
	"github.com/bull/shardsearch/internal/shard"
	"github.com/bull/shardsearch/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shards per model and checkpoint watermarks",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, store, err := openStore(ctx)
	if err != nil {
		return err
	}

	catalog := shard.NewCatalog(store)
	indexes, err := catalog.Indexes(ctx)
	if err != nil {
		return fmt.Errorf("Failed to list indexes: %w", err)
	}

	var mirror *storage.QdrantMirror
	if cfg.Qdrant.Enabled {
		mirror, err = storage.NewQdrantMirror(cfg.Qdrant.Host, cfg.Qdrant.Port, slog.Default())
		if err != nil {
			fmt.Printf("Qdrant unavailable: %v\n", err)
			mirror = nil
		} else {
			defer mirror.Close()
		}
	}

	fmt.Println()
	fmt.Println("Indexes:")
	if len(indexes) == 0 {
		fmt.Println("  (none)")
	}
	for _, idx := range indexes {
		manifests, bad, err := catalog.Manifests(ctx, idx.ModelID, idx.Dims)
		if err != nil {
			return fmt.Errorf("Failed to read manifests: %w", err)
		}
		var vectors int
		var size int64
		var last time.Time
		for _, m := range manifests {
			vectors += m.Count
			size += m.SizeBytes
			if m.CreatedAt.After(last) {
				last = m.CreatedAt
			}
		}

		marker := " "
		if idx.ModelID == cfg.Model.ModelKey() && idx.Dims == cfg.Model.Dims {
			marker = "*"
		}
		fmt.Printf(" %s %s (%d dims): %d shards, %d vectors, %d bytes", marker, idx.ModelID, idx.Dims, len(manifests), vectors, size)
		if !last.IsZero() {
			fmt.Printf(", last shard %s", last.Format(time.RFC3339))
		}
		fmt.Println()
		if len(bad) > 0 {
			fmt.Printf("    %d unreadable manifests\n", len(bad))
		}
		if mirror != nil {
			n, err := mirror.Count(ctx, idx.ModelID, idx.Dims)
			if err != nil {
				fmt.Printf("    qdrant: %v\n", err)
			} else {
				fmt.Printf("    qdrant: %d points in %s\n", n, storage.CollectionName(idx.ModelID, idx.Dims))
			}
		}
	}

	ledger, closeLedger, err := checkpoint.Open(ctx, cfg.Ledger, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("Failed to open ledger: %w", err)
	}
	defer closeLedger()

	fmt.Println()
	fmt.Println("Checkpoints:")
	lister, ok := ledger.(checkpoint.Lister)
	if !ok {
		fmt.Printf("  (%s ledger cannot list checkpoints)\n", cfg.Ledger.Backend)
		return nil
	}
	recs, err := lister.List(ctx)
	if err != nil {
		return fmt.Errorf("Failed to list checkpoints: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("  (none)")
	}
	for _, rec := range recs {
		fmt.Printf("  %s / %s: offset %d, modified %s, updated %s\n",
			rec.PartitionKey, rec.SortKey, rec.Offset,
			formatTime(rec.LastModified), formatTime(rec.UpdatedAt))
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
