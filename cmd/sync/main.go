// Package main provides the sync CLI: it ingests upstream records into the
// record store and builds embedding shards from them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/shardsearch/internal/config"
	"github.com/bull/shardsearch/internal/objectstore"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "shardsearch-sync",
	Short: "Record ingestion and shard indexing tool",
	Long: `CLI tool for pulling records from an upstream API into the record store
and turning them into searchable embedding shards.

Configuration is read from an optional TOML file (--config) and overridden by
environment variables. See config.example.toml for every setting.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnv("SHARDSEARCH_CONFIG", "shardsearch.toml"), "path to the TOML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(ingestCmd, indexCmd, statusCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openStore loads the config and opens the object store it selects, with
// transient failures retried.
func openStore(ctx context.Context) (*config.Config, objectstore.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to load config: %w", err)
	}

	fmt.Printf("Opening %s object store...\n", cfg.ObjectStore.Backend)
	store, err := objectstore.Open(ctx, cfg.ObjectStore, cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to open object store: %w", err)
	}
	return cfg, objectstore.WithRetry(store, objectstore.DefaultRetryPolicy()), nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
