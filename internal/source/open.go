package source

import (
	"fmt"
	"log/slog"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/config"
)

// Open builds the fetcher named by cfg.Kind.
func Open(cfg config.SourceConfig, logger *slog.Logger) (Fetcher, error) {
	switch cfg.Kind {
	case "http", "":
		var signer Signer
		if cfg.PublicKey != "" {
			signer = APIKeySigner{PublicKey: cfg.PublicKey, PrivateKey: cfg.PrivateKey}
		}
		return NewHTTPFetcher(HTTPOptions{
			BaseURL:           cfg.BaseURL,
			PageSize:          cfg.PageSize,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Signer:            signer,
			Logger:            logger,
		})
	case "github":
		client, err := NewGitHubClient()
		if err != nil {
			return nil, fmt.Errorf("github client: %w", err)
		}
		return NewGitHubFetcher(client, cfg.PageSize, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", apperr.ErrValidation, cfg.Kind)
	}
}

// Partitions parses the configured partitions. A github source with none
// configured falls back to the issues of cfg.Owner/cfg.Repo.
func Partitions(cfg config.SourceConfig) ([]Partition, error) {
	specs := cfg.Partitions
	if len(specs) == 0 && cfg.Kind == "github" && cfg.Owner != "" && cfg.Repo != "" {
		specs = []string{"repo#" + cfg.Owner + "/" + cfg.Repo + "/endpoint#issues"}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no partitions configured", apperr.ErrValidation)
	}

	out := make([]Partition, 0, len(specs))
	seen := make(map[Partition]bool, len(specs))
	for _, s := range specs {
		p, err := ParsePartition(s)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}
