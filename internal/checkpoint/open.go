package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/bull/shardsearch/internal/config"
)

// Lister is implemented by ledgers that can enumerate their records.
type Lister interface {
	List(ctx context.Context) ([]Record, error)
}

// Open builds the Ledger selected by cfg. The returned close func is never nil.
func Open(ctx context.Context, cfg config.LedgerConfig, dataDir string) (Ledger, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "memory":
		return NewMemoryLedger(), noop, nil

	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(dataDir, "checkpoints.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, noop, fmt.Errorf("create ledger directory: %w", err)
		}
		l, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, noop, err
		}
		return l, l.Close, nil

	case "dynamodb":
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, noop, fmt.Errorf("load aws config: %w", err)
		}
		return NewDynamoLedger(dynamodb.NewFromConfig(awsCfg), cfg.Table), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
