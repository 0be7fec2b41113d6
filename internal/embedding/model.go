// Package embedding turns chunk text into unit-length vectors tagged with
// the identity of the model that produced them.
package embedding

import (
	"context"
	"fmt"

	"github.com/bull/shardsearch/internal/config"
)

// Model is an embedding model. ID identifies the model and its revision;
// two vectors are comparable only if they share ID and Dims.
type Model interface {
	ID() string
	Dims() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

func modelKey(name, revision string) string {
	if revision == "" {
		return name
	}
	return name + "@" + revision
}

// NewModel builds the model selected by cfg.
func NewModel(cfg config.ModelConfig) (Model, error) {
	switch cfg.Provider {
	case "openai":
		client, err := NewClient()
		if err != nil {
			return nil, err
		}
		return NewOpenAIModel(client, cfg.ID, cfg.Revision, cfg.Dims, cfg.BatchSize), nil
	case "hash":
		return NewHashModel(cfg.ID, cfg.Revision, cfg.Dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
