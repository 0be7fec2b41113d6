package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/vector"
)

// Chunk is a unit of text to embed.
type Chunk struct {
	ID       string
	Text     string
	Checksum string // content checksum; computed from Text when empty
	Metadata map[string]any
}

// DefaultCacheSize is the number of embeddings a Producer keeps when no
// size is given.
const DefaultCacheSize = 10000

// Producer embeds chunks with one model, validating and normalizing every
// vector. Results are kept in an LRU keyed by content checksum, so
// re-embedding recently seen text never calls the model again.
type Producer struct {
	model  Model
	logger *slog.Logger
	cache  *lru.Cache[string, []float32]
}

// ProducerOption configures a Producer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	cacheSize int
}

// WithCacheSize bounds the embedding cache to n entries.
// Zero or less keeps DefaultCacheSize.
func WithCacheSize(n int) ProducerOption {
	return func(c *producerConfig) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// NewProducer creates a producer for model.
func NewProducer(model Model, logger *slog.Logger, opts ...ProducerOption) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := producerConfig{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, []float32](cfg.cacheSize)
	return &Producer{
		model:  model,
		logger: logger,
		cache:  cache,
	}
}

// Model returns the model behind the producer.
func (p *Producer) Model() Model { return p.model }

// Embed returns one unit-length vector per chunk, in order. modelID and
// dims must name the producer's model. If any returned vector has the
// wrong length the whole batch fails with apperr.ErrDimensionMismatch; a
// vector that cannot be normalized fails it with apperr.ErrValidation.
func (p *Producer) Embed(ctx context.Context, chunks []Chunk, modelID string, dims int) ([]vector.Vector, error) {
	if modelID != p.model.ID() {
		return nil, fmt.Errorf("%w: requested model %s, producer runs %s", apperr.ErrModelMismatch, modelID, p.model.ID())
	}
	if dims != p.model.Dims() {
		return nil, fmt.Errorf("%w: requested %d dims, model %s produces %d", apperr.ErrDimensionMismatch, dims, modelID, p.model.Dims())
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	sums := make([]string, len(chunks))
	found := make(map[string][]float32, len(chunks))
	var (
		missTexts []string
		missSums  []string
	)
	for i, c := range chunks {
		sum := c.Checksum
		if sum == "" {
			sum = TextChecksum(c.Text)
		}
		sums[i] = sum
		if _, ok := found[sum]; ok {
			continue
		}
		if v, ok := p.cache.Get(p.cacheKey(sum)); ok {
			found[sum] = v
			continue
		}
		// Reserve the slot so duplicates in one batch are embedded once.
		found[sum] = nil
		missTexts = append(missTexts, c.Text)
		missSums = append(missSums, sum)
	}

	if len(missTexts) > 0 {
		raw, err := p.model.Embed(ctx, missTexts)
		if err != nil {
			return nil, fmt.Errorf("embed %d texts with %s: %w", len(missTexts), modelID, err)
		}
		if len(raw) != len(missTexts) {
			return nil, fmt.Errorf("%w: model %s returned %d vectors for %d texts",
				apperr.ErrDimensionMismatch, modelID, len(raw), len(missTexts))
		}

		// Validate the whole batch before caching any of it.
		for i, v := range raw {
			if len(v) != dims {
				return nil, fmt.Errorf("%w: model %s returned %d values, want %d",
					apperr.ErrDimensionMismatch, modelID, len(v), dims)
			}
			if err := vector.Normalize(v); err != nil {
				if errors.Is(err, vector.ErrZeroVector) {
					return nil, fmt.Errorf("%w: chunk with checksum %s: %v", apperr.ErrValidation, missSums[i], err)
				}
				return nil, err
			}
		}

		for i, v := range raw {
			found[missSums[i]] = v
			p.cache.Add(p.cacheKey(missSums[i]), v)
		}

		p.logger.Debug("embedded chunks", "model", modelID, "requested", len(chunks), "computed", len(missTexts))
	}

	out := make([]vector.Vector, len(chunks))
	for i, c := range chunks {
		cached := found[sums[i]]
		values := make([]float32, len(cached))
		copy(values, cached)
		out[i] = vector.Vector{
			ID:       c.ID,
			Values:   values,
			ModelID:  modelID,
			Dims:     dims,
			Metadata: c.Metadata,
		}
	}
	return out, nil
}

// CacheLen returns the number of cached embeddings.
func (p *Producer) CacheLen() int {
	return p.cache.Len()
}
func (p *Producer) cacheKey(sum string) string {
	return p.model.ID() + "\x00" + sum
}

// TextChecksum is the hex SHA-256 of text.
func TextChecksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
