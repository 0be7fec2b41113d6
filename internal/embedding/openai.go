package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/bull/shardsearch/internal/apperr"
)

// DefaultBatchSize balances requests-per-minute vs tokens-per-minute rate limits.
// OpenAI supports up to 2048 texts per batch, but smaller batches reduce TPM pressure.
const DefaultBatchSize = 500

// OpenAIModel generates embeddings with an OpenAI embedding model.
// It batches requests and retries with exponential backoff on rate limit
// and server errors.
type OpenAIModel struct {
	client    *Client
	name      string
	revision  string
	dims      int
	batchSize int
	backoff   func() backoff.BackOff
}

// NewOpenAIModel creates a model for the named OpenAI embedding model.
// dims is passed to the API so models that support shortening return
// vectors of exactly that length. If batchSize is 0, DefaultBatchSize is used.
func NewOpenAIModel(client *Client, name, revision string, dims, batchSize int) *OpenAIModel {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &OpenAIModel{
		client:    client,
		name:      name,
		revision:  revision,
		dims:      dims,
		batchSize: batchSize,
		backoff:   defaultBackOff,
	}
}

func (m *OpenAIModel) ID() string { return modelKey(m.name, m.revision) }

func (m *OpenAIModel) Dims() int { return m.dims }

// Embed returns one vector per text, in input order.
func (m *OpenAIModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += m.batchSize {
		end := min(i+m.batchSize, len(texts))

		embeddings, err := m.embedBatchWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		all = append(all, embeddings...)
	}

	return all, nil
}

// embedBatchWithRetry retries 429 and 5xx responses with exponential
// backoff. Other errors fail immediately.
func (m *OpenAIModel) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32

	operation := func() error {
		resp, err := m.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model:          m.name,
			Dimensions:     openai.Int(int64(m.dims)),
			EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("%w: got %d embeddings for %d texts",
				apperr.ErrDimensionMismatch, len(resp.Data), len(texts)))
		}

		// The API may return items out of order; Index is authoritative.
		embeddings = make([][]float32, len(texts))
		for _, data := range resp.Data {
			if data.Index < 0 || int(data.Index) >= len(texts) {
				return backoff.Permanent(fmt.Errorf("embedding index %d out of range", data.Index))
			}
			embeddings[data.Index] = toFloat32(data.Embedding)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(m.backoff(), ctx))
	if err != nil {
		return nil, classify(err)
	}
	return embeddings, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// isRetryable reports whether err is a rate limit (HTTP 429) or server error.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: embedding API: %v", apperr.ErrThrottled, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: embedding API: %v", apperr.ErrTransientIO, err)
		}
	}
	return err
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but storage uses float32 for memory efficiency.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
