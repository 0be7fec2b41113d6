// Package storage mirrors closed shards into Qdrant so the same vectors can
// be served by an external vector database.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/shard"
	"github.com/bull/shardsearch/internal/vector"
)

// VectorName is the named vector every mirrored point carries.
const VectorName = "content"

// upsertBatchSize is the number of points sent per upsert call.
const upsertBatchSize = 100

// pointNamespace derives stable point ids from vector ids.
var pointNamespace = uuid.MustParse("6f1d7c1e-3a52-4f58-9a0e-5b1f2d7c9e41")

// QdrantMirror wraps the Qdrant client with connection management and health checks.
type QdrantMirror struct {
	client *qdrant.Client
	logger *slog.Logger
	host   string
	port   int
}

// NewQdrantMirror creates a new Qdrant client with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantMirror(host string, port int, logger *slog.Logger) (*QdrantMirror, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &QdrantMirror{
		client: client,
		logger: logger,
		host:   host,
		port:   port,
	}

	if err := m.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return m, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// healthCheckWithRetry performs health check with exponential backoff.
func (m *QdrantMirror) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error { return m.Health(ctx) }, backoff.WithContext(newBackOff(), ctx))
}

// Health performs a single health check against Qdrant.
func (m *QdrantMirror) Health(ctx context.Context) error {
	result, err := m.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// Close closes the Qdrant client connection.
func (m *QdrantMirror) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// CollectionName returns the collection holding the (modelID, dims) index,
// e.g. "shardsearch_text-embedding-3-small_v1_1536".
func CollectionName(modelID string, dims int) string {
	var sb strings.Builder
	sb.WriteString("shardsearch_")
	for _, r := range modelID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(dims))
	return sb.String()
}

// EnsureCollection creates the collection for an index if it is missing.
// Vectors are stored unit length, so the dot product is the similarity.
// Idempotent - safe to call multiple times.
func (m *QdrantMirror) EnsureCollection(ctx context.Context, modelID string, dims int) error {
	name := CollectionName(modelID, dims)
	exists, err := m.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	err = m.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			VectorName: {
				Size:     uint64(dims),
				Distance: qdrant.Distance_Dot,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	// Keyword indexes on the fields queries filter by.
	for _, field := range []string{"entity_type", "source_id", "shard_id"} {
		_, err := m.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}
	m.logger.Info("Created qdrant collection", "collection", name, "dims", dims)
	return nil
}

// PublishShard upserts every readable vector of sh into its index's
// collection. Point ids derive from vector ids, so publishing the same
// shard twice leaves the collection unchanged.
func (m *QdrantMirror) PublishShard(ctx context.Context, sh *shard.Shard) error {
	man := sh.Manifest
	if err := m.EnsureCollection(ctx, man.ModelID, man.Dims); err != nil {
		return err
	}
	points, err := Points(sh)
	if err != nil {
		return err
	}

	name := CollectionName(man.ModelID, man.Dims)
	for i := 0; i < len(points); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(points))
		if err := m.upsertWithRetry(ctx, name, points[i:end]); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d of shard %s: %w", i, end, man.ShardID, err)
		}
	}
	m.logger.Info("Mirrored shard", "shard", man.ShardID, "collection", name, "points", len(points))
	return nil
}

// Count returns the number of points mirrored for an index.
func (m *QdrantMirror) Count(ctx context.Context, modelID string, dims int) (uint64, error) {
	name := CollectionName(modelID, dims)
	exists, err := m.client.CollectionExists(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: collection %s", apperr.ErrNotFound, name)
	}
	return m.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Exact:          qdrant.PtrOf(true),
	})
}

// upsertWithRetry performs upsert operation with exponential backoff retry.
func (m *QdrantMirror) upsertWithRetry(ctx context.Context, collection string, points []*qdrant.PointStruct) error {
	operation := func() error {
		_, err := m.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         points,
		})
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(newBackOff(), ctx))
}

// PointID maps a vector id to a stable Qdrant point id.
func PointID(vectorID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(vectorID)).String()
}

// Points converts a loaded shard into Qdrant points.
func Points(sh *shard.Shard) ([]*qdrant.PointStruct, error) {
	points := make([]*qdrant.PointStruct, 0, len(sh.Vectors))
	for _, v := range sh.Vectors {
		payload, err := Payload(v, sh.Manifest.ShardID)
		if err != nil {
			return nil, err
		}
		points = append(points, &qdrant.PointStruct{
			Id: qdrant.NewIDUUID(PointID(v.ID)),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				VectorName: qdrant.NewVector(v.Values...),
			}),
			Payload: payload,
		})
	}
	return points, nil
}

// Payload converts vector metadata into a Qdrant payload. Lists are
// widened to []any, which is the only slice type the client accepts.
func Payload(v vector.Vector, shardID string) (map[string]*qdrant.Value, error) {
	in := make(map[string]any, len(v.Metadata)+2)
	for k, val := range v.Metadata {
		switch list := val.(type) {
		case []string:
			items := make([]any, len(list))
			for i, s := range list {
				items[i] = s
			}
			in[k] = items
		case []float64:
			items := make([]any, len(list))
			for i, f := range list {
				items[i] = f
			}
			in[k] = items
		default:
			in[k] = val
		}
	}
	in["vector_id"] = v.ID
	in["shard_id"] = shardID

	out, err := qdrant.TryValueMap(in)
	if err != nil {
		return nil, fmt.Errorf("%w: vector %s: %v", ErrInvalidPayload, v.ID, err)
	}
	return out, nil
}
