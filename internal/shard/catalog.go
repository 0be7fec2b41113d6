package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/objectstore"
)

// IndexInfo summarizes one (model, dims) index.
type IndexInfo struct {
	ModelID string `json:"model_id"`
	Dims    int    `json:"dims"`
	Shards  int    `json:"shards"`
}

// Catalog enumerates shards through their manifests.
type Catalog struct {
	store objectstore.Store
}

// NewCatalog creates a catalog over store.
func NewCatalog(store objectstore.Store) *Catalog {
	return &Catalog{store: store}
}

// Indexes lists every index that has at least one manifest, ordered by
// model id then dims. It reads keys only.
func (c *Catalog) Indexes(ctx context.Context) ([]IndexInfo, error) {
	keys, err := c.store.List(ctx, ManifestRoot)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}

	type indexKey struct {
		model string
		dims  int
	}
	counts := make(map[indexKey]int)
	for _, key := range keys {
		model, dims, ok := parseManifestKey(key)
		if !ok {
			continue
		}
		counts[indexKey{model, dims}]++
	}

	out := make([]IndexInfo, 0, len(counts))
	for k, n := range counts {
		out = append(out, IndexInfo{ModelID: k.model, Dims: k.dims, Shards: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelID != out[j].ModelID {
			return out[i].ModelID < out[j].ModelID
		}
		return out[i].Dims < out[j].Dims
	})
	return out, nil
}

// Manifests loads every manifest of one index, ordered by shard creation
// time. Manifests that fail to decode are skipped and returned as errors
// wrapping apperr.ErrCorruption.
func (c *Catalog) Manifests(ctx context.Context, modelID string, dims int) ([]*Manifest, []error, error) {
	prefix := IndexPrefix(modelID, dims)
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	var (
		manifests []*Manifest
		bad       []error
	)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		data, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("read manifest %s: %w", key, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			bad = append(bad, fmt.Errorf("%w: manifest %s: %v", apperr.ErrCorruption, key, err))
			continue
		}
		if m.ModelID != modelID || m.Dims != dims {
			bad = append(bad, fmt.Errorf("%w: manifest %s names index %s/%d", apperr.ErrCorruption, key, m.ModelID, m.Dims))
			continue
		}
		manifests = append(manifests, &m)
	}

	sort.SliceStable(manifests, func(i, j int) bool {
		if !manifests[i].CreatedAt.Equal(manifests[j].CreatedAt) {
			return manifests[i].CreatedAt.Before(manifests[j].CreatedAt)
		}
		return manifests[i].ShardID < manifests[j].ShardID
	})
	return manifests, bad, nil
}
