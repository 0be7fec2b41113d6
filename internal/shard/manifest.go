package shard

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// ManifestRoot is the key prefix under which manifests are stored.
const ManifestRoot = "manifests/"

// Manifest describes one closed shard. It is written only after the shard
// object itself has been committed, so a visible manifest always points at
// a complete shard.
type Manifest struct {
	ShardID     string            `json:"shard_id"`
	ObjectKey   string            `json:"object_key"`
	ModelID     string            `json:"model_id"`
	Dims        int               `json:"dims"`
	Count       int               `json:"count"`
	SizeBytes   int64             `json:"size_bytes"`
	StoredBytes int64             `json:"stored_bytes"`
	MinID       string            `json:"min_id"`
	MaxID       string            `json:"max_id"`
	MinTime     time.Time         `json:"min_time"`
	MaxTime     time.Time         `json:"max_time"`
	CreatedAt   time.Time         `json:"created_at"`
	Checksum    string            `json:"checksum"`
	Entities    map[string][]byte `json:"entities"` // entity type -> serialized roaring bitmap of row numbers
}

// EntityRows returns the rows holding vectors of the given entity type.
// A missing entity yields an empty bitmap.
func (m *Manifest) EntityRows(entity string) (*roaring.Bitmap, error) {
	bm := roaring.New()
	data, ok := m.Entities[entity]
	if !ok {
		return bm, nil
	}
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decode %s bitmap of shard %s: %w", entity, m.ShardID, err)
	}
	return bm, nil
}

// HasEntity reports whether the shard holds any vector of the entity type.
func (m *Manifest) HasEntity(entity string) bool {
	_, ok := m.Entities[entity]
	return ok
}

// Overlaps reports whether the shard's time range intersects [since, until].
// Zero bounds are open.
func (m *Manifest) Overlaps(since, until time.Time) bool {
	if !since.IsZero() && m.MaxTime.Before(since) {
		return false
	}
	if !until.IsZero() && m.MinTime.After(until) {
		return false
	}
	return true
}

// IndexPrefix is the manifest key prefix of one (model, dims) index.
func IndexPrefix(modelID string, dims int) string {
	return ManifestRoot + url.PathEscape(modelID) + "/" + strconv.Itoa(dims) + "/"
}

// ManifestKey is the key of a shard's manifest.
func ManifestKey(modelID string, dims int, shardID string) string {
	return IndexPrefix(modelID, dims) + shardID + ".json"
}

// parseManifestKey extracts the index identity from a manifest key.
func parseManifestKey(key string) (modelID string, dims int, ok bool) {
	rest, found := strings.CutPrefix(key, ManifestRoot)
	if !found {
		return "", 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || !strings.HasSuffix(parts[2], ".json") {
		return "", 0, false
	}
	modelID, err := url.PathUnescape(parts[0])
	if err != nil {
		return "", 0, false
	}
	dims, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return modelID, dims, true
}

func serializeBitmaps(bitmaps map[string]*roaring.Bitmap) (map[string][]byte, error) {
	out := make(map[string][]byte, len(bitmaps))
	for entity, bm := range bitmaps {
		bm.RunOptimize()
		data, err := bm.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("serialize %s bitmap: %w", entity, err)
		}
		out[entity] = data
	}
	return out, nil
}
