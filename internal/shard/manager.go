// Package shard persists embedding vectors as immutable, size-bounded index
// shards. Every shard holds vectors of exactly one (model, dims) pair and
// is described by a manifest used to prune shards at query time.
package shard

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/codec"
	"github.com/bull/shardsearch/internal/metadata"
	"github.com/bull/shardsearch/internal/objectstore"
	"github.com/bull/shardsearch/internal/records"
	"github.com/bull/shardsearch/internal/vector"
)

// FormatVersion is written into every shard header.
const FormatVersion = 1

// DefaultMaxBytes bounds the serialized (uncompressed) size of a shard.
const DefaultMaxBytes = 64 << 20

var (
	// ErrHandleBusy is returned when a handle is used by two goroutines at once.
	ErrHandleBusy = errors.New("shard handle is in use by another writer")
	// ErrHandleClosed is returned when appending to or closing a closed handle.
	ErrHandleClosed = errors.New("shard handle is closed")
)

// header is the first line of every shard object.
type header struct {
	ShardID   string    `json:"shard_id"`
	ModelID   string    `json:"model_id"`
	Dims      int       `json:"dims"`
	Format    int       `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures a Manager.
type Options struct {
	MaxBytes int64
	Codec    string
	// Schema, when set, validates and normalizes vector metadata on Append.
	Schema metadata.Schema
	Logger *slog.Logger
}

// Manager opens, fills and closes shards on an object store.
type Manager struct {
	store    objectstore.Store
	maxBytes int64
	codec    string
	schema   metadata.Schema
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a shard manager.
func NewManager(store objectstore.Store, opts Options) (*Manager, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if err := codec.Validate(opts.Codec); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:    store,
		maxBytes: opts.MaxBytes,
		codec:    opts.Codec,
		schema:   opts.Schema,
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// Handle is an open shard being filled by a single writer.
type Handle struct {
	header header
	lines  bytes.Buffer
	size   int64
	count  int

	minID, maxID     string
	minTime, maxTime time.Time
	entities         map[string]*roaring.Bitmap

	busy   atomic.Bool
	closed bool
}

// ID returns the shard id.
func (h *Handle) ID() string { return h.header.ShardID }

// Count returns the number of vectors appended so far.
func (h *Handle) Count() int { return h.count }

// Size returns the serialized size of the shard so far, header included.
func (h *Handle) Size() int64 { return h.size }

// Open starts a new empty shard for vectors of modelID with dims values.
func (m *Manager) Open(modelID string, dims int) (*Handle, error) {
	if modelID == "" || dims <= 0 {
		return nil, fmt.Errorf("%w: shard needs a model id and positive dims", apperr.ErrValidation)
	}
	h := &Handle{
		header: header{
			ShardID:   uuid.NewString(),
			ModelID:   modelID,
			Dims:      dims,
			Format:    FormatVersion,
			CreatedAt: m.now().UTC(),
		},
		entities: make(map[string]*roaring.Bitmap),
	}
	line, err := json.Marshal(h.header)
	if err != nil {
		return nil, fmt.Errorf("encode shard header: %w", err)
	}
	h.size = int64(len(line) + 1)
	return h, nil
}

// Append adds v to the shard. It fails with apperr.ErrModelMismatch if v
// belongs to a different (model, dims) index, apperr.ErrDimensionMismatch
// if v carries the wrong number of values, apperr.ErrValidation if v is not
// unit length or its metadata violates the schema, and apperr.ErrShardFull
// if adding v would push the shard over its size bound.
func (m *Manager) Append(h *Handle, v vector.Vector) error {
	if !h.busy.CompareAndSwap(false, true) {
		return ErrHandleBusy
	}
	defer h.busy.Store(false)

	if h.closed {
		return ErrHandleClosed
	}
	if v.ModelID != h.header.ModelID || v.Dims != h.header.Dims {
		return fmt.Errorf("%w: shard %s holds %s/%d, vector %s is %s/%d",
			apperr.ErrModelMismatch, h.header.ShardID, h.header.ModelID, h.header.Dims, v.ID, v.ModelID, v.Dims)
	}
	line, v, err := m.prepare(v)
	if err != nil {
		return err
	}
	lineSize := int64(len(line) + 1)
	if h.size+lineSize > m.maxBytes {
		if h.count == 0 {
			return fmt.Errorf("%w: vector %s needs %d bytes, shard bound is %d",
				apperr.ErrValidation, v.ID, h.size+lineSize, m.maxBytes)
		}
		return fmt.Errorf("%w: shard %s at %d of %d bytes", apperr.ErrShardFull, h.header.ShardID, h.size, m.maxBytes)
	}

	row := uint32(h.count)
	h.lines.Write(line)
	h.lines.WriteByte('\n')
	h.size += lineSize
	h.count++

	if h.minID == "" || v.ID < h.minID {
		h.minID = v.ID
	}
	if v.ID > h.maxID {
		h.maxID = v.ID
	}

	t, ok := metadata.Modified(v.Metadata)
	if !ok {
		t = h.header.CreatedAt
	}
	t = t.UTC()
	if h.minTime.IsZero() || t.Before(h.minTime) {
		h.minTime = t
	}
	if t.After(h.maxTime) {
		h.maxTime = t
	}

	if entity := metadata.StringValue(v.Metadata, metadata.KeyEntityType); entity != "" {
		bm, ok := h.entities[entity]
		if !ok {
			bm = roaring.New()
			h.entities[entity] = bm
		}
		bm.Add(row)
	}
	return nil
}

// Check reports whether v would be accepted by an empty shard of its
// index, without appending it.
func (m *Manager) Check(v vector.Vector) error {
	line, v, err := m.prepare(v)
	if err != nil {
		return err
	}
	h, err := m.Open(v.ModelID, v.Dims)
	if err != nil {
		return err
	}
	if size := h.size + int64(len(line)+1); size > m.maxBytes {
		return fmt.Errorf("%w: vector %s needs %d bytes, shard bound is %d",
			apperr.ErrValidation, v.ID, size, m.maxBytes)
	}
	return nil
}

// prepare validates v, normalizes its metadata and encodes its row.
func (m *Manager) prepare(v vector.Vector) ([]byte, vector.Vector, error) {
	if v.ID == "" {
		return nil, v, fmt.Errorf("%w: vector id is required", apperr.ErrValidation)
	}
	if err := v.Check(); err != nil {
		return nil, v, err
	}
	if m.schema != nil {
		meta, err := m.schema.Validate(v.Metadata)
		if err != nil {
			return nil, v, fmt.Errorf("vector %s: %w", v.ID, err)
		}
		v.Metadata = meta
	}

	line, err := json.Marshal(v)
	if err != nil {
		return nil, v, fmt.Errorf("encode vector %s: %w", v.ID, err)
	}
	if size := int64(len(line) + 1); size > m.maxBytes {
		return nil, v, fmt.Errorf("%w: vector %s needs %d bytes, shard bound is %d",
			apperr.ErrValidation, v.ID, size, m.maxBytes)
	}
	return line, v, nil
}

// Close writes the shard object, then its manifest, and returns the
// manifest. An empty shard cannot be closed.
func (m *Manager) Close(ctx context.Context, h *Handle) (*Manifest, error) {
	if !h.busy.CompareAndSwap(false, true) {
		return nil, ErrHandleBusy
	}
	defer h.busy.Store(false)

	if h.closed {
		return nil, ErrHandleClosed
	}
	if h.count == 0 {
		return nil, fmt.Errorf("%w: shard %s is empty", apperr.ErrValidation, h.header.ShardID)
	}

	headerLine, err := json.Marshal(h.header)
	if err != nil {
		return nil, fmt.Errorf("encode shard header: %w", err)
	}
	body := make([]byte, 0, h.size)
	body = append(body, headerLine...)
	body = append(body, '\n')
	body = append(body, h.lines.Bytes()...)

	digest := sha256.Sum256(body)
	data, err := codec.Encode(m.codec, body)
	if err != nil {
		return nil, err
	}

	key, err := m.putShard(ctx, h.header.CreatedAt, data)
	if err != nil {
		return nil, err
	}

	entities, err := serializeBitmaps(h.entities)
	if err != nil {
		return nil, err
	}
	manifest := &Manifest{
		ShardID:     h.header.ShardID,
		ObjectKey:   key,
		ModelID:     h.header.ModelID,
		Dims:        h.header.Dims,
		Count:       h.count,
		SizeBytes:   int64(len(body)),
		StoredBytes: int64(len(data)),
		MinID:       h.minID,
		MaxID:       h.maxID,
		MinTime:     h.minTime,
		MaxTime:     h.maxTime,
		CreatedAt:   m.now().UTC(),
		Checksum:    hex.EncodeToString(digest[:]),
		Entities:    entities,
	}

	manifestData, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	manifestKey := ManifestKey(manifest.ModelID, manifest.Dims, manifest.ShardID)
	if _, err := m.store.Put(ctx, manifestKey, manifestData); err != nil {
		return nil, fmt.Errorf("write manifest %s: %w", manifestKey, err)
	}

	h.closed = true
	h.lines = bytes.Buffer{}

	m.logger.Info("closed shard",
		"shard_id", manifest.ShardID,
		"key", key,
		"model", manifest.ModelID,
		"dims", manifest.Dims,
		"count", manifest.Count,
		"bytes", manifest.SizeBytes,
	)
	return manifest, nil
}

// putShard claims the next free shard key in the indexed partition for day.
func (m *Manager) putShard(ctx context.Context, day time.Time, data []byte) (string, error) {
	prefix := objectstore.PartitionPrefix(records.StageIndexed, day)
	for attempt := 0; attempt < 5; attempt++ {
		keys, err := m.store.List(ctx, prefix)
		if err != nil {
			return "", fmt.Errorf("list %s: %w", prefix, err)
		}
		key := objectstore.ObjectKey(records.StageIndexed, day, objectstore.NextSequence(keys))
		_, err = m.store.PutIfAbsent(ctx, key, data)
		if errors.Is(err, objectstore.ErrExists) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("write shard %s: %w", key, err)
		}
		return key, nil
	}
	return "", fmt.Errorf("%w: could not claim a shard key under %s", apperr.ErrTransientIO, prefix)
}
