// Package indexer turns raw records into searchable shards: each raw record
// is derived into a document, chunked, embedded and appended to the shards
// of the producer's model.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/embedding"
	"github.com/bull/shardsearch/internal/markdown"
	"github.com/bull/shardsearch/internal/metadata"
	"github.com/bull/shardsearch/internal/objectstore"
	"github.com/bull/shardsearch/internal/records"
	"github.com/bull/shardsearch/internal/shard"
)

// Schema versions of the records each stage writes.
const (
	DerivedSchemaVersion  = 1
	ChunkedSchemaVersion  = 1
	EmbeddedSchemaVersion = 1
)

// stageBatch is the number of records buffered before a stage object is written.
const stageBatch = 500

// Publisher receives every shard the pipeline closes.
type Publisher interface {
	PublishShard(ctx context.Context, sh *shard.Shard) error
}

// Options configures a Pipeline.
type Options struct {
	// Range limits the raw partitions read. The zero value reads all.
	Range        records.DateRange
	Chunker      *markdown.Chunker
	Schema       metadata.Schema
	SnippetChars int
	// Publisher, when set, mirrors closed shards. Publish failures are
	// reported in the result and do not fail the run.
	Publisher Publisher
	Logger    *slog.Logger
}

// IndexResult contains statistics about an indexing operation.
type IndexResult struct {
	RunID             string
	ModelID           string
	Dims              int
	TotalRecords      int
	SkippedRecords    int
	SuccessfulRecords int
	FailedRecords     []FailedRecord
	CorruptRecords    int
	TotalChunks       int
	Shards            []*shard.Manifest
	PublishFailures   int
	Duration          time.Duration
}

// FailedRecord represents a raw record that failed to index.
type FailedRecord struct {
	EntityType string
	SourceID   string
	Reason     string
}

// Pipeline orchestrates indexing from raw records to shards.
type Pipeline struct {
	objects  objectstore.Store
	records  *records.Store
	producer *embedding.Producer
	shards   *shard.Manager
	opts     Options
	logger   *slog.Logger
}

// NewPipeline creates a new indexing pipeline with the given components.
func NewPipeline(
	objects objectstore.Store,
	store *records.Store,
	producer *embedding.Producer,
	shards *shard.Manager,
	opts Options,
) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Chunker == nil {
		opts.Chunker = markdown.NewChunker()
	}
	if opts.Schema == nil {
		opts.Schema = metadata.DefaultSchema()
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = metadata.DefaultSnippetChars
	}
	return &Pipeline{
		objects:  objects,
		records:  store,
		producer: producer,
		shards:   shards,
		opts:     opts,
		logger:   opts.Logger,
	}
}

type derivedPayload struct {
	Title    string         `json:"title"`
	Markdown string         `json:"markdown"`
	Meta     map[string]any `json:"meta"`
}

type chunkPayload struct {
	Index      int    `json:"index"`
	HeaderPath string `json:"header_path,omitempty"`
	Content    string `json:"content"`
	RawContent string `json:"raw_content"`
}

// embeddedPayload marks a raw record as indexed under one model.
type embeddedPayload struct {
	ModelID   string   `json:"model_id"`
	Dims      int      `json:"dims"`
	VectorIDs []string `json:"vector_ids"`
}

// run holds the state of one IndexAll call.
type run struct {
	id      string
	day     time.Time
	modelID string
	dims    int
	writer  *shard.Writer

	derived  []records.Record
	chunked  []records.Record
	embedded []records.Record
}

// IndexAll indexes every raw record not yet embedded with the producer's
// model. Stage records are written as the run goes; the embedded markers
// that let later runs skip a record are written only after its shards are
// committed.
func (p *Pipeline) IndexAll(ctx context.Context) (*IndexResult, error) {
	start := time.Now()
	model := p.producer.Model()
	r := &run{
		id:      uuid.NewString(),
		day:     start.UTC(),
		modelID: model.ID(),
		dims:    model.Dims(),
		writer:  p.shards.NewWriter(model.ID(), model.Dims()),
	}
	result := &IndexResult{RunID: r.id, ModelID: r.modelID, Dims: r.dims}
	p.logger.Info("Starting indexing", "run_id", r.id, "model", r.modelID, "dims", r.dims)

	// 1. Find records already embedded with this model
	done, err := p.embeddedOrigins(ctx, r.modelID, r.dims, result)
	if err != nil {
		return nil, fmt.Errorf("read embedded stage: %w", err)
	}

	// 2. Collect the latest version of every raw record
	raws, err := p.latestRaw(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("read raw stage: %w", err)
	}
	result.TotalRecords = len(raws)
	p.logger.Info("Found records", "count", len(raws), "already_indexed", len(done))

	// 3. Process each record
	for _, raw := range raws {
		if done[raw.Checksum] {
			result.SkippedRecords++
			continue
		}
		chunks, err := p.processRecord(ctx, r, raw)
		if errors.Is(err, errFatal) {
			return nil, err
		}
		if err != nil {
			p.logger.Warn("Failed to process record", "entity", raw.EntityType, "id", raw.SourceID, "error", err)
			result.FailedRecords = append(result.FailedRecords, FailedRecord{
				EntityType: raw.EntityType,
				SourceID:   raw.SourceID,
				Reason:     err.Error(),
			})
			continue // Skip bad records, continue with others
		}
		result.SuccessfulRecords++
		result.TotalChunks += chunks

		if err := p.flushStages(ctx, r, stageBatch); err != nil {
			return nil, err
		}
	}

	// 4. Commit the last shard
	manifests, err := r.writer.Flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("flush shards: %w", err)
	}
	result.Shards = manifests

	// 5. Mark records as embedded, now that their vectors are durable
	if err := p.flushStages(ctx, r, 1); err != nil {
		return nil, err
	}
	if len(r.embedded) > 0 {
		if _, _, err := p.records.Write(ctx, records.StageEmbedded, r.day, r.embedded); err != nil {
			return nil, fmt.Errorf("write embedded stage: %w", err)
		}
	}

	// 6. Mirror the new shards
	if p.opts.Publisher != nil {
		for _, m := range manifests {
			if err := p.publish(ctx, m); err != nil {
				p.logger.Warn("Failed to publish shard", "shard", m.ShardID, "error", err)
				result.PublishFailures++
			}
		}
	}

	result.Duration = time.Since(start)
	p.logger.Info("Indexing complete",
		"successful", result.SuccessfulRecords,
		"skipped", result.SkippedRecords,
		"failed", len(result.FailedRecords),
		"chunks", result.TotalChunks,
		"shards", len(result.Shards),
		"duration", result.Duration,
	)
	return result, nil
}

// errFatal marks errors that leave the shard writer unusable.
var errFatal = errors.New("indexing aborted")

// processRecord derives, chunks and embeds one raw record.
// Returns the number of chunks created for the record.
func (p *Pipeline) processRecord(ctx context.Context, r *run, raw records.Record) (int, error) {
	// Derive
	doc, err := metadata.Derive(raw.EntityType, raw.SourceID, raw.Payload)
	if err != nil {
		return 0, fmt.Errorf("derive: %w", err)
	}
	meta, err := p.opts.Schema.Validate(doc.Meta)
	if err != nil {
		return 0, fmt.Errorf("metadata: %w", err)
	}
	derived, err := newRecord(records.StageDerived, raw, DerivedSchemaVersion, r.id, raw.Checksum,
		derivedPayload{Title: doc.Title, Markdown: doc.Markdown, Meta: meta})
	if err != nil {
		return 0, err
	}

	// Chunk
	chunks, err := p.opts.Chunker.ChunkDocument([]byte(doc.Markdown))
	if err != nil {
		return 0, fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("chunk: document produced no chunks")
	}
	p.logger.Debug("Chunked record", "entity", raw.EntityType, "id", raw.SourceID, "chunks", len(chunks))

	parentID := raw.EntityType + ":" + raw.SourceID
	inputs := make([]embedding.Chunk, len(chunks))
	chunked := make([]records.Record, len(chunks))
	for i, c := range chunks {
		rec, err := newRecord(records.StageChunked, raw, ChunkedSchemaVersion, r.id, derived.Checksum, chunkPayload{
			Index:      c.Index,
			HeaderPath: c.HeaderPath,
			Content:    c.Content,
			RawContent: c.RawContent,
		})
		if err != nil {
			return 0, err
		}
		rec.SourceID = raw.SourceID + "#" + strconv.Itoa(c.Index)
		if rec.Checksum, err = records.Checksum(rec.EntityType, rec.SourceID, rec.SchemaVersion, rec.Payload); err != nil {
			return 0, err
		}
		chunked[i] = rec

		chunkMeta := make(map[string]any, len(meta)+5)
		for k, v := range meta {
			chunkMeta[k] = v
		}
		chunkMeta["header_path"] = c.HeaderPath
		chunkMeta["chunk_index"] = float64(c.Index)
		chunkMeta[metadata.KeyParentID] = parentID
		chunkMeta[metadata.KeyRunID] = r.id
		chunkMeta[metadata.KeySnippet] = metadata.Snippet(c.RawContent, p.opts.SnippetChars)

		inputs[i] = embedding.Chunk{
			ID:       parentID + "#" + strconv.Itoa(c.Index),
			Text:     c.Content, // Content already has header path prepended
			Metadata: chunkMeta,
		}
	}

	// Embed
	vectors, err := p.producer.Embed(ctx, inputs, r.modelID, r.dims)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	// A record is appended whole or not at all.
	for _, v := range vectors {
		if err := r.writer.Check(v); err != nil {
			if errors.Is(err, apperr.ErrValidation) {
				return 0, fmt.Errorf("append %s: %w", v.ID, err)
			}
			return 0, fmt.Errorf("%w: append %s: %v", errFatal, v.ID, err)
		}
	}

	// Append to shards
	ids := make([]string, len(vectors))
	for i, v := range vectors {
		if err := r.writer.Append(ctx, v); err != nil {
			if errors.Is(err, apperr.ErrValidation) {
				return 0, fmt.Errorf("append %s: %w", v.ID, err)
			}
			return 0, fmt.Errorf("%w: append %s: %v", errFatal, v.ID, err)
		}
		ids[i] = v.ID
	}

	marker, err := newRecord(records.StageEmbedded, raw, EmbeddedSchemaVersion, r.id, chunked[len(chunked)-1].Checksum,
		embeddedPayload{ModelID: r.modelID, Dims: r.dims, VectorIDs: ids})
	if err != nil {
		return 0, err
	}

	r.derived = append(r.derived, derived)
	r.chunked = append(r.chunked, chunked...)
	r.embedded = append(r.embedded, marker)
	return len(chunks), nil
}

// newRecord builds a stage record descending from raw.
func newRecord(stage string, raw records.Record, version int, runID, parent string, payload any) (records.Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return records.Record{}, fmt.Errorf("encode %s payload: %w", stage, err)
	}
	rec := records.Record{
		Stage:          stage,
		EntityType:     raw.EntityType,
		SourceID:       raw.SourceID,
		SchemaVersion:  version,
		ParentChecksum: parent,
		OriginChecksum: raw.Checksum,
		RunID:          runID,
		Payload:        body,
	}
	rec.Checksum, err = records.Checksum(rec.EntityType, rec.SourceID, rec.SchemaVersion, rec.Payload)
	if err != nil {
		return records.Record{}, err
	}
	return rec, nil
}

// flushStages writes buffered derived and chunked records once at least
// threshold of them are pending.
func (p *Pipeline) flushStages(ctx context.Context, r *run, threshold int) error {
	if len(r.derived) >= threshold && len(r.derived) > 0 {
		if _, _, err := p.records.Write(ctx, records.StageDerived, r.day, r.derived); err != nil {
			return fmt.Errorf("write derived stage: %w", err)
		}
		r.derived = r.derived[:0]
	}
	if len(r.chunked) >= threshold && len(r.chunked) > 0 {
		if _, _, err := p.records.Write(ctx, records.StageChunked, r.day, r.chunked); err != nil {
			return fmt.Errorf("write chunked stage: %w", err)
		}
		r.chunked = r.chunked[:0]
	}
	return nil
}

// embeddedOrigins returns the raw checksums already embedded with the model.
func (p *Pipeline) embeddedOrigins(ctx context.Context, modelID string, dims int, result *IndexResult) (map[string]bool, error) {
	done := make(map[string]bool)
	for rec, err := range p.records.Read(ctx, records.StageEmbedded, records.DateRange{}, nil) {
		if errors.Is(err, apperr.ErrCorruption) {
			result.CorruptRecords++
			continue
		}
		if err != nil {
			return nil, err
		}
		var marker embeddedPayload
		if err := json.Unmarshal(rec.Payload, &marker); err != nil {
			result.CorruptRecords++
			continue
		}
		if marker.ModelID == modelID && marker.Dims == dims {
			done[rec.OriginChecksum] = true
		}
	}
	return done, nil
}

// latestRaw reads the raw stage and keeps, per (entity type, source id), the
// record read last. Objects are read in key order, so later ingests win.
func (p *Pipeline) latestRaw(ctx context.Context, result *IndexResult) ([]records.Record, error) {
	type key struct{ entity, id string }
	var (
		order  []key
		latest = make(map[key]records.Record)
	)
	for rec, err := range p.records.Read(ctx, records.StageRaw, p.opts.Range, nil) {
		if errors.Is(err, apperr.ErrCorruption) {
			result.CorruptRecords++
			p.logger.Warn("Skipping corrupt raw record", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		k := key{rec.EntityType, rec.SourceID}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = rec
	}

	out := make([]records.Record, len(order))
	for i, k := range order {
		out[i] = latest[k]
	}
	return out, nil
}

func (p *Pipeline) publish(ctx context.Context, m *shard.Manifest) error {
	sh, err := shard.Load(ctx, p.objects, m)
	if err != nil {
		return err
	}
	return p.opts.Publisher.PublishShard(ctx, sh)
}
