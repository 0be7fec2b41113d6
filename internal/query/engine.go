// Package query answers similarity queries against the shard index.
//
// A query runs Validate, Embed, Select, Filter, Score, Rank and Respond in
// order. The engine is read-only and never retries: callers see storage
// failures as they happen.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/embedding"
	"github.com/bull/shardsearch/internal/metadata"
	"github.com/bull/shardsearch/internal/objectstore"
	"github.com/bull/shardsearch/internal/shard"
	"github.com/bull/shardsearch/internal/vector"
)

// Defaults for Options.
const (
	DefaultK               = 5
	DefaultMaxK            = 50
	DefaultMaxQueryLength  = 2048
	DefaultLoadParallelism = 4
	DefaultManifestTTL     = 5 * time.Second

	// hybridDepth is how many dense candidates per requested result are
	// handed to the reranker.
	hybridDepth = 4
)

// Options configures an Engine.
type Options struct {
	DefaultK        int
	MaxK            int
	MaxQueryLength  int
	LoadParallelism int
	ManifestTTL     time.Duration
	MaxCachedShards int
	Reranker        Reranker
	Logger          *slog.Logger
}

// Engine runs similarity queries.
type Engine struct {
	catalog   *shard.Catalog
	producer  *embedding.Producer
	shards    *ShardCache
	manifests *manifestCache
	opts      Options
	logger    *slog.Logger
}

// NewEngine creates an engine reading shards from store and embedding
// queries with producer.
func NewEngine(store objectstore.Store, producer *embedding.Producer, opts Options) *Engine {
	if opts.DefaultK <= 0 {
		opts.DefaultK = DefaultK
	}
	if opts.MaxK <= 0 {
		opts.MaxK = DefaultMaxK
	}
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = DefaultMaxQueryLength
	}
	if opts.LoadParallelism <= 0 {
		opts.LoadParallelism = DefaultLoadParallelism
	}
	if opts.ManifestTTL < 0 {
		opts.ManifestTTL = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	catalog := shard.NewCatalog(store)
	return &Engine{
		catalog:   catalog,
		producer:  producer,
		shards:    NewShardCache(store, opts.MaxCachedShards),
		manifests: newManifestCache(catalog, opts.ManifestTTL),
		opts:      opts,
		logger:    opts.Logger,
	}
}

// Model reports the index the engine queries.
func (e *Engine) Model() ModelInfo {
	m := e.producer.Model()
	return ModelInfo{ID: m.ID(), Dims: m.Dims()}
}

// Indexes lists the indexes present in the store.
func (e *Engine) Indexes(ctx context.Context) ([]shard.IndexInfo, error) {
	return e.catalog.Indexes(ctx)
}

type bounds struct {
	since, until time.Time
}

// Search runs req and returns ranked results.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	var timing Timing

	// Validate
	phase := time.Now()
	b, err := e.validate(&req)
	if err != nil {
		return nil, err
	}
	timing.Validate = ms(time.Since(phase))

	// Embed
	phase = time.Now()
	model := e.Model()
	if err := e.checkIndex(ctx, model); err != nil {
		return nil, err
	}
	vecs, err := e.producer.Embed(ctx, []embedding.Chunk{{ID: "query", Text: req.Q}}, model.ID, model.Dims)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := vecs[0].Values
	timing.Embed = ms(time.Since(phase))

	// Select
	phase = time.Now()
	manifests, bad, err := e.manifests.get(ctx, model.ID, model.Dims)
	if err != nil {
		return nil, err
	}
	var warnings []string
	for _, err := range bad {
		warnings = append(warnings, err.Error())
	}
	selected := selectShards(manifests, req.Filter.Entity, b)
	// Newer versions of a record may sit in shards outside the time bounds,
	// so supersession is resolved over every shard that can hold the entity.
	universe := selectShards(manifests, req.Filter.Entity, bounds{})
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no shards of index %s/%d match the filters", apperr.ErrNotFound, model.ID, model.Dims)
	}
	timing.Select = ms(time.Since(phase))

	// Load, Filter and Score
	depth := req.K
	if req.Mode == ModeHybrid {
		depth = req.K * hybridDepth
	}
	scan, err := e.scan(ctx, universe, selected, queryVec, req.Filter, b, depth)
	if err != nil {
		return nil, err
	}
	timing.Load = scan.load
	timing.Score = scan.score
	warnings = append(warnings, scan.warnings...)

	if scan.valid == 0 && scan.corrupt > 0 {
		return nil, fmt.Errorf("%w: all %d candidate records are corrupt", apperr.ErrCorruption, scan.corrupt)
	}

	// Rank
	phase = time.Now()
	results, err := e.rank(ctx, req, scan.top)
	if err != nil {
		return nil, err
	}
	timing.Rank = ms(time.Since(phase))
	timing.Total = ms(time.Since(start))

	if warnings == nil {
		warnings = []string{}
	}
	e.logger.Debug("query served",
		"k", req.K,
		"mode", req.Mode,
		"shards", len(selected),
		"candidates", scan.matched,
		"results", len(results),
		"warnings", len(warnings),
		"total_ms", timing.Total,
	)

	return &Response{
		Query:    req.Q,
		K:        req.K,
		Mode:     req.Mode,
		Filters:  req.Filter,
		Results:  results,
		Model:    model,
		TimingMS: timing,
		Warnings: warnings,
	}, nil
}

// validate fills defaults and checks req. Since and until are returned parsed.
func (e *Engine) validate(req *Request) (bounds, error) {
	var b bounds

	req.Q = strings.TrimSpace(req.Q)
	if req.Q == "" {
		return b, fmt.Errorf("%w: q is required", apperr.ErrValidation)
	}
	if n := utf8.RuneCountInString(req.Q); n > e.opts.MaxQueryLength {
		return b, fmt.Errorf("%w: query is %d characters, limit is %d", apperr.ErrQueryTooLarge, n, e.opts.MaxQueryLength)
	}

	if req.K == 0 {
		req.K = e.opts.DefaultK
	}
	if req.K < 1 || req.K > e.opts.MaxK {
		return b, fmt.Errorf("%w: k must be between 1 and %d", apperr.ErrValidation, e.opts.MaxK)
	}

	if math.IsNaN(req.Threshold) || req.Threshold < 0 || req.Threshold > 1 {
		return b, fmt.Errorf("%w: threshold must be between 0 and 1", apperr.ErrValidation)
	}

	switch req.Mode {
	case "":
		req.Mode = ModeDense
	case ModeDense:
	case ModeHybrid:
		if e.opts.Reranker == nil {
			return b, fmt.Errorf("%w: hybrid mode is not configured", apperr.ErrValidation)
		}
	default:
		return b, fmt.Errorf("%w: unknown mode %q", apperr.ErrValidation, req.Mode)
	}

	var err error
	if req.Filter.Since != "" {
		if b.since, err = time.Parse(time.RFC3339, req.Filter.Since); err != nil {
			return b, fmt.Errorf("%w: filter.since must be RFC 3339", apperr.ErrValidation)
		}
	}
	if req.Filter.Until != "" {
		if b.until, err = time.Parse(time.RFC3339, req.Filter.Until); err != nil {
			return b, fmt.Errorf("%w: filter.until must be RFC 3339", apperr.ErrValidation)
		}
	}
	if !b.since.IsZero() && !b.until.IsZero() && b.since.After(b.until) {
		return b, fmt.Errorf("%w: filter.since is after filter.until", apperr.ErrValidation)
	}
	return b, nil
}

// checkIndex fails before any shard is opened when no index matches the
// query model.
func (e *Engine) checkIndex(ctx context.Context, model ModelInfo) error {
	indexes, err := e.catalog.Indexes(ctx)
	if err != nil {
		return err
	}
	if len(indexes) == 0 {
		return fmt.Errorf("%w: no index has been built", apperr.ErrNotFound)
	}

	available := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		if idx.ModelID == model.ID && idx.Dims == model.Dims {
			return nil
		}
		available = append(available, fmt.Sprintf("%s/%d", idx.ModelID, idx.Dims))
	}
	return fmt.Errorf("%w: query model %s/%d matches no index (have %s)",
		apperr.ErrDimensionMismatch, model.ID, model.Dims, strings.Join(available, ", "))
}

func selectShards(manifests []*shard.Manifest, entity string, b bounds) []*shard.Manifest {
	var out []*shard.Manifest
	for _, m := range manifests {
		if !m.Overlaps(b.since, b.until) {
			continue
		}
		if entity != "" && !m.HasEntity(entity) {
			continue
		}
		out = append(out, m)
	}
	return out
}

type scanResult struct {
	top      *topK
	valid    int // readable vectors in the selected shards
	matched  int // vectors that passed the filter
	corrupt  int
	warnings []string
	load     float64
	score    float64
}

// scan loads every shard of universe with bounded parallelism, resolves
// which indexing run holds the current version of each record, then
// scores the vectors of the selected shards that pass the filter. Each
// shard keeps its own top-K, merged at the end.
func (e *Engine) scan(ctx context.Context, universe, selected []*shard.Manifest, q []float32, f Filter, b bounds, depth int) (*scanResult, error) {
	res := &scanResult{top: newTopK(depth)}
	isSelected := make(map[string]bool, len(selected))
	for _, m := range selected {
		isSelected[m.ShardID] = true
	}

	var mu sync.Mutex
	loaded := make([]*shard.Shard, len(universe))
	loadStart := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.LoadParallelism)
	for i, m := range universe {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := e.shards.Get(gctx, m)
			if err != nil {
				if errors.Is(err, apperr.ErrCorruption) || errors.Is(err, apperr.ErrNotFound) {
					mu.Lock()
					if isSelected[m.ShardID] {
						res.corrupt += m.Count
					}
					res.warnings = append(res.warnings, fmt.Sprintf("skipped shard %s: %v", m.ShardID, err))
					mu.Unlock()
					e.logger.Warn("skipping unreadable shard", "shard_id", m.ShardID, "error", err)
					return nil
				}
				return fmt.Errorf("load shard %s: %w", m.ShardID, err)
			}
			loaded[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.load = ms(time.Since(loadStart))

	scoreStart := time.Now()
	latest := latestVersions(loaded)

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(e.opts.LoadParallelism)
	for _, s := range loaded {
		if s == nil || !isSelected[s.Manifest.ShardID] {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			local, matched, err := scoreShard(s, q, f, b, depth, latest)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			res.top.merge(local)
			res.valid += len(s.Vectors)
			res.matched += matched
			res.corrupt += len(s.Corrupt)
			if len(s.Corrupt) > 0 {
				res.warnings = append(res.warnings,
					fmt.Sprintf("shard %s: skipped %d corrupt records", s.Manifest.ShardID, len(s.Corrupt)))
			}
			if s.ChecksumMismatch {
				res.warnings = append(res.warnings,
					fmt.Sprintf("shard %s: content does not match its manifest checksum", s.Manifest.ShardID))
				e.logger.Warn("shard checksum mismatch", "shard_id", s.Manifest.ShardID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.score = ms(time.Since(scoreStart))
	return res, nil
}

// recordKey identifies the source record a vector was derived from.
// Vectors that do not name their source stand alone.
func recordKey(v vector.Vector) string {
	source := metadata.StringValue(v.Metadata, metadata.KeySourceID)
	if source == "" {
		return "id:" + v.ID
	}
	return metadata.StringValue(v.Metadata, metadata.KeyEntityType) + ":" + source
}

// versionOf names the indexing run that wrote v. Vectors without a run id
// are versioned by their shard.
func versionOf(v vector.Vector, s *shard.Shard) string {
	if run := metadata.StringValue(v.Metadata, metadata.KeyRunID); run != "" {
		return run
	}
	return "shard:" + s.Manifest.ShardID
}

// latestVersions maps each record to the version found in the newest shard
// holding it. shards must be ordered oldest first; nil entries are skipped.
func latestVersions(shards []*shard.Shard) map[string]string {
	latest := make(map[string]string)
	for _, s := range shards {
		if s == nil {
			continue
		}
		for _, v := range s.Vectors {
			latest[recordKey(v)] = versionOf(v, s)
		}
	}
	return latest
}

// scoreShard filters and scores one shard, skipping vectors superseded by
// a newer version of their record. It returns the shard's top-K and how
// many vectors passed the filter.
func scoreShard(s *shard.Shard, q []float32, f Filter, b bounds, depth int, latest map[string]string) (*topK, int, error) {
	top := newTopK(depth)

	var rows *roaring.Bitmap
	if f.Entity != "" {
		bm, err := s.Manifest.EntityRows(f.Entity)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", apperr.ErrCorruption, err)
		}
		rows = bm
	}

	matched := 0
	for i, v := range s.Vectors {
		if rows != nil && !rows.Contains(s.Rows[i]) {
			continue
		}
		if f.ID != "" && v.ID != f.ID {
			continue
		}
		if latest[recordKey(v)] != versionOf(v, s) {
			continue
		}
		if !b.since.IsZero() || !b.until.IsZero() {
			t, ok := metadata.Modified(v.Metadata)
			if !ok || (!b.since.IsZero() && t.Before(b.since)) || (!b.until.IsZero() && t.After(b.until)) {
				continue
			}
		}
		matched++
		top.offer(candidate{id: v.ID, score: vector.Dot(q, v.Values), meta: v.Metadata})
	}
	return top, matched, nil
}

// rank orders the merged candidates, reranks them in hybrid mode, keeps k
// and then drops anything under the threshold.
func (e *Engine) rank(ctx context.Context, req Request, top *topK) ([]Result, error) {
	ordered := top.sorted()
	results := make([]Result, len(ordered))
	for i, c := range ordered {
		results[i] = toResult(c)
	}

	if req.Mode == ModeHybrid {
		reranked, err := e.opts.Reranker.Rerank(ctx, req.Q, results)
		if err != nil {
			return nil, fmt.Errorf("rerank: %w", err)
		}
		again := newTopK(req.K)
		for _, r := range reranked {
			again.offer(candidate{id: r.ID, score: r.Score, meta: r.Meta})
		}
		results = results[:0]
		for _, c := range again.sorted() {
			results = append(results, toResult(c))
		}
	}

	if len(results) > req.K {
		results = results[:req.K]
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		if req.Threshold > 0 && r.Score < req.Threshold {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func toResult(c candidate) Result {
	var meta map[string]any
	if len(c.meta) > 0 {
		meta = make(map[string]any, len(c.meta))
		for k, v := range c.meta {
			if k != metadata.KeySnippet {
				meta[k] = v
			}
		}
	}
	return Result{
		ID:      c.id,
		Score:   c.score,
		Snippet: metadata.StringValue(c.meta, metadata.KeySnippet),
		Meta:    meta,
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
