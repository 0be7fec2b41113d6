package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/embedding"
	"github.com/bull/shardsearch/internal/metadata"
	"github.com/bull/shardsearch/internal/objectstore"
	"github.com/bull/shardsearch/internal/shard"
	"github.com/bull/shardsearch/internal/vector"
)

// axisModel embeds every text as the first basis vector, so a stored
// vector's score is its first component.
type axisModel struct {
	id    string
	dims  int
	calls atomic.Int32
}

func (m *axisModel) ID() string { return m.id }
func (m *axisModel) Dims() int  { return m.dims }

func (m *axisModel) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, m.dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

const testModel = "axis@1"

type item struct {
	id       string
	score    float64
	entity   string
	modified string
	snippet  string
	run      string
}

// scored builds a unit vector whose dot product with the first axis is score.
func scored(it item, dims int) vector.Vector {
	values := make([]float32, dims)
	values[0] = float32(it.score)
	values[1] = float32(math.Sqrt(1 - it.score*it.score))
	entity := it.entity
	if entity == "" {
		entity = "comic"
	}
	meta := map[string]any{
		metadata.KeyEntityType: entity,
		metadata.KeySourceID:   it.id,
	}
	if it.modified != "" {
		meta[metadata.KeyModified] = it.modified
	}
	if it.snippet != "" {
		meta[metadata.KeySnippet] = it.snippet
	}
	if it.run != "" {
		meta[metadata.KeyRunID] = it.run
	}
	return vector.Vector{ID: it.id, Values: values, ModelID: testModel, Dims: dims, Metadata: meta}
}

func buildIndex(t *testing.T, store objectstore.Store, dims int, maxBytes int64, items ...item) []*shard.Manifest {
	t.Helper()
	m, err := shard.NewManager(store, shard.Options{MaxBytes: maxBytes, Schema: metadata.DefaultSchema()})
	require.NoError(t, err)

	w := m.NewWriter(testModel, dims)
	for _, it := range items {
		require.NoError(t, w.Append(context.Background(), scored(it, dims)))
	}
	manifests, err := w.Flush(context.Background())
	require.NoError(t, err)
	return manifests
}

func newTestEngine(store objectstore.Store, dims int, opts Options) (*Engine, *axisModel) {
	model := &axisModel{id: testModel, dims: dims}
	return NewEngine(store, embedding.NewProducer(model, nil), opts), model
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestSearch_RankingScenario(t *testing.T) {
	store := objectstore.NewMemoryStore()
	buildIndex(t, store, 4, 0,
		item{id: "A", score: 0.90},
		item{id: "B", score: 0.95},
		item{id: "C", score: 0.80},
	)
	e, _ := newTestEngine(store, 4, Options{})

	resp, err := e.Search(context.Background(), Request{Q: "avengers", K: 2, Threshold: 0.85})
	require.NoError(t, err)

	require.Equal(t, []string{"B", "A"}, ids(resp.Results))
	assert.InDelta(t, 0.95, resp.Results[0].Score, 1e-6)
	assert.InDelta(t, 0.90, resp.Results[1].Score, 1e-6)
	assert.Equal(t, ModelInfo{ID: testModel, Dims: 4}, resp.Model)
	assert.Equal(t, 2, resp.K)
	assert.Equal(t, ModeDense, resp.Mode)
	assert.Empty(t, resp.Warnings)
	assert.GreaterOrEqual(t, resp.TimingMS.Total, 0.0)
}

func TestSearch_ThresholdZeroReturnsFullOrdering(t *testing.T) {
	store := objectstore.NewMemoryStore()
	items := []item{
		{id: "d", score: 0.5},
		{id: "b", score: 0.7},
		{id: "a", score: 0.7},
		{id: "neg", score: -0.3},
		{id: "c", score: 0.9},
		{id: "e", score: 0.1},
	}
	// A small bound spreads the vectors over several shards.
	manifests := buildIndex(t, store, 8, 700, items...)
	require.Greater(t, len(manifests), 1)

	e, _ := newTestEngine(store, 8, Options{})
	resp, err := e.Search(context.Background(), Request{Q: "q", K: 50})
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "b", "d", "e", "neg"}, ids(resp.Results))
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestSearch_DimensionMismatchBeforeShardOpen(t *testing.T) {
	store := &countingStore{Store: objectstore.NewMemoryStore()}
	buildIndex(t, store, 768, 0, item{id: "A", score: 0.9})
	store.gets.Store(0)

	e, model := newTestEngine(store, 384, Options{})
	_, err := e.Search(context.Background(), Request{Q: "q"})

	require.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "axis@1/768")
	assert.Equal(t, int32(0), store.gets.Load(), "no shard or manifest may be read")
	assert.Equal(t, int32(0), model.calls.Load())
	assert.Equal(t, 0, e.shards.Len())
}

func TestSearch_NoIndexIsNotFound(t *testing.T) {
	e, _ := newTestEngine(objectstore.NewMemoryStore(), 4, Options{})
	_, err := e.Search(context.Background(), Request{Q: "q"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 404, apperr.HTTPStatus(err))
}

func TestSearch_Validation(t *testing.T) {
	store := objectstore.NewMemoryStore()
	buildIndex(t, store, 4, 0, item{id: "A", score: 0.9})
	e, _ := newTestEngine(store, 4, Options{MaxQueryLength: 10})

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty query", Request{Q: "   "}, apperr.ErrValidation},
		{"query too long", Request{Q: strings.Repeat("x", 11)}, apperr.ErrQueryTooLarge},
		{"k too large", Request{Q: "q", K: 51}, apperr.ErrValidation},
		{"negative k", Request{Q: "q", K: -1}, apperr.ErrValidation},
		{"threshold above one", Request{Q: "q", Threshold: 1.5}, apperr.ErrValidation},
		{"negative threshold", Request{Q: "q", Threshold: -0.1}, apperr.ErrValidation},
		{"NaN threshold", Request{Q: "q", Threshold: math.NaN()}, apperr.ErrValidation},
		{"bad since", Request{Q: "q", Filter: Filter{Since: "yesterday"}}, apperr.ErrValidation},
		{"since after until", Request{Q: "q", Filter: Filter{Since: "2024-02-01T00:00:00Z", Until: "2024-01-01T00:00:00Z"}}, apperr.ErrValidation},
		{"unknown mode", Request{Q: "q", Mode: "sparse"}, apperr.ErrValidation},
		{"hybrid without reranker", Request{Q: "q", Mode: ModeHybrid}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Search(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	resp, err := e.Search(context.Background(), Request{Q: "q"})
	require.NoError(t, err)
	assert.Equal(t, DefaultK, resp.K)
	assert.Equal(t, 413, apperr.HTTPStatus(fmt.Errorf("wrap: %w", apperr.ErrQueryTooLarge)))
}

func TestSearch_Filters(t *testing.T) {
	store := objectstore.NewMemoryStore()
	buildIndex(t, store, 4, 0,
		item{id: "comic-1", score: 0.9, entity: "comic", modified: "2024-01-10T00:00:00Z"},
		item{id: "comic-2", score: 0.8, entity: "comic", modified: "2024-02-10T00:00:00Z"},
		item{id: "char-1", score: 0.95, entity: "character", modified: "2024-01-15T00:00:00Z"},
		item{id: "char-2", score: 0.7, entity: "character"},
	)
	e, _ := newTestEngine(store, 4, Options{})
	ctx := context.Background()

	resp, err := e.Search(ctx, Request{Q: "q", K: 10, Filter: Filter{Entity: "comic"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"comic-1", "comic-2"}, ids(resp.Results))
	assert.Equal(t, "comic", resp.Filters.Entity)

	resp, err = e.Search(ctx, Request{Q: "q", K: 10, Filter: Filter{ID: "char-2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"char-2"}, ids(resp.Results))

	resp, err = e.Search(ctx, Request{Q: "q", K: 10, Filter: Filter{Since: "2024-01-12T00:00:00Z", Until: "2024-01-31T00:00:00Z"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"char-1"}, ids(resp.Results))

	_, err = e.Search(ctx, Request{Q: "q", Filter: Filter{Entity: "event"}})
	assert.ErrorIs(t, err, apperr.ErrNotFound, "no shard holds the entity")
}

func TestSearch_SnippetAndMeta(t *testing.T) {
	store := objectstore.NewMemoryStore()
	buildIndex(t, store, 4, 0, item{id: "A", score: 0.9, snippet: "Earth's mightiest heroes"})
	e, _ := newTestEngine(store, 4, Options{})

	resp, err := e.Search(context.Background(), Request{Q: "q"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Earth's mightiest heroes", resp.Results[0].Snippet)
	assert.Equal(t, "comic", resp.Results[0].Meta[metadata.KeyEntityType])
	assert.NotContains(t, resp.Results[0].Meta, metadata.KeySnippet)
}

func TestSearch_CorruptRecordIsSkipped(t *testing.T) {
	store := objectstore.NewMemoryStore()
	manifests := buildIndex(t, store, 4, 0,
		item{id: "A", score: 0.90},
		item{id: "B", score: 0.95},
		item{id: "C", score: 0.80},
	)
	ctx := context.Background()

	data, err := store.Get(ctx, manifests[0].ObjectKey)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[2] = `{"id":"B","vector":[0.95,`
	store.Corrupt(manifests[0].ObjectKey, []byte(strings.Join(lines, "\n")+"\n"))

	e, _ := newTestEngine(store, 4, Options{})
	resp, err := e.Search(ctx, Request{Q: "q", K: 5})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, ids(resp.Results))
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "1 corrupt")
}

func TestSearch_ChecksumMismatchWarns(t *testing.T) {
	store := objectstore.NewMemoryStore()
	manifests := buildIndex(t, store, 4, 0, item{id: "A", score: 0.9})
	ctx := context.Background()

	data, err := store.Get(ctx, manifests[0].ObjectKey)
	require.NoError(t, err)
	altered := append(append([]byte{}, data...), '\n')
	store.Corrupt(manifests[0].ObjectKey, altered)

	e, _ := newTestEngine(store, 4, Options{})
	resp, err := e.Search(ctx, Request{Q: "q"})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, ids(resp.Results))
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "checksum")
}

func TestSearch_ReindexedRecordReturnsNewestVersion(t *testing.T) {
	store := objectstore.NewMemoryStore()
	buildIndex(t, store, 4, 0,
		item{id: "A", score: 0.9, snippet: "old", run: "run-1", modified: "2024-01-10T00:00:00Z"},
		item{id: "B", score: 0.5, run: "run-1", modified: "2024-01-05T00:00:00Z"},
	)
	buildIndex(t, store, 4, 0,
		item{id: "A", score: 0.6, snippet: "new", run: "run-2", modified: "2024-03-01T00:00:00Z"},
	)
	e, _ := newTestEngine(store, 4, Options{})
	ctx := context.Background()

	resp, err := e.Search(ctx, Request{Q: "q", K: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, ids(resp.Results))
	assert.Equal(t, "new", resp.Results[0].Snippet)
	assert.InDelta(t, 0.6, resp.Results[0].Score, 1e-6)

	// The current version of A falls outside the window; the stale one
	// must not surface in its place.
	resp, err = e.Search(ctx, Request{Q: "q", K: 10, Filter: Filter{
		Since: "2024-01-01T00:00:00Z",
		Until: "2024-01-31T00:00:00Z",
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(resp.Results))
}

func TestLatestVersions_ShardWithoutRunIDs(t *testing.T) {
	older := &shard.Shard{
		Manifest: &shard.Manifest{ShardID: "s1"},
		Vectors:  []vector.Vector{scored(item{id: "A", score: 0.5}, 4), {ID: "loose"}},
	}
	newer := &shard.Shard{
		Manifest: &shard.Manifest{ShardID: "s2"},
		Vectors:  []vector.Vector{scored(item{id: "A", score: 0.5}, 4), {ID: "other"}},
	}

	latest := latestVersions([]*shard.Shard{older, nil, newer})
	assert.Equal(t, "shard:s2", latest["comic:A"])
	assert.Equal(t, "shard:s1", latest["id:loose"])
	assert.Equal(t, "shard:s2", latest["id:other"])
}

func TestSearch_AllCandidatesCorrupt(t *testing.T) {
	store := objectstore.NewMemoryStore()
	manifests := buildIndex(t, store, 4, 0, item{id: "A", score: 0.9})
	store.Corrupt(manifests[0].ObjectKey, []byte("not a shard"))

	e, _ := newTestEngine(store, 4, Options{})
	_, err := e.Search(context.Background(), Request{Q: "q"})
	require.ErrorIs(t, err, apperr.ErrCorruption)
}

type reverseReranker struct{ seen int }

func (r *reverseReranker) Rerank(_ context.Context, _ string, in []Result) ([]Result, error) {
	r.seen = len(in)
	out := make([]Result, len(in))
	for i, res := range in {
		res.Score = 1 - res.Score
		out[i] = res
	}
	return out, nil
}

func TestSearch_HybridUsesReranker(t *testing.T) {
	store := objectstore.NewMemoryStore()
	buildIndex(t, store, 4, 0,
		item{id: "A", score: 0.9},
		item{id: "B", score: 0.8},
		item{id: "C", score: 0.7},
		item{id: "D", score: 0.6},
		item{id: "E", score: 0.5},
	)
	rr := &reverseReranker{}
	e, _ := newTestEngine(store, 4, Options{Reranker: rr})

	resp, err := e.Search(context.Background(), Request{Q: "q", K: 1, Mode: ModeHybrid})
	require.NoError(t, err)

	assert.Equal(t, 4, rr.seen, "the reranker sees k*4 dense candidates")
	assert.Equal(t, []string{"D"}, ids(resp.Results))
	assert.Equal(t, ModeHybrid, resp.Mode)
}

func TestSearch_CanceledContext(t *testing.T) {
	store := objectstore.NewMemoryStore()
	buildIndex(t, store, 4, 0, item{id: "A", score: 0.9})
	e, _ := newTestEngine(store, 4, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Search(ctx, Request{Q: "q"})
	require.Error(t, err)
}

func TestSearch_CachesShards(t *testing.T) {
	store := &countingStore{Store: objectstore.NewMemoryStore()}
	manifests := buildIndex(t, store, 4, 0, item{id: "A", score: 0.9})
	e, model := newTestEngine(store, 4, Options{ManifestTTL: DefaultManifestTTL})
	ctx := context.Background()

	_, err := e.Search(ctx, Request{Q: "same"})
	require.NoError(t, err)
	first := store.gets.Load()

	_, err = e.Search(ctx, Request{Q: "same"})
	require.NoError(t, err)

	assert.Equal(t, first, store.gets.Load(), "second query is served from caches")
	assert.Equal(t, 1, e.shards.Len())
	assert.Equal(t, int32(1), model.calls.Load(), "query embeddings are cached by content")
	assert.Len(t, manifests, 1)
}

func TestShardCache_ConcurrentMissesShareLoad(t *testing.T) {
	store := &countingStore{Store: objectstore.NewMemoryStore()}
	manifests := buildIndex(t, store, 4, 0, item{id: "A", score: 0.9})
	store.gets.Store(0)

	cache := NewShardCache(store, 0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := cache.Get(context.Background(), manifests[0])
			assert.NoError(t, err)
			assert.Len(t, s.Vectors, 1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, store.gets.Load(), int32(16))
	assert.Equal(t, 1, cache.Len())

	before := store.gets.Load()
	_, err := cache.Get(context.Background(), manifests[0])
	require.NoError(t, err)
	assert.Equal(t, before, store.gets.Load())
}

func TestShardCache_EvictsLeastRecentlyUsed(t *testing.T) {
	store := objectstore.NewMemoryStore()
	var items []item
	for i := 0; i < 8; i++ {
		items = append(items, item{id: fmt.Sprintf("v-%d", i), score: float64(i) / 10})
	}
	manifests := buildIndex(t, store, 8, 700, items...)
	require.Greater(t, len(manifests), 2)

	cache := NewShardCache(store, 2)
	for _, m := range manifests {
		_, err := cache.Get(context.Background(), m)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())
}

func TestShardCache_WaiterOutlivesCanceledCaller(t *testing.T) {
	mem := objectstore.NewMemoryStore()
	manifests := buildIndex(t, mem, 4, 0, item{id: "A", score: 0.9})
	store := &gatedStore{Store: mem, entered: make(chan struct{}), gate: make(chan struct{})}
	cache := NewShardCache(store, 0)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, manifests[0])
		first <- err
	}()
	<-store.entered

	second := make(chan error, 1)
	go func() {
		s, err := cache.Get(context.Background(), manifests[0])
		if err == nil && len(s.Vectors) != 1 {
			err = fmt.Errorf("got %d vectors", len(s.Vectors))
		}
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(store.gate)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), store.gets.Load(), "both callers share one load")
	assert.Equal(t, 1, cache.Len())
}

func TestTopK_MatchesFullSort(t *testing.T) {
	var all []candidate
	for i := 0; i < 200; i++ {
		all = append(all, candidate{id: fmt.Sprintf("id-%03d", i%37), score: math.Round(math.Sin(float64(i))*10) / 10})
	}

	top := newTopK(15)
	for _, c := range all {
		top.offer(c)
	}

	sort.Slice(all, func(i, j int) bool { return better(all[i], all[j]) })
	got := top.sorted()
	require.Len(t, got, 15)
	for i := range got {
		assert.Equal(t, all[i].score, got[i].score)
		assert.Equal(t, all[i].id, got[i].id)
	}
}

type countingStore struct {
	objectstore.Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, key)
}

// gatedStore holds every Get until gate is closed, honoring ctx while it
// waits.
type gatedStore struct {
	objectstore.Store
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	gets    atomic.Int32
}

func (s *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.Get(ctx, key)
}
