package query

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/bull/shardsearch/internal/objectstore"
	"github.com/bull/shardsearch/internal/shard"
)

// DefaultMaxCachedShards bounds the shard cache when Options leave it unset.
const DefaultMaxCachedShards = 256

// ShardCache holds recently used shards by shard id. Shards are immutable,
// so entries never go stale; concurrent misses for one shard share a load.
type ShardCache struct {
	store  objectstore.Store
	shards *lru.Cache[string, *shard.Shard]
	group  singleflight.Group
}

// NewShardCache creates a cache holding at most maxEntries shards, evicting
// the least recently used. Zero or less means DefaultMaxCachedShards.
func NewShardCache(store objectstore.Store, maxEntries int) *ShardCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxCachedShards
	}
	shards, _ := lru.New[string, *shard.Shard](maxEntries)
	return &ShardCache{
		store:  store,
		shards: shards,
	}
}

// Get returns the shard described by manifest, loading it on a miss.
// The shared load is detached from any single caller's cancellation; each
// caller stops waiting when its own ctx is done.
func (c *ShardCache) Get(ctx context.Context, manifest *shard.Manifest) (*shard.Shard, error) {
	if s, ok := c.shards.Get(manifest.ShardID); ok {
		return s, nil
	}

	ch := c.group.DoChan(manifest.ShardID, func() (any, error) {
		loaded, err := shard.Load(context.WithoutCancel(ctx), c.store, manifest)
		if err != nil {
			return nil, err
		}
		c.shards.Add(manifest.ShardID, loaded)
		return loaded, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*shard.Shard), nil
	}
}

// Len returns the number of cached shards.
func (c *ShardCache) Len() int {
	return c.shards.Len()
}

type manifestEntry struct {
	manifests []*shard.Manifest
	bad       []error
	loadedAt  time.Time
}

// manifestCache holds each index's manifest list for ttl. Concurrent
// refreshes of one (model, dims) key share a single catalog read.
type manifestCache struct {
	catalog *shard.Catalog
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]manifestEntry
	group   singleflight.Group
}

func newManifestCache(catalog *shard.Catalog, ttl time.Duration) *manifestCache {
	return &manifestCache{
		catalog: catalog,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]manifestEntry),
	}
}

func (c *manifestCache) get(ctx context.Context, modelID string, dims int) ([]*shard.Manifest, []error, error) {
	key := modelID + "\x00" + strconv.Itoa(dims)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		return entry.manifests, entry.bad, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		manifests, bad, err := c.catalog.Manifests(context.WithoutCancel(ctx), modelID, dims)
		if err != nil {
			return nil, fmt.Errorf("load manifests: %w", err)
		}
		e := manifestEntry{manifests: manifests, bad: bad, loadedAt: c.now()}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		return e, nil
	})
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		e := res.Val.(manifestEntry)
		return e.manifests, e.bad, nil
	}
}
