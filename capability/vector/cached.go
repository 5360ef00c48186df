package vector

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentstation/loom"
)

// Cached memoizes search results of an underlying index. Any Upsert flushes
// the cache, so results never outlive a write made through it.
type Cached struct {
	idx   loom.VectorIndex
	cache *gocache.Cache
}

// NewCached wraps idx with a result cache whose entries expire after ttl.
func NewCached(idx loom.VectorIndex, ttl time.Duration) *Cached {
	return &Cached{idx: idx, cache: gocache.New(ttl, 2*ttl)}
}

// Search implements loom.VectorIndex.
func (c *Cached) Search(ctx context.Context, embedding []float64, limit int, threshold float64) ([]loom.SearchResult, error) {
	key := cacheKey(embedding, limit, threshold)
	if v, found := c.cache.Get(key); found {
		if results, ok := v.([]loom.SearchResult); ok {
			return cloneResults(results), nil
		}
	}
	results, err := c.idx.Search(ctx, embedding, limit, threshold)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, cloneResults(results), gocache.DefaultExpiration)
	return results, nil
}

// Upsert implements loom.VectorIndex.
func (c *Cached) Upsert(ctx context.Context, id string, embedding []float64, metadata map[string]any) error {
	err := c.idx.Upsert(ctx, id, embedding, metadata)
	c.cache.Flush()
	return err
}

// Len returns the number of cached searches.
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}

func cacheKey(embedding []float64, limit int, threshold float64) string {
	h := fnv.New64a()
	var buf [8]byte
	for _, f := range embedding {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		_, _ = h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(threshold))
	_, _ = h.Write(buf[:])
	return strconv.FormatUint(h.Sum64(), 16) + ":" + strconv.Itoa(limit)
}

func cloneResults(in []loom.SearchResult) []loom.SearchResult {
	out := make([]loom.SearchResult, len(in))
	for i, r := range in {
		out[i] = loom.SearchResult{ID: r.ID, Score: r.Score, Metadata: cloneMetadata(r.Metadata)}
	}
	return out
}
