package rangeread

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheEntries is the block cache size used when none is given.
const DefaultCacheEntries = 1024

type cacheKey struct {
	id     string
	offset uint64
	length uint64
}

// CacheStats is a snapshot of a CachedSource's counters.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// CachedSource keeps recently read header, metadata and index ranges.
// Tile payload reads pass straight through.
//
// Concurrent misses for the same range may both reach the inner source;
// the later fill wins, which is harmless because containers are immutable.
type CachedSource struct {
	Source
	cache  *lru.Cache[cacheKey, []byte]
	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ Source = (*CachedSource)(nil)

// Cached wraps src with an LRU of at most entries ranges. The cache lives
// and dies with the returned source.
func Cached(src Source, entries int) (*CachedSource, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	cache, err := lru.New[cacheKey, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &CachedSource{Source: src, cache: cache}, nil
}

func (c *CachedSource) ReadRange(ctx context.Context, r Range, kind Kind) ([]byte, error) {
	if !kind.Cacheable() {
		return c.Source.ReadRange(ctx, r, kind)
	}
	key := cacheKey{id: c.Source.ID(), offset: r.Offset, length: r.Length}
	if data, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return data, nil
	}
	c.misses.Add(1)
	data, err := c.Source.ReadRange(ctx, r, kind)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, data)
	return data, nil
}

// Stats reports cache effectiveness.
func (c *CachedSource) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.cache.Len(),
	}
}

// Close drops cached ranges and closes the inner source.
func (c *CachedSource) Close() error {
	c.cache.Purge()
	return c.Source.Close()
}
