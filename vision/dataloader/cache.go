package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/vision/dataset"
)

// SampleCache keeps decoded samples by dataset key. It is safe for
// concurrent use and can be shared between loaders whose datasets use
// distinct keys.
type SampleCache struct {
	cache   *lru.Cache
	maxSize int
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewSampleCache holds at most maxSize samples.
func NewSampleCache(maxSize int) (*SampleCache, error) {
	c, err := lru.New(maxSize)
	if err != nil {
		return nil, errors.Wrapf(err, "create sample cache")
	}
	return &SampleCache{cache: c, maxSize: maxSize}, nil
}

func (c *SampleCache) Get(key string) (*dataset.Sample, bool) {
	if v, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return v.(*dataset.Sample), true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *SampleCache) Put(key string, s *dataset.Sample) {
	c.cache.Add(key, s)
}

// Clear drops every entry. Statistics are cumulative and survive it.
func (c *SampleCache) Clear() {
	c.cache.Purge()
}

func (c *SampleCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{Size: c.cache.Len(), MaxSize: c.maxSize, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
