package dataloader

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/vision/dataset"
)

func TestSampleCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache, err := NewSampleCache(2)
	require.NoError(t, err)

	a, b, c := &dataset.Sample{Label: 1}, &dataset.Sample{Label: 2}, &dataset.Sample{Label: 3}
	cache.Put("a", a)
	cache.Put("b", b)
	got, ok := cache.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	cache.Put("c", c)
	_, ok = cache.Get("b")
	assert.False(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)

	stats := cache.Stats()
	assert.Equal(t, CacheStats{Size: 2, MaxSize: 2, Hits: 2, Misses: 1, HitRate: 200.0 / 3}, stats)
	assert.Equal(t, "Cache: 2/2 items, Hits: 2, Misses: 1, Hit Rate: 66.7%", stats.String())

	cache.Clear()
	assert.Equal(t, 0, cache.Stats().Size)
	assert.Equal(t, int64(2), cache.Stats().Hits)
}

func TestSampleCacheRejectsBadSize(t *testing.T) {
	_, err := NewSampleCache(0)
	assert.Error(t, err)
}

func TestSampleCacheConcurrentAccess(t *testing.T) {
	cache, err := NewSampleCache(50)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (w*7+i)%80)
				if _, ok := cache.Get(key); !ok {
					cache.Put(key, &dataset.Sample{Label: i})
				}
			}
		}(w)
	}
	wg.Wait()
	stats := cache.Stats()
	assert.Equal(t, int64(800), stats.Hits+stats.Misses)
	assert.LessOrEqual(t, stats.Size, 50)
}
