package dataloader

import (
	"io"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/training"
	"github.com/tsawler/visiontrain/vision/dataset"
)

// countingDataset counts Get calls and can fail on one index.
type countingDataset struct {
	dataset.Dataset
	gets   atomic.Int64
	failAt int
}

func (d *countingDataset) Get(i int) (*dataset.Sample, error) {
	d.gets.Add(1)
	if i == d.failAt {
		return nil, errors.New("corrupt file")
	}
	return d.Dataset.Get(i)
}

func classification(n int) *countingDataset {
	return &countingDataset{
		Dataset: dataset.NewSyntheticClassification(dataset.SyntheticSpec{Samples: n, Size: 4, NumClasses: 3, Seed: 1}),
		failAt:  -2,
	}
}

func drain(t *testing.T, l training.Loader) []*training.Batch {
	t.Helper()
	var batches []*training.Batch
	for {
		b, err := l.Next()
		if err == io.EOF {
			return batches
		}
		require.NoError(t, err)
		batches = append(batches, b)
	}
}

func indicesOf(batches []*training.Batch) []int {
	var out []int
	for _, b := range batches {
		out = append(out, b.Indices...)
	}
	return out
}

func TestShard(t *testing.T) {
	order := []int{0, 1, 2, 3, 4, 5, 6}
	tests := []struct {
		name  string
		rank  int
		world int
		eval  bool
		want  []int
	}{
		{"single", 0, 1, true, []int{0, 1, 2, 3, 4, 5, 6}},
		{"eval rank 0", 0, 3, true, []int{0, 3, 6}},
		{"eval rank 2 padded", 2, 3, true, []int{2, 5, -1}},
		{"train rank 1 wraps", 1, 3, false, []int{1, 4, 0}},
		{"train rank 2 wraps", 2, 3, false, []int{2, 5, 1}},
		{"more ranks than samples", 1, 4, false, []int{1, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Shard(order, tt.rank, tt.world, tt.eval))
		})
	}
}

func TestShardsCoverDatasetOnce(t *testing.T) {
	ds := classification(10)
	var all []int
	for rank := 0; rank < 3; rank++ {
		l, err := NewDataLoader(ds, Config{BatchSize: 2, Eval: true, Rank: rank, WorldSize: 3})
		require.NoError(t, err)
		assert.Equal(t, 2, l.Len())
		batches := drain(t, l)
		all = append(all, indicesOf(batches)...)
	}
	sentinels := 0
	var real []int
	for _, idx := range all {
		if idx == training.SentinelIndex {
			sentinels++
		} else {
			real = append(real, idx)
		}
	}
	sort.Ints(real)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, real)
	assert.Equal(t, 2, sentinels)
}

func TestDataLoaderClassificationBatches(t *testing.T) {
	ds := classification(5)
	l, err := NewDataLoader(ds, Config{BatchSize: 2, Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 3, l.NumClasses())

	batches := drain(t, l)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indicesOf(batches))
	assert.Equal(t, []int{0, 1}, batches[0].Labels)
	assert.Equal(t, []int{1, 3, 4, 4}, batches[2].Images.Shape)
	assert.Equal(t, 1, batches[2].Len())

	want, err := ds.Dataset.Get(4)
	require.NoError(t, err)
	assert.Equal(t, want.Image, batches[2].Images.Data)

	// Exhausted until reset.
	_, err = l.Next()
	assert.Equal(t, io.EOF, err)
	l.Reset()
	assert.Len(t, drain(t, l), 3)
}

func TestDataLoaderShufflePerEpoch(t *testing.T) {
	ds := classification(20)
	a, err := NewDataLoader(ds, Config{BatchSize: 20, Shuffle: true, Seed: 9})
	require.NoError(t, err)
	b, err := NewDataLoader(ds, Config{BatchSize: 20, Shuffle: true, Seed: 9})
	require.NoError(t, err)

	a.Reset()
	b.Reset()
	first := indicesOf(drain(t, a))
	assert.Equal(t, first, indicesOf(drain(t, b)), "same seed, same order")

	a.Reset()
	second := indicesOf(drain(t, a))
	assert.NotEqual(t, first, second)
	sort.Ints(second)
	assert.Equal(t, 19, second[19])
}

func TestDataLoaderSentinelRowsAreFiltered(t *testing.T) {
	ds := dataset.NewSyntheticDetection(dataset.SyntheticSpec{Samples: 3, Size: 8, NumClasses: 2, Seed: 2})
	l, err := NewDataLoader(ds, Config{BatchSize: 4, Eval: true, Rank: 1, WorldSize: 2})
	require.NoError(t, err)

	batches := drain(t, l)
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, []int{1, training.SentinelIndex}, b.Indices)
	assert.Nil(t, b.Boxes[1])
	assert.NotEmpty(t, b.Boxes[0])

	kept, err := b.WithoutSentinels()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, kept.Indices)
	assert.Len(t, kept.Boxes, 1)
}

func TestDataLoaderSegmentationBatches(t *testing.T) {
	ds := dataset.NewSyntheticSegmentation(dataset.SyntheticSpec{Samples: 2, Size: 4, NumClasses: 3, Seed: 2})
	l, err := NewDataLoader(ds, Config{BatchSize: 2})
	require.NoError(t, err)
	b, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4}, b.Masks.Shape)
	assert.Equal(t, []int{2, 4, 4}, b.Edges.Shape)
	s, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, s.Mask, b.Masks.Data[16:])
}

func TestDataLoaderUsesCache(t *testing.T) {
	ds := classification(6)
	cache, err := NewSampleCache(10)
	require.NoError(t, err)
	l, err := NewDataLoader(ds, Config{BatchSize: 4, Cache: cache, Workers: 2})
	require.NoError(t, err)

	drain(t, l)
	l.Reset()
	drain(t, l)
	assert.Equal(t, int64(6), ds.gets.Load())
	assert.Equal(t, int64(6), cache.Stats().Hits)
}

func TestDataLoaderPropagatesErrors(t *testing.T) {
	ds := classification(4)
	ds.failAt = 2
	l, err := NewDataLoader(ds, Config{BatchSize: 4})
	require.NoError(t, err)
	_, err = l.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load sample 2")
}

func TestNewDataLoaderValidates(t *testing.T) {
	_, err := NewDataLoader(nil, Config{BatchSize: 1})
	assert.Error(t, err)
	_, err = NewDataLoader(classification(1), Config{})
	assert.Error(t, err)
	_, err = NewDataLoader(classification(1), Config{BatchSize: 1, Rank: 2, WorldSize: 2})
	assert.Error(t, err)
}

func TestCreateSharedDataLoaders(t *testing.T) {
	conf := config.Default()
	conf.Training.BatchSize = 4
	conf.Data.CacheSize = 8
	train, valid := classification(10), classification(5)

	tl, vl, err := CreateSharedDataLoaders(conf, train, valid, nil)
	require.NoError(t, err)
	assert.IsType(t, &DataLoader{}, tl)
	assert.Equal(t, 3, tl.Len())
	assert.Equal(t, 2, vl.Len())
	assert.Same(t, tl.(*DataLoader).conf.Cache, vl.(*DataLoader).conf.Cache)
	assert.True(t, vl.(*DataLoader).conf.Eval)

	conf.Data.Prefetch = 2
	tl, _, err = CreateSharedDataLoaders(conf, train, valid, nil)
	require.NoError(t, err)
	assert.IsType(t, &Prefetcher{}, tl)
	tl.(*Prefetcher).Close()
}
