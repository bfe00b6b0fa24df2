// Package dataloader batches a dataset.Dataset into training.Batch values,
// sharding samples across the ranks of a distributed group.
package dataloader

import (
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/tensor"
	"github.com/tsawler/visiontrain/training"
	"github.com/tsawler/visiontrain/vision/dataset"
)

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	// Eval pads the shards to equal length with sentinel rows. Training
	// loaders pad by wrapping around to the start of the epoch order.
	Eval bool
	Seed int64
	// Workers decode the samples of a batch in parallel.
	Workers   int
	Rank      int
	WorldSize int
	// Cache is optional and may be shared with other loaders.
	Cache *SampleCache
}

// DataLoader is a training.Loader over a dataset. Every rank must use the
// same Seed so the ranks agree on the epoch order.
type DataLoader struct {
	dataset dataset.Dataset
	conf    Config

	mu       sync.Mutex
	epoch    int64
	shard    []int
	position int
}

func NewDataLoader(ds dataset.Dataset, conf Config) (*DataLoader, error) {
	if ds == nil {
		return nil, errors.New("dataloader: dataset is nil")
	}
	if conf.BatchSize < 1 {
		return nil, errors.Errorf("dataloader: batch size must be positive, got %d", conf.BatchSize)
	}
	if conf.WorldSize < 1 {
		conf.WorldSize = 1
	}
	if conf.Rank < 0 || conf.Rank >= conf.WorldSize {
		return nil, errors.Errorf("dataloader: rank %d outside world of %d", conf.Rank, conf.WorldSize)
	}
	if conf.Workers < 1 {
		conf.Workers = 1
	}
	return &DataLoader{dataset: ds, conf: conf}, nil
}

func (dl *DataLoader) NumClasses() int { return dl.dataset.NumClasses() }

func (dl *DataLoader) Dataset() dataset.Dataset { return dl.dataset }

// ShardSize is the number of rows, sentinels included, this rank sees per
// epoch.
func (dl *DataLoader) ShardSize() int {
	n, world := dl.dataset.Len(), dl.conf.WorldSize
	return (n + world - 1) / world
}

// Len is the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return (dl.ShardSize() + dl.conf.BatchSize - 1) / dl.conf.BatchSize
}

// Reset starts the next epoch, reshuffling when Shuffle is set.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.reset()
}

func (dl *DataLoader) reset() {
	dl.shard = Shard(dl.epochOrder(), dl.conf.Rank, dl.conf.WorldSize, dl.conf.Eval)
	dl.position = 0
	dl.epoch++
}

func (dl *DataLoader) epochOrder() []int {
	n := dl.dataset.Len()
	if !dl.conf.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(dl.conf.Seed + dl.epoch)).Perm(n)
}

// Shard returns rank's share of order: every world-th element starting at
// rank, after padding order to a multiple of world. Eval pads with
// training.SentinelIndex, otherwise with order's own head.
func Shard(order []int, rank, world int, eval bool) []int {
	n := len(order)
	total := (n + world - 1) / world * world
	padded := make([]int, 0, total)
	padded = append(padded, order...)
	for i := 0; len(padded) < total; i++ {
		if eval || n == 0 {
			padded = append(padded, training.SentinelIndex)
		} else {
			padded = append(padded, order[i%n])
		}
	}
	shard := make([]int, 0, total/world)
	for i := rank; i < total; i += world {
		shard = append(shard, padded[i])
	}
	return shard
}

// Next returns the next batch of this rank's shard, or io.EOF.
func (dl *DataLoader) Next() (*training.Batch, error) {
	dl.mu.Lock()
	if dl.shard == nil {
		dl.reset()
	}
	if dl.position >= len(dl.shard) {
		dl.mu.Unlock()
		return nil, io.EOF
	}
	end := min(dl.position+dl.conf.BatchSize, len(dl.shard))
	indices := append([]int(nil), dl.shard[dl.position:end]...)
	dl.position = end
	dl.mu.Unlock()

	samples, err := dl.load(indices)
	if err != nil {
		return nil, err
	}
	return collate(dl.dataset.Task(), dl.dataset.Shape(), indices, samples)
}

// Progress returns the position within the current epoch.
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.shard)
}

// load decodes indices with the configured number of workers. Sentinel
// rows yield nil samples.
func (dl *DataLoader) load(indices []int) ([]*dataset.Sample, error) {
	samples := make([]*dataset.Sample, len(indices))
	errs := make([]error, len(indices))

	jobs := make(chan int, len(indices))
	for i, idx := range indices {
		if idx != training.SentinelIndex {
			jobs <- i
		}
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < min(dl.conf.Workers, len(indices)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				samples[i], errs[i] = dl.sample(indices[i])
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "load sample %d", indices[i])
		}
	}
	return samples, nil
}

func (dl *DataLoader) sample(index int) (*dataset.Sample, error) {
	cache := dl.conf.Cache
	if cache != nil {
		if s, ok := cache.Get(dl.dataset.Key(index)); ok {
			return s, nil
		}
	}
	s, err := dl.dataset.Get(index)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Put(dl.dataset.Key(index), s)
	}
	return s, nil
}

// collate stacks samples into a batch for task. Nil samples become zero
// rows.
func collate(task string, shape [3]int, indices []int, samples []*dataset.Sample) (*training.Batch, error) {
	n := len(samples)
	c, h, w := shape[0], shape[1], shape[2]
	pixels := c * h * w

	imageData := make([]float32, n*pixels)
	for i, s := range samples {
		if s == nil {
			continue
		}
		if len(s.Image) != pixels {
			return nil, errors.Errorf("sample %d has %d values, want %d", indices[i], len(s.Image), pixels)
		}
		copy(imageData[i*pixels:(i+1)*pixels], s.Image)
	}
	images, err := tensor.NewTensor([]int{n, c, h, w}, imageData)
	if err != nil {
		return nil, err
	}
	batch := &training.Batch{Indices: indices, Images: images}

	switch task {
	case config.TaskClassification:
		batch.Labels = make([]int, n)
		for i, s := range samples {
			if s != nil {
				batch.Labels[i] = s.Label
			}
		}

	case config.TaskSegmentation:
		plane := h * w
		masks := make([]float32, n*plane)
		edgeData := make([]float32, n*plane)
		for i, s := range samples {
			if s == nil {
				continue
			}
			if len(s.Mask) != plane {
				return nil, errors.Errorf("sample %d mask has %d values, want %d", indices[i], len(s.Mask), plane)
			}
			copy(masks[i*plane:], s.Mask)
			if s.Edge != nil {
				copy(edgeData[i*plane:(i+1)*plane], s.Edge)
			}
		}
		if batch.Masks, err = tensor.NewTensor([]int{n, h, w}, masks); err != nil {
			return nil, err
		}
		if batch.Edges, err = tensor.NewTensor([]int{n, h, w}, edgeData); err != nil {
			return nil, err
		}

	case config.TaskDetection:
		batch.Boxes = make([][]training.Box, n)
		batch.BoxLabels = make([][]int, n)
		for i, s := range samples {
			if s != nil {
				batch.Boxes[i] = s.Boxes
				batch.BoxLabels[i] = s.BoxLabels
			}
		}

	default:
		return nil, errors.Errorf("dataloader: unknown task %q", task)
	}
	return batch, nil
}
