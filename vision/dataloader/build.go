package dataloader

import (
	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/distributed"
	"github.com/tsawler/visiontrain/training"
	"github.com/tsawler/visiontrain/vision/dataset"
)

// CreateSharedDataLoaders builds the train and validation loaders for
// this rank of group. Both read through one sample cache sized by
// data.cache_size (zero disables caching). With data.prefetch above zero
// each loader is wrapped in a Prefetcher.
func CreateSharedDataLoaders(conf *config.Config, train, valid dataset.Dataset, group distributed.Group) (training.Loader, training.Loader, error) {
	if group == nil {
		group = distributed.Single{}
	}
	var cache *SampleCache
	if conf.Data.CacheSize > 0 {
		var err error
		if cache, err = NewSampleCache(conf.Data.CacheSize); err != nil {
			return nil, nil, err
		}
	}
	base := Config{
		BatchSize: conf.Training.BatchSize,
		Seed:      conf.Environment.Seed,
		Workers:   conf.Data.Workers,
		Rank:      group.Rank(),
		WorldSize: group.WorldSize(),
		Cache:     cache,
	}

	trainConf := base
	trainConf.Shuffle = true
	trainLoader, err := NewDataLoader(train, trainConf)
	if err != nil {
		return nil, nil, err
	}
	validConf := base
	validConf.Eval = true
	validLoader, err := NewDataLoader(valid, validConf)
	if err != nil {
		return nil, nil, err
	}

	if conf.Data.Prefetch > 0 {
		return NewPrefetcher(trainLoader, conf.Data.Prefetch), NewPrefetcher(validLoader, conf.Data.Prefetch), nil
	}
	return trainLoader, validLoader, nil
}

// NewEvalLoader builds a sentinel-padded, unshuffled loader, used for
// inference over a test dataset.
func NewEvalLoader(conf *config.Config, ds dataset.Dataset, group distributed.Group) (*DataLoader, error) {
	if group == nil {
		group = distributed.Single{}
	}
	return NewDataLoader(ds, Config{
		BatchSize: conf.Training.BatchSize,
		Eval:      true,
		Seed:      conf.Environment.Seed,
		Workers:   conf.Data.Workers,
		Rank:      group.Rank(),
		WorldSize: group.WorldSize(),
	})
}
