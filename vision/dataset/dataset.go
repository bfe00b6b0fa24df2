// Package dataset provides the sample sources the data loader batches:
// an image-folder classification dataset and synthetic datasets for the
// three supported tasks.
package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/training"
)

// Sample is one decoded item. Image is CHW, Mask and Edge are HW. Only
// the fields of the dataset's task are set.
type Sample struct {
	Image     []float32
	Label     int
	Mask      []float32
	Edge      []float32
	Boxes     []training.Box
	BoxLabels []int
}

// Dataset is a random-access source of samples with a fixed image shape.
type Dataset interface {
	Len() int
	Get(index int) (*Sample, error)
	NumClasses() int
	// Task is the config task name the samples are labelled for.
	Task() string
	// Shape is the CHW shape of every image.
	Shape() [3]int
	// Key identifies index for caching; datasets sharing a cache must not
	// share keys.
	Key(index int) string
}

// Build returns the train and validation datasets described by conf.
// An empty data.root selects the synthetic dataset of conf.Task.
func Build(fs afero.Fs, conf *config.Config) (train, valid Dataset, err error) {
	dc := conf.Data
	size := conf.Augmentation.ImgSize
	if size < 1 {
		return nil, nil, errors.Errorf("dataset: augmentation.img_size must be positive, got %d", size)
	}
	if dc.ValidSplit <= 0 || dc.ValidSplit >= 1 {
		return nil, nil, errors.Errorf("dataset: data.valid_split must be in (0, 1), got %v", dc.ValidSplit)
	}

	if dc.Root != "" {
		if conf.Task != config.TaskClassification {
			return nil, nil, errors.Errorf("dataset: image folders only hold classification data, task is %s", conf.Task)
		}
		folder, err := NewImageFolderDataset(fs, dc.Root, dc.Extensions, size)
		if err != nil {
			return nil, nil, err
		}
		rng := rand.New(rand.NewSource(conf.Environment.Seed))
		tr, va := folder.Split(1-dc.ValidSplit, rng)
		return tr, va, nil
	}

	n := dc.SyntheticSamples
	nValid := int(float64(n) * dc.ValidSplit)
	if nValid < 1 || n-nValid < 1 {
		return nil, nil, errors.Errorf("dataset: %d synthetic samples cannot be split by %v", n, dc.ValidSplit)
	}
	spec := SyntheticSpec{Size: size, NumClasses: dc.NumClasses, Seed: conf.Environment.Seed}
	trainSpec, validSpec := spec, spec
	trainSpec.Samples = n - nValid
	validSpec.Samples = nValid
	validSpec.Seed = spec.Seed + 1

	switch conf.Task {
	case config.TaskClassification:
		return NewSyntheticClassification(trainSpec), NewSyntheticClassification(validSpec), nil
	case config.TaskSegmentation:
		return NewSyntheticSegmentation(trainSpec), NewSyntheticSegmentation(validSpec), nil
	case config.TaskDetection:
		return NewSyntheticDetection(trainSpec), NewSyntheticDetection(validSpec), nil
	}
	return nil, nil, errors.Errorf("dataset: unknown task %q", conf.Task)
}
