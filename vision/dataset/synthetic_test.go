package dataset

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/config"
)

func TestSyntheticClassificationDeterministic(t *testing.T) {
	spec := SyntheticSpec{Samples: 10, Size: 4, NumClasses: 3, Seed: 7}
	a, b := NewSyntheticClassification(spec), NewSyntheticClassification(spec)

	s1, err := a.Get(4)
	require.NoError(t, err)
	s2, err := b.Get(4)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, s1.Label)
	assert.Len(t, s1.Image, 3*4*4)
	assert.Equal(t, [3]int{3, 4, 4}, a.Shape())
	assert.NotEqual(t, a.Key(1), NewSyntheticSegmentation(spec).Key(1))

	_, err = a.Get(10)
	assert.Error(t, err)
	_, err = a.Get(-1)
	assert.Error(t, err)
}

func TestSyntheticSegmentationMasks(t *testing.T) {
	d := NewSyntheticSegmentation(SyntheticSpec{Samples: 20, Size: 8, NumClasses: 3, Seed: 1})
	for i := 0; i < d.Len(); i++ {
		s, err := d.Get(i)
		require.NoError(t, err)
		require.Len(t, s.Mask, 64)
		require.Len(t, s.Edge, 64)
		foreground := 0
		for p, v := range s.Mask {
			assert.Contains(t, []float32{0, 1, 2}, v)
			if v > 0 {
				foreground++
			}
			if s.Edge[p] == 1 {
				x, y := p%8, p/8
				differs := (x+1 < 8 && s.Mask[p+1] != v) || (y+1 < 8 && s.Mask[p+8] != v)
				assert.True(t, differs)
			}
		}
		assert.Positive(t, foreground)
	}
}

func TestSyntheticDetectionBoxes(t *testing.T) {
	d := NewSyntheticDetection(SyntheticSpec{Samples: 20, Size: 16, NumClasses: 2, Seed: 5})
	for i := 0; i < d.Len(); i++ {
		s, err := d.Get(i)
		require.NoError(t, err)
		require.NotEmpty(t, s.Boxes)
		require.Len(t, s.BoxLabels, len(s.Boxes))
		for j, b := range s.Boxes {
			assert.Less(t, b[0], b[2])
			assert.Less(t, b[1], b[3])
			assert.LessOrEqual(t, b[2], float32(16))
			assert.LessOrEqual(t, b[3], float32(16))
			assert.Contains(t, []int{0, 1}, s.BoxLabels[j])
		}
	}
}

func TestBuild(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, task := range []string{config.TaskClassification, config.TaskSegmentation, config.TaskDetection} {
		conf := config.Default()
		conf.Task = task
		conf.Data.SyntheticSamples = 50
		conf.Data.ValidSplit = 0.2
		train, valid, err := Build(fs, conf)
		require.NoError(t, err, task)
		assert.Equal(t, 40, train.Len(), task)
		assert.Equal(t, 10, valid.Len(), task)
		assert.Equal(t, conf.Data.NumClasses, train.NumClasses(), task)
	}

	conf := config.Default()
	conf.Data.SyntheticSamples = 1
	_, _, err := Build(fs, conf)
	assert.Error(t, err)

	conf = config.Default()
	conf.Task = config.TaskSegmentation
	conf.Data.Root = "root"
	_, _, err = Build(fs, conf)
	assert.Error(t, err)

	conf = config.Default()
	conf.Data.ValidSplit = 1
	_, _, err = Build(fs, conf)
	assert.Error(t, err)
}

func TestBuildImageFolder(t *testing.T) {
	fs := createTestDataset(t, []string{"a", "b"}, 5)
	conf := config.Default()
	conf.Data.Root = "root"
	conf.Data.ValidSplit = 0.2
	conf.Augmentation.ImgSize = 4
	train, valid, err := Build(fs, conf)
	require.NoError(t, err)
	assert.Equal(t, 8, train.Len())
	assert.Equal(t, 2, valid.Len())
	assert.Equal(t, 2, train.NumClasses())
}

func TestSyntheticTaskNames(t *testing.T) {
	spec := SyntheticSpec{Samples: 1}
	assert.Equal(t, config.TaskClassification, NewSyntheticClassification(spec).Task())
	assert.Equal(t, config.TaskSegmentation, NewSyntheticSegmentation(spec).Task())
	assert.Equal(t, config.TaskDetection, NewSyntheticDetection(spec).Task())
}
