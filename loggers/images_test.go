package loggers

import (
	"bytes"
	"image/png"
	"path/filepath"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/training"
)

func sampleNames(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestImageSinkClassificationSamples(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewImageSink(fs, "out", 3)
	rec := epochLog(2, true)
	rec.Samples = []*training.StepResult{
		{Images: images(t, []int{2, 3, 4, 4}), Target: training.ClassLabels{0, 1}, Pred: training.ClassLabels{0, 2}},
		{Images: images(t, []int{2, 3, 4, 4}), Target: training.ClassLabels{1, 1}, Pred: training.ClassLabels{1, 1}},
	}
	require.NoError(t, sink.LogEpoch(rec))

	dir := filepath.Join("out", SamplesDir, "epoch_2")
	assert.Equal(t, []string{"000_gt0_pred0.png", "001_gt1_pred2.png", "002_gt1_pred1.png"}, sampleNames(t, fs, dir))

	data, err := afero.ReadFile(fs, filepath.Join(dir, "000_gt0_pred0.png"))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
}

func TestImageSinkSegmentationSideBySide(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewImageSink(fs, "out", 0)
	masks := images(t, []int{1, 3, 3})
	require.NoError(t, sink.LogTest(training.TestLog{Samples: []*training.StepResult{{
		Images: images(t, []int{1, 1, 3, 3}),
		Target: training.MaskSet{Masks: masks},
		Pred:   training.MaskSet{Masks: masks},
	}}}))

	data, err := afero.ReadFile(fs, filepath.Join("out", SamplesDir, "test", "000_mask.png"))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())
}

func TestImageSinkDetectionBoxes(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewImageSink(fs, "out", 0)
	rec := epochLog(1, true)
	rec.Samples = []*training.StepResult{{
		Images: images(t, []int{1, 3, 8, 8}),
		Target: training.DetectionSet{{Boxes: []training.Box{{1, 1, 4, 4}}, Labels: []int{0}}},
		Pred: training.DetectionSet{{
			Boxes:  []training.Box{{2, 2, 20, 6}},
			Scores: []float32{0.9},
			Labels: []int{0},
		}},
	}}
	require.NoError(t, sink.LogEpoch(rec))

	data, err := afero.ReadFile(fs, filepath.Join("out", SamplesDir, "epoch_1", "000_det1.png"))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, []uint32{0, 0xffff, 0}, []uint32{r, g, b})
	r, g, b, _ = img.At(7, 2).RGBA()
	assert.Equal(t, []uint32{0xffff, 0, 0}, []uint32{r, g, b})
}

func TestImageSinkSkipsEmptyAndRejectsBadShape(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewImageSink(fs, "out", 0)
	require.NoError(t, sink.LogEpoch(epochLog(1, false)))
	exists, err := afero.Exists(fs, filepath.Join("out", SamplesDir))
	require.NoError(t, err)
	assert.False(t, exists)

	rec := epochLog(1, true)
	rec.Samples = []*training.StepResult{{Images: images(t, []int{2, 4}), Pred: training.ClassLabels{0, 1}}}
	assert.Error(t, sink.LogEpoch(rec))
}
