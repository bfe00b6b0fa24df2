package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/optimizer"
	"github.com/tsawler/visiontrain/tensor"
)

func TestBoxIoU(t *testing.T) {
	a := Box{0, 0, 10, 10}
	assert.Equal(t, float32(1), a.IoU(a))
	assert.Equal(t, float32(0), a.IoU(Box{20, 20, 30, 30}))
	assert.InDelta(t, 25.0/175, a.IoU(Box{5, 5, 15, 15}), 1e-6)
	assert.Equal(t, float32(0), Box{5, 5, 1, 1}.Area())
}

func TestNMSIsClassAware(t *testing.T) {
	d := Detections{
		Boxes:  []Box{{0, 0, 10, 10}, {1, 1, 10, 10}, {1, 1, 10, 10}, {50, 50, 60, 60}},
		Scores: []float32{0.6, 0.9, 0.8, 0.3},
		Labels: []int{0, 0, 1, 0},
	}
	kept := NMS(d, 0.5, 0)
	assert.Equal(t, []float32{0.9, 0.8, 0.3}, kept.Scores)
	assert.Equal(t, []int{0, 1, 0}, kept.Labels)

	capped := NMS(d, 0.5, 2)
	assert.Len(t, capped.Boxes, 2)
}

func TestNMSPostprocessorScalesAndThresholds(t *testing.T) {
	// One image, two slots, one class plus background.
	boxes := mustTensor(t, []int{1, 2, 4}, []float32{0.1, 0.2, 0.5, 0.6, 0, 0, 1, 1})
	logits := mustTensor(t, []int{1, 2, 2}, []float32{4, 0, 0, 4})
	out := NewOutput(map[string]*tensor.Tensor{"boxes": boxes, "class_logits": logits}, nil)

	set, err := NewNMSPostprocessor(0.5, 0.5, 10).Process(out, [2]int{10, 20})
	require.NoError(t, err)
	require.Len(t, set, 1)
	require.Len(t, set[0].Boxes, 1, "background slot must be dropped")
	assert.InDeltaSlice(t, []float32{2, 2, 10, 6}, set[0].Boxes[0][:], 1e-5)
	assert.Equal(t, []int{0}, set[0].Labels)
}

func TestDetectionTaskSteps(t *testing.T) {
	model, err := NewSlotDetector([]int{1, 4, 4}, 2, 3)
	require.NoError(t, err)
	opt, err := optimizer.Build(optimizer.Config{Name: "sgd", LR: 0.01}, model.Parameters())
	require.NoError(t, err)
	env := &StepEnv{
		Model:     model,
		Optimizer: opt,
		Loss:      NewWeightedLoss([]Criterion{&BoxL1Loss{}, &SlotCrossEntropyLoss{}}, []float64{5, 1}),
		Metric:    NewDetectionMetric(2, 0.5),
	}
	images, err := tensor.Zeros([]int{3, 1, 4, 4})
	require.NoError(t, err)
	batch := &Batch{
		Indices:   []int{0, 1, SentinelIndex},
		Images:    images,
		Boxes:     [][]Box{{{0, 0, 2, 2}}, {}, {{1, 1, 3, 3}}},
		BoxLabels: [][]int{{1}, {}, {0}},
	}
	task := NewDetectionTask(nil)

	res, err := task.TrainStep(env, batch)
	require.NoError(t, err)
	assert.Nil(t, res)
	res, err = task.ValidStep(env, batch)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.NumPreds())
	assert.Len(t, res.Target.(DetectionSet), 2)

	require.NoError(t, task.MetricWithAllOutputs(env, []*StepResult{res}, PhaseValid))
	assert.Equal(t, 1, env.Metric.(*DetectionMetric).stats(PhaseValid).gts[1])

	batch.Boxes = batch.Boxes[:1]
	_, err = task.ValidStep(env, batch)
	assert.Error(t, err)
}
