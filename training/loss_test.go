package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/tensor"
)

func logitsOutput(t *testing.T, shape []int, data []float32) *Output {
	t.Helper()
	return NewOutput(map[string]*tensor.Tensor{"logits": mustTensor(t, shape, data)}, nil)
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	ce := &CrossEntropyLoss{IgnoreIndex: -100}
	out := logitsOutput(t, []int{2, 4}, make([]float32, 8))

	loss, grads, err := ce.Compute(out, &Target{Labels: []int{1, 3}})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-6)

	g := grads["logits"]
	assert.InDelta(t, 0.125, g[0], 1e-6)
	assert.InDelta(t, -0.375, g[1], 1e-6)
}

func TestCrossEntropyIgnoreIndex(t *testing.T) {
	ce := &CrossEntropyLoss{IgnoreIndex: -100}
	out := logitsOutput(t, []int{2, 2}, []float32{0, 0, 5, -5})

	loss, grads, err := ce.Compute(out, &Target{Labels: []int{0, -100}})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), loss, 1e-6)
	assert.Equal(t, []float32{0, 0}, grads["logits"][2:])

	_, _, err = ce.Compute(out, &Target{Labels: []int{0, 7}})
	assert.Error(t, err)
}

func TestPixelCrossEntropySkipsIgnoredPixels(t *testing.T) {
	pc := &PixelCrossEntropyLoss{IgnoreIndex: 255}
	out := logitsOutput(t, []int{1, 2, 1, 2}, make([]float32, 4))
	masks := mustTensor(t, []int{1, 1, 2}, []float32{1, 255})

	loss, grads, err := pc.Compute(out, &Target{Masks: masks})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), loss, 1e-6)
	// Layout is [class][pixel]; the ignored pixel is index 1 of each class.
	assert.Equal(t, float32(0), grads["logits"][1])
	assert.Equal(t, float32(0), grads["logits"][3])
	assert.InDelta(t, -0.5, grads["logits"][2], 1e-6)
}

func TestBoxL1MatchesSlotsInOrder(t *testing.T) {
	boxes := mustTensor(t, []int{1, 2, 4}, []float32{0, 0, 0.5, 0.5, 0.9, 0.9, 1, 1})
	out := NewOutput(map[string]*tensor.Tensor{"boxes": boxes}, nil)

	loss, grads, err := (&BoxL1Loss{}).Compute(out, &Target{
		Boxes:     [][]Box{{{0, 0, 5, 5}}},
		BoxLabels: [][]int{{0}},
		ImageSize: [2]int{10, 10},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0, loss, 1e-6)
	assert.Equal(t, make([]float32, 8), grads["boxes"])
}

func TestWeightedLossResultsAndBackward(t *testing.T) {
	m, err := NewLinearClassifier([]int{2}, 2)
	require.NoError(t, err)
	agg := NewWeightedLoss([]Criterion{&CrossEntropyLoss{IgnoreIndex: -100}}, []float64{2})

	assert.Equal(t, map[string]Meter{TotalLossKey: {}}, agg.Result(PhaseTrain))
	assert.Error(t, agg.Backward())

	out, err := m.Forward(mustTensor(t, []int{1, 2}, []float32{1, 1}))
	require.NoError(t, err)
	require.NoError(t, agg.Calc(out, &Target{Labels: []int{0}}, PhaseTrain))
	res := agg.Result(PhaseTrain)
	assert.Equal(t, 1, res[TotalLossKey].Count)
	assert.InDelta(t, 2*res["cross_entropy"].Avg(), res[TotalLossKey].Avg(), 1e-9)

	require.NoError(t, agg.Backward())
	assert.NotNil(t, m.fc.weight.Grad())

	// Eval phases never leave a pending backward.
	require.NoError(t, agg.Calc(out, &Target{Labels: []int{0}}, PhaseValid))
	assert.Error(t, agg.Backward())
	assert.Equal(t, 1, agg.Result(PhaseValid)[TotalLossKey].Count)
}

func TestBuildLoss(t *testing.T) {
	conf := config.Default()
	_, err := BuildLoss(conf, -100)
	require.NoError(t, err)

	conf.Model.Losses = nil
	conf.Task = config.TaskDetection
	l, err := BuildLoss(conf, -100)
	require.NoError(t, err)
	assert.Len(t, l.(*WeightedLoss).terms, 2)

	conf.Model.Losses = []config.LossConfig{{Criterion: "focal"}}
	_, err = BuildLoss(conf, -100)
	assert.Error(t, err)

	RegisterLoss("focal", func(ignore int) Criterion { return &CrossEntropyLoss{IgnoreIndex: ignore} })
	_, err = BuildLoss(conf, -100)
	assert.NoError(t, err)
}

func TestMeterAvg(t *testing.T) {
	var m Meter
	assert.Equal(t, 0.0, m.Avg())
	m.Update(1, 1)
	m.Update(3, 1)
	assert.Equal(t, 2.0, m.Avg())
	assert.Equal(t, map[string]float64{"x": 2}, LossAverages(map[string]Meter{"x": m}))
}
