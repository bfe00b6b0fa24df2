package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/tensor"
)

func paramWithGrad(t *testing.T, data, grad []float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.NewTensor([]int{len(data)}, data)
	require.NoError(t, err)
	require.NoError(t, p.AccumulateGrad(grad))
	return p
}

func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	assert.Equal(t, 0.0, config.Momentum)
	assert.False(t, config.Nesterov)
}

func TestSGDVanillaStep(t *testing.T) {
	p := paramWithGrad(t, []float32{1, 2}, []float32{0.5, -1})
	sgd := NewSGD(DefaultSGDConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 0.1, 0)})

	require.NoError(t, sgd.Step())
	assert.InDeltaSlice(t, []float32{0.95, 2.1}, p.Data, 1e-6)
	assert.Equal(t, uint64(1), sgd.StepCount())
}

func TestSGDMomentum(t *testing.T) {
	p := paramWithGrad(t, []float32{0}, []float32{1})
	sgd := NewSGD(SGDConfig{Momentum: 0.9}, []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 1, 0)})

	require.NoError(t, sgd.Step()) // buf = 1
	require.NoError(t, sgd.Step()) // buf = 1.9
	assert.InDelta(t, -2.9, p.Data[0], 1e-6)
}

func TestSGDSkipsParamsWithoutGrad(t *testing.T) {
	p, err := tensor.NewTensor([]int{1}, []float32{3})
	require.NoError(t, err)
	sgd := NewSGD(DefaultSGDConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 1, 0)})
	require.NoError(t, sgd.Step())
	assert.Equal(t, float32(3), p.Data[0])
}

func TestSGDStateRoundTrip(t *testing.T) {
	p := paramWithGrad(t, []float32{0, 0}, []float32{1, 1})
	sgd := NewSGD(SGDConfig{Momentum: 0.5}, []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 0.1, 0)})
	require.NoError(t, sgd.Step())
	sgd.ParamGroups()[0].LR = 0.01

	state, err := sgd.StateDict()
	require.NoError(t, err)
	require.Len(t, state.StateData, 1)
	assert.Equal(t, "momentum_0", state.StateData[0].Name)

	q := paramWithGrad(t, []float32{0, 0}, []float32{1, 1})
	restored := NewSGD(DefaultSGDConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{q}, 0.1, 0)})
	require.NoError(t, restored.LoadStateDict(state))
	assert.Equal(t, 0.5, restored.Momentum)
	assert.Equal(t, 0.01, restored.ParamGroups()[0].LR)
	assert.Equal(t, uint64(1), restored.StepCount())

	// state is copied, not shared
	state.StateData[0].Data[0] = 99
	assert.Equal(t, float32(1), restored.momentum[0][0])

	assert.Error(t, restored.LoadStateDict(&OptimizerState{Type: "adam"}))
}

func TestZeroGrad(t *testing.T) {
	p := paramWithGrad(t, []float32{1}, []float32{5})
	sgd := NewSGD(DefaultSGDConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 1, 0)})
	sgd.ZeroGrad()
	assert.Equal(t, []float32{0}, p.Grad().Data)
}
