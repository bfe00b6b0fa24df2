package optimizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/tensor"
)

func TestDefaultAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	assert.Equal(t, 0.9, config.Beta1)
	assert.Equal(t, 0.999, config.Beta2)
	assert.Equal(t, 1e-8, config.Epsilon)
}

func TestAdamFirstStepMagnitude(t *testing.T) {
	// With bias correction the first update is lr * sign(grad).
	p := paramWithGrad(t, []float32{1, 1}, []float32{0.3, -4})
	adam := NewAdam(DefaultAdamConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 0.01, 0)})
	require.NoError(t, adam.Step())
	assert.InDeltaSlice(t, []float32{0.99, 1.01}, p.Data, 1e-5)
}

func TestAdamWDecouplesDecay(t *testing.T) {
	p := paramWithGrad(t, []float32{1}, []float32{0})
	cfg := DefaultAdamConfig()
	cfg.Decoupled = true
	adam := NewAdam(cfg, []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 0.1, 0.5)})
	require.NoError(t, adam.Step())
	assert.InDelta(t, 0.95, p.Data[0], 1e-6)

	state, err := adam.StateDict()
	require.NoError(t, err)
	assert.Equal(t, "adamw", state.Type)
}

func TestAdamStateSurvivesJSON(t *testing.T) {
	p := paramWithGrad(t, []float32{1, 2, 3}, []float32{1, 1, 1})
	adam := NewAdam(DefaultAdamConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 0.01, 0)})
	require.NoError(t, adam.Step())
	require.NoError(t, adam.Step())

	state, err := adam.StateDict()
	require.NoError(t, err)
	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded OptimizerState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	q := paramWithGrad(t, []float32{1, 2, 3}, []float32{1, 1, 1})
	restored := NewAdam(DefaultAdamConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{q}, 0.01, 0)})
	require.NoError(t, restored.LoadStateDict(&decoded))
	assert.Equal(t, uint64(2), restored.StepCount())
	assert.Equal(t, adam.m[0], restored.m[0])
	assert.Equal(t, adam.v[0], restored.v[0])
}

func TestAdamLoadRejectsShapeMismatch(t *testing.T) {
	p := paramWithGrad(t, []float32{1, 2}, []float32{1, 1})
	adam := NewAdam(DefaultAdamConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 0.01, 0)})
	require.NoError(t, adam.Step())
	state, err := adam.StateDict()
	require.NoError(t, err)

	q := paramWithGrad(t, []float32{1}, []float32{1})
	other := NewAdam(DefaultAdamConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{q}, 0.01, 0)})
	assert.Error(t, other.LoadStateDict(state))
}
