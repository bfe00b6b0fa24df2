package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/tensor"
)

func TestRMSPropStepAndState(t *testing.T) {
	p := paramWithGrad(t, []float32{1}, []float32{2})
	r := NewRMSProp(DefaultRMSPropConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{p}, 0.01, 0)})
	require.NoError(t, r.Step())
	assert.Less(t, p.Data[0], float32(1))

	state, err := r.StateDict()
	require.NoError(t, err)
	assert.Equal(t, "rmsprop", state.Type)
	require.Len(t, state.StateData, 1)
	assert.Equal(t, "squared_grad_avg_0", state.StateData[0].Name)

	q := paramWithGrad(t, []float32{1}, []float32{2})
	restored := NewRMSProp(DefaultRMSPropConfig(), []*ParamGroup{NewParamGroup([]*tensor.Tensor{q}, 0.01, 0)})
	require.NoError(t, restored.LoadStateDict(state))
	assert.Equal(t, r.squareAvg[0], restored.squareAvg[0])
}
