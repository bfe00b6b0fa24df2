package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/tensor"
)

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.NewTensor(shape, data)
	require.NoError(t, err)
	return out
}

func TestLinearClassifierForwardBackward(t *testing.T) {
	m, err := NewLinearClassifier([]int{1, 1, 2}, 2)
	require.NoError(t, err)
	copy(m.fc.weight.Data, []float32{1, 2, 3, 4})
	copy(m.fc.bias.Data, []float32{0.5, -0.5})

	out, err := m.Forward(mustTensor(t, []int{1, 1, 1, 2}, []float32{1, 2}))
	require.NoError(t, err)
	logits, err := out.Get("logits")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, logits.Shape)
	assert.Equal(t, []float32{5.5, 10.5}, logits.Data)

	require.NoError(t, out.Backward(map[string][]float32{"logits": {1, 0}}))
	assert.Equal(t, []float32{1, 2, 0, 0}, m.fc.weight.Grad().Data)
	assert.Equal(t, []float32{1, 0}, m.fc.bias.Grad().Data)
}

func TestLinearClassifierRejectsWrongInput(t *testing.T) {
	m, err := NewLinearClassifier([]int{3, 2, 2}, 4)
	require.NoError(t, err)
	_, err = m.Forward(mustTensor(t, []int{1, 2, 2, 2}, nil))
	assert.Error(t, err)
}

func TestPixelClassifierKeepsSpatialLayout(t *testing.T) {
	m, err := NewPixelClassifier(2, 2)
	require.NoError(t, err)
	// Class 0 copies channel 0, class 1 copies channel 1.
	copy(m.head.weight.Data, []float32{1, 0, 0, 1})

	// [1, 2, 1, 3]: channel 0 = 1 2 3, channel 1 = 4 5 6
	in := mustTensor(t, []int{1, 2, 1, 3}, []float32{1, 2, 3, 4, 5, 6})
	out, err := m.Forward(in)
	require.NoError(t, err)
	logits, err := out.Get("logits")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 1, 3}, logits.Shape)
	assert.Equal(t, in.Data, logits.Data)

	_, err = m.Forward(mustTensor(t, []int{1, 3, 1, 1}, nil))
	assert.Error(t, err)
}

func TestSlotDetectorHeads(t *testing.T) {
	m, err := NewSlotDetector([]int{1, 2, 2}, 3, 4)
	require.NoError(t, err)
	out, err := m.Forward(mustTensor(t, []int{2, 1, 2, 2}, nil))
	require.NoError(t, err)

	boxes, err := out.Get("boxes")
	require.NoError(t, err)
	scores, err := out.Get("class_logits")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4}, boxes.Shape)
	assert.Equal(t, []int{2, 4, 4}, scores.Shape)

	grads := map[string][]float32{"boxes": make([]float32, boxes.Numel())}
	grads["boxes"][0] = 1
	require.NoError(t, out.Backward(grads))
	assert.Equal(t, float32(1), m.fc.bias.Grad().Data[0])
}

func TestBuildModel(t *testing.T) {
	for _, name := range []string{"linear", "pixel", "slot_detector"} {
		m, err := BuildModel(name, []int{3, 4, 4}, 5)
		require.NoError(t, err, name)
		assert.True(t, m.IsTraining())
		m.Eval()
		assert.False(t, m.IsTraining())
		assert.Positive(t, CountParams(m))
	}
	_, err := BuildModel("resnet", []int{3, 4, 4}, 5)
	assert.Error(t, err)
}
