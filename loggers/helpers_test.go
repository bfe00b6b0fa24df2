package loggers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/tensor"
	"github.com/tsawler/visiontrain/training"
)

func epochLog(epoch int, validated bool) training.EpochLog {
	rec := training.EpochLog{
		Epoch:        epoch,
		TotalEpochs:  3,
		TrainLosses:  map[string]float64{training.TotalLossKey: 1 / float64(epoch)},
		TrainMetrics: map[string]float64{"acc@1": 0.2 * float64(epoch)},
		LearningRate: 0.1 / float64(epoch),
		ElapsedTime:  float64(epoch),
	}
	if validated {
		rec.ValidLosses = map[string]float64{training.TotalLossKey: 2 / float64(epoch)}
		rec.ValidMetrics = map[string]float64{"acc@1": 0.1 * float64(epoch)}
	}
	return rec
}

func testSummary(t *testing.T) *training.TrainingSummary {
	t.Helper()
	s, err := training.NewTrainingSummary(training.SummaryInput{
		TotalTrainTime:  6,
		TotalEpoch:      3,
		TrainLosses:     map[int]float64{1: 1, 2: 0.5, 3: 0.3},
		ValidLosses:     map[int]float64{1: 2, 3: 0.6},
		ValidMetrics:    map[int]map[string]float64{1: {"acc@1": 0.1}, 3: {"acc@1": 0.3}},
		MetricsList:     []string{"acc@1"},
		PrimaryMetric:   "acc@1",
		Params:          1234567,
		MACs:            2500000,
		StartEpochAtOne: true,
	})
	require.NoError(t, err)
	return s
}

func images(t *testing.T, shape []int) *tensor.Tensor {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i % 7)
	}
	img, err := tensor.NewTensor(shape, data)
	require.NoError(t, err)
	return img
}
