package loggers

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/training"
)

func TestPrometheusSinkGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, "out")

	sink.UpdateEpoch(2)
	require.NoError(t, sink.LogEpoch(epochLog(2, true)))
	require.NoError(t, sink.LogStatus(training.StatusRunning, nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.Epoch))
	assert.InDelta(t, 0.05, testutil.ToFloat64(sink.LearningRate), 1e-12)
	assert.InDelta(t, 0.5, testutil.ToFloat64(sink.Loss.WithLabelValues("train", training.TotalLossKey)), 1e-12)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.Loss.WithLabelValues("valid", training.TotalLossKey)), 1e-12)
	assert.InDelta(t, 0.2, testutil.ToFloat64(sink.Metric.WithLabelValues("valid", "acc@1")), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.Status.WithLabelValues("running")))

	require.NoError(t, sink.LogStatus(training.StatusSuccess, nil))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.Status.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.Status.WithLabelValues("success")))

	require.NoError(t, sink.LogEnd(testSummary(t)))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.BestEpoch))

	expected := `
# HELP visiontrain_best_epoch Epoch with the lowest validation loss
# TYPE visiontrain_best_epoch gauge
visiontrain_best_epoch 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "visiontrain_best_epoch"))
}

func TestPrometheusSinkTestPhase(t *testing.T) {
	sink := NewPrometheusSink(nil, "")
	require.NoError(t, sink.LogTest(training.TestLog{
		Losses:  map[string]float64{training.TotalLossKey: 0.7},
		Metrics: map[string]float64{"miou": 0.4},
	}))
	assert.InDelta(t, 0.4, testutil.ToFloat64(sink.Metric.WithLabelValues("test", "miou")), 1e-12)
}
