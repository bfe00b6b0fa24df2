package runstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/training"
)

func TestRunSinkRecordsSuccessfulRun(t *testing.T) {
	store := openTestStore(t)
	sink := NewRunSink(store, RunInfo{ProjectID: "p", Task: "classification", ModelName: "linear", ResultDir: "out/v0", TotalEpochs: 2})
	_, err := uuid.Parse(sink.RunID())
	require.NoError(t, err)
	assert.Equal(t, "out/v0", sink.ResultDir())

	// Epochs before the run row exists are ignored.
	require.NoError(t, sink.LogEpoch(training.EpochLog{Epoch: 1, TotalEpochs: 2}))

	require.NoError(t, sink.LogStatus(training.StatusRunning, nil))
	require.NoError(t, sink.LogEpoch(training.EpochLog{Epoch: 1, TotalEpochs: 2}))
	run, err := store.Find(context.Background(), sink.RunID())
	require.NoError(t, err)
	assert.Equal(t, training.StatusRunning, run.Status)
	assert.Equal(t, 1, run.CurrentEpoch)
	assert.Nil(t, run.FinishedAt)

	summary, err := training.NewTrainingSummary(training.SummaryInput{
		TotalTrainTime: 3,
		TotalEpoch:     2,
		TrainLosses:    map[int]float64{1: 1, 2: 0.5},
		ValidLosses:    map[int]float64{1: 0.9, 2: 0.7},
		ValidMetrics:   map[int]map[string]float64{1: {"acc@1": 0.4}, 2: {"acc@1": 0.6}},
		PrimaryMetric:  "acc@1",
		Params:         15,
	})
	require.NoError(t, err)
	require.NoError(t, sink.LogEnd(summary))
	require.NoError(t, sink.LogStatus(training.StatusSuccess, nil))

	run, err = store.Find(context.Background(), sink.RunID())
	require.NoError(t, err)
	assert.True(t, run.Terminal())
	assert.Equal(t, training.StatusSuccess, run.Status)
	require.NotNil(t, run.BestEpoch)
	assert.Equal(t, 2, *run.BestEpoch)
	require.NotNil(t, run.BestMetric)
	assert.Equal(t, 0.6, *run.BestMetric)
	assert.Equal(t, int64(15), run.Params)
	assert.NotNil(t, run.FinishedAt)

	require.NotNil(t, run.Summary)
	var stored training.TrainingSummary
	require.NoError(t, json.Unmarshal([]byte(*run.Summary), &stored))
	assert.Equal(t, 2, stored.LastEpoch)
}

func TestRunSinkRecordsFailure(t *testing.T) {
	store := openTestStore(t)
	sink := NewRunSink(store, RunInfo{RunID: "fixed"})
	require.NoError(t, sink.LogStatus(training.StatusRunning, nil))
	require.NoError(t, sink.LogStatus(training.StatusInterrupted, errors.New("context canceled")))

	run, err := store.Find(context.Background(), "fixed")
	require.NoError(t, err)
	assert.Equal(t, training.StatusInterrupted, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "context canceled", *run.Error)
}
