package runstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/training"
)

// RunInfo describes the run a RunSink records.
type RunInfo struct {
	RunID       string
	ProjectID   string
	Task        string
	ModelName   string
	ResultDir   string
	TotalEpochs int
}

// RunSink records a run's lifecycle in the registry. The row is created on
// the first status update and finalised by a terminal status.
type RunSink struct {
	store   *Store
	info    RunInfo
	created bool
	now     func() time.Time
}

// NewRunSink assigns a new run id when info.RunID is empty.
func NewRunSink(store *Store, info RunInfo) *RunSink {
	if info.RunID == "" {
		info.RunID = uuid.NewString()
	}
	return &RunSink{store: store, info: info, now: time.Now}
}

func (s *RunSink) RunID() string { return s.info.RunID }

func (s *RunSink) ResultDir() string { return s.info.ResultDir }

func (s *RunSink) UpdateEpoch(int) {}

func (s *RunSink) LogEpoch(rec training.EpochLog) error {
	if !s.created {
		return nil
	}
	return s.store.Update(context.Background(), s.info.RunID, map[string]interface{}{
		"current_epoch": rec.Epoch,
		"total_epochs":  rec.TotalEpochs,
	})
}

func (s *RunSink) LogTest(training.TestLog) error { return nil }

func (s *RunSink) LogEnd(summary *training.TrainingSummary) error {
	if !s.created {
		if err := s.create(); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrapf(err, "runstore: marshal summary")
	}
	columns := map[string]interface{}{
		"best_epoch":      summary.BestEpoch,
		"best_valid_loss": summary.ValidLosses[summary.BestEpoch],
		"primary_metric":  summary.PrimaryMetric,
		"train_time":      summary.TotalTrainTime,
		"params":          summary.Params,
		"macs":            summary.MACs,
		"current_epoch":   summary.LastEpoch,
		"summary":         string(raw),
	}
	if m, ok := summary.ValidMetrics[summary.BestEpoch][summary.PrimaryMetric]; ok {
		columns["best_metric"] = m
	}
	return s.store.Update(context.Background(), s.info.RunID, columns)
}

func (s *RunSink) LogStatus(status training.RunStatus, cause error) error {
	if !s.created {
		if err := s.create(); err != nil {
			return err
		}
	}
	columns := map[string]interface{}{"status": status}
	if cause != nil {
		columns["error"] = cause.Error()
	}
	if status != training.StatusRunning {
		columns["finished_at"] = s.now().UTC()
	}
	return s.store.Update(context.Background(), s.info.RunID, columns)
}

func (s *RunSink) create() error {
	err := s.store.Create(context.Background(), &Run{
		RunID:       s.info.RunID,
		ProjectID:   s.info.ProjectID,
		Task:        s.info.Task,
		ModelName:   s.info.ModelName,
		ResultDir:   s.info.ResultDir,
		Status:      training.StatusRunning,
		TotalEpochs: s.info.TotalEpochs,
	})
	if err != nil {
		return err
	}
	s.created = true
	return nil
}
