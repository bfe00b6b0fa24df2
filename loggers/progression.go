package loggers

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/visiontrain/training"
)

// ProgressionFileName is rewritten after every epoch and status change.
const ProgressionFileName = "training_progression.json"

// Progression is the content of the progression file. External tools
// poll it to follow a run.
type Progression struct {
	RunID        string             `json:"run_id"`
	Status       training.RunStatus `json:"status"`
	Error        string             `json:"error,omitempty"`
	Epoch        int                `json:"epoch"`
	StartEpoch   int                `json:"start_epoch"`
	TotalEpochs  int                `json:"total_epochs"`
	Percent      float64            `json:"percent"`
	LearningRate float64            `json:"learning_rate"`
	TrainLosses  map[string]float64 `json:"train_losses,omitempty"`
	ValidLosses  map[string]float64 `json:"valid_losses,omitempty"`
	ValidMetrics map[string]float64 `json:"valid_metrics,omitempty"`
	BestEpoch    *int               `json:"best_epoch,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ProgressionSink keeps the progression file current.
type ProgressionSink struct {
	fs    afero.Fs
	dir   string
	state Progression
	first bool
	now   func() time.Time
}

// NewProgressionSink starts a progression for a fresh run id.
func NewProgressionSink(fs afero.Fs, dir string) *ProgressionSink {
	return &ProgressionSink{
		fs:    fs,
		dir:   dir,
		state: Progression{RunID: uuid.NewString()},
		first: true,
		now:   time.Now,
	}
}

func (s *ProgressionSink) RunID() string { return s.state.RunID }

func (s *ProgressionSink) Progression() Progression { return s.state }

func (s *ProgressionSink) ResultDir() string { return s.dir }

func (s *ProgressionSink) UpdateEpoch(epoch int) {
	if s.first {
		s.state.StartEpoch = epoch
		s.first = false
	}
	s.state.Epoch = epoch
}

func (s *ProgressionSink) LogEpoch(rec training.EpochLog) error {
	s.state.TotalEpochs = rec.TotalEpochs
	if rec.TotalEpochs > 0 {
		done := rec.Epoch - s.state.StartEpoch + 1
		s.state.Percent = 100 * float64(done) / float64(rec.TotalEpochs)
	}
	s.state.LearningRate = rec.LearningRate
	s.state.TrainLosses = rec.TrainLosses
	if rec.ValidLosses != nil {
		s.state.ValidLosses = rec.ValidLosses
		s.state.ValidMetrics = rec.ValidMetrics
	}
	return s.write()
}

func (s *ProgressionSink) LogTest(training.TestLog) error { return nil }

func (s *ProgressionSink) LogEnd(summary *training.TrainingSummary) error {
	best := summary.BestEpoch
	s.state.BestEpoch = &best
	s.state.Percent = 100
	return s.write()
}

func (s *ProgressionSink) LogStatus(status training.RunStatus, err error) error {
	s.state.Status = status
	s.state.Error = ""
	if err != nil {
		s.state.Error = err.Error()
	}
	return s.write()
}

func (s *ProgressionSink) write() error {
	s.state.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal progression")
	}
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrapf(err, "create progression directory")
	}
	return errors.Wrapf(afero.WriteFile(s.fs, filepath.Join(s.dir, ProgressionFileName), data, 0644),
		"write progression")
}

// ReadProgression loads the progression file from dir.
func ReadProgression(fs afero.Fs, dir string) (*Progression, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, ProgressionFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "read progression")
	}
	var p Progression
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "parse progression")
	}
	return &p, nil
}
