package training

import (
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/visiontrain/optimizer"
)

// SummaryFileName is the file holding the summary and optimizer state.
const SummaryFileName = "training_summary.json"

// TotalLossKey names the aggregate loss in every loss result.
const TotalLossKey = "total"

var (
	ErrNoValidLosses = errors.New("training summary: no validation losses recorded")
	ErrNoTrainLosses = errors.New("training summary: no training losses recorded")
)

// EpochRecord is one ledger entry. Valid maps are nil for epochs that did
// not run validation.
type EpochRecord struct {
	TrainLosses  map[string]float64 `json:"train_losses"`
	TrainMetrics map[string]float64 `json:"train_metrics"`
	ValidLosses  map[string]float64 `json:"valid_losses,omitempty"`
	ValidMetrics map[string]float64 `json:"valid_metrics,omitempty"`
}

// History is the epoch-indexed training ledger.
type History map[int]EpochRecord

// Epochs returns the recorded epochs in ascending order.
func (h History) Epochs() []int {
	epochs := make([]int, 0, len(h))
	for e := range h {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)
	return epochs
}

// TrainingSummary is the end-of-run record. Build it with NewTrainingSummary.
type TrainingSummary struct {
	TotalTrainTime  float64                    `json:"total_train_time"`
	TotalEpoch      int                        `json:"total_epoch"`
	TrainLosses     map[int]float64            `json:"train_losses"`
	ValidLosses     map[int]float64            `json:"valid_losses"`
	TrainMetrics    map[int]map[string]float64 `json:"train_metrics"`
	ValidMetrics    map[int]map[string]float64 `json:"valid_metrics"`
	MetricsList     []string                   `json:"metrics_list"`
	PrimaryMetric   string                     `json:"primary_metric"`
	MACs            int64                      `json:"macs"`
	Params          int64                      `json:"params"`
	StartEpochAtOne bool                       `json:"start_epoch_at_one"`
	BestEpoch       int                        `json:"best_epoch"`
	LastEpoch       int                        `json:"last_epoch"`
}

// SummaryInput carries everything except the derived fields.
type SummaryInput struct {
	TotalTrainTime  float64
	TotalEpoch      int
	TrainLosses     map[int]float64
	ValidLosses     map[int]float64
	TrainMetrics    map[int]map[string]float64
	ValidMetrics    map[int]map[string]float64
	MetricsList     []string
	PrimaryMetric   string
	MACs            int64
	Params          int64
	StartEpochAtOne bool
}

// NewTrainingSummary derives BestEpoch as the epoch with the lowest
// validation loss (earliest on ties) and LastEpoch as the highest trained
// epoch.
func NewTrainingSummary(in SummaryInput) (*TrainingSummary, error) {
	if len(in.TrainLosses) == 0 {
		return nil, ErrNoTrainLosses
	}
	if len(in.ValidLosses) == 0 {
		return nil, ErrNoValidLosses
	}

	best := 0
	first := true
	for _, e := range sortedKeys(in.ValidLosses) {
		if first || in.ValidLosses[e] < in.ValidLosses[best] {
			best = e
			first = false
		}
	}

	keys := sortedKeys(in.TrainLosses)
	return &TrainingSummary{
		TotalTrainTime:  in.TotalTrainTime,
		TotalEpoch:      in.TotalEpoch,
		TrainLosses:     in.TrainLosses,
		ValidLosses:     in.ValidLosses,
		TrainMetrics:    in.TrainMetrics,
		ValidMetrics:    in.ValidMetrics,
		MetricsList:     in.MetricsList,
		PrimaryMetric:   in.PrimaryMetric,
		MACs:            in.MACs,
		Params:          in.Params,
		StartEpochAtOne: in.StartEpochAtOne,
		BestEpoch:       best,
		LastEpoch:       keys[len(keys)-1],
	}, nil
}

// Summary projects the ledger into a summary, taking the total loss of each
// epoch. Ledger fields in in are overwritten.
func (h History) Summary(in SummaryInput) (*TrainingSummary, error) {
	in.TrainLosses = make(map[int]float64)
	in.ValidLosses = make(map[int]float64)
	in.TrainMetrics = make(map[int]map[string]float64)
	in.ValidMetrics = make(map[int]map[string]float64)

	for e, rec := range h {
		in.TrainLosses[e] = rec.TrainLosses[TotalLossKey]
		in.TrainMetrics[e] = rec.TrainMetrics
		if rec.ValidLosses != nil {
			in.ValidLosses[e] = rec.ValidLosses[TotalLossKey]
			in.ValidMetrics[e] = rec.ValidMetrics
		}
	}
	return NewTrainingSummary(in)
}

// SummaryFromHistory is h.Summary(in).
func SummaryFromHistory(h History, in SummaryInput) (*TrainingSummary, error) {
	return h.Summary(in)
}

// HistoryFromSummary rebuilds a ledger from a persisted summary so a resumed
// run keeps the earlier epochs.
func HistoryFromSummary(s *TrainingSummary) History {
	h := make(History, len(s.TrainLosses))
	for e, loss := range s.TrainLosses {
		rec := EpochRecord{
			TrainLosses:  map[string]float64{TotalLossKey: loss},
			TrainMetrics: s.TrainMetrics[e],
		}
		if v, ok := s.ValidLosses[e]; ok {
			rec.ValidLosses = map[string]float64{TotalLossKey: v}
			rec.ValidMetrics = s.ValidMetrics[e]
		}
		h[e] = rec
	}
	return h
}

func sortedKeys(m map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// SummaryFile is the persisted resume state.
type SummaryFile struct {
	Summary   *TrainingSummary          `json:"summary"`
	Optimizer *optimizer.OptimizerState `json:"optimizer"`
}

// SaveSummaryFile writes the summary and optimizer state into dir.
func SaveSummaryFile(fs afero.Fs, dir string, summary *TrainingSummary, opt *optimizer.OptimizerState) (string, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create result directory %s", dir)
	}
	data, err := json.MarshalIndent(SummaryFile{Summary: summary, Optimizer: opt}, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode training summary")
	}
	path := filepath.Join(dir, SummaryFileName)
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write training summary")
	}
	return path, nil
}

// LoadSummaryFile reads a summary file. A directory argument is resolved to
// the summary file inside it.
func LoadSummaryFile(fs afero.Fs, path string) (*SummaryFile, error) {
	if isDir, err := afero.IsDir(fs, path); err == nil && isDir {
		path = filepath.Join(path, SummaryFileName)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read training summary")
	}
	var file SummaryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to decode training summary %s", path)
	}
	if file.Summary == nil {
		return nil, errors.Errorf("training summary %s has no summary section", path)
	}
	return &file, nil
}
