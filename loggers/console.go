package loggers

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/tsawler/visiontrain/training"
)

// ConsoleSink writes one structured line per epoch and a summary block
// at the end of training.
type ConsoleSink struct {
	logger     *zap.Logger
	dir        string
	epoch      int
	epochTimes stats.Float64Data
}

func NewConsoleSink(logger *zap.Logger, dir string) *ConsoleSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleSink{logger: logger.Named("console"), dir: dir}
}

func (s *ConsoleSink) UpdateEpoch(epoch int) { s.epoch = epoch }

func (s *ConsoleSink) ResultDir() string { return s.dir }

func (s *ConsoleSink) LogEpoch(rec training.EpochLog) error {
	s.epochTimes = append(s.epochTimes, rec.ElapsedTime)

	fields := []zap.Field{
		zap.Int("epoch", rec.Epoch),
		zap.Int("total_epochs", rec.TotalEpochs),
		zap.Float64("lr", rec.LearningRate),
		zap.Duration("elapsed", seconds(rec.ElapsedTime)),
	}
	fields = append(fields, valueFields("train/", rec.TrainLosses)...)
	fields = append(fields, valueFields("train/", rec.TrainMetrics)...)
	if rec.ValidLosses != nil {
		fields = append(fields, valueFields("valid/", rec.ValidLosses)...)
		fields = append(fields, valueFields("valid/", rec.ValidMetrics)...)
		fields = append(fields, zap.Int("samples", len(rec.Samples)))
	}
	s.logger.Info("epoch", fields...)
	return nil
}

func (s *ConsoleSink) LogTest(rec training.TestLog) error {
	fields := append(valueFields("test/", rec.Losses), valueFields("test/", rec.Metrics)...)
	s.logger.Info("test", fields...)
	return nil
}

func (s *ConsoleSink) LogEnd(summary *training.TrainingSummary) error {
	fields := []zap.Field{
		zap.Int("best_epoch", summary.BestEpoch),
		zap.Int("last_epoch", summary.LastEpoch),
		zap.Float64("best_valid_loss", summary.ValidLosses[summary.BestEpoch]),
		zap.String("params", humanize.Comma(summary.Params)),
		zap.String("macs", humanizeSI(float64(summary.MACs), "MAC")),
		zap.Duration("train_time", seconds(summary.TotalTrainTime)),
		zap.String("result_dir", s.dir),
	}
	if best, ok := summary.ValidMetrics[summary.BestEpoch]; ok && summary.PrimaryMetric != "" {
		fields = append(fields, zap.Float64("best_"+summary.PrimaryMetric, best[summary.PrimaryMetric]))
	}
	if len(s.epochTimes) > 0 {
		mean, _ := stats.Mean(s.epochTimes)
		median, _ := stats.Median(s.epochTimes)
		slowest, _ := stats.Max(s.epochTimes)
		fields = append(fields,
			zap.Duration("epoch_time_mean", seconds(mean)),
			zap.Duration("epoch_time_median", seconds(median)),
			zap.Duration("epoch_time_max", seconds(slowest)),
		)
	}
	s.logger.Info("training summary", fields...)
	return nil
}

func valueFields(prefix string, values map[string]float64) []zap.Field {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Float64(prefix+k, values[k]))
	}
	return fields
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func humanizeSI(v float64, unit string) string {
	if v == 0 {
		return "0 " + unit
	}
	return humanize.SIWithDigits(v, 2, unit)
}
