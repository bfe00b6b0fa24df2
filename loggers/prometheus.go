package loggers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tsawler/visiontrain/training"
)

var runStatuses = []training.RunStatus{
	training.StatusRunning,
	training.StatusSuccess,
	training.StatusFailed,
	training.StatusInterrupted,
}

// PrometheusSink mirrors the latest epoch into gauges so a scrape of the
// trainer's /metrics endpoint shows live progress.
type PrometheusSink struct {
	dir string

	Epoch         prometheus.Gauge
	LearningRate  prometheus.Gauge
	Loss          *prometheus.GaugeVec
	Metric        *prometheus.GaugeVec
	EpochDuration prometheus.Histogram
	BestEpoch     prometheus.Gauge
	Status        *prometheus.GaugeVec
}

// NewPrometheusSink registers the training collectors on reg. A nil reg
// uses a private registry.
func NewPrometheusSink(reg prometheus.Registerer, dir string) *PrometheusSink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &PrometheusSink{
		dir: dir,
		Epoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visiontrain_epoch",
			Help: "Epoch currently being trained",
		}),
		LearningRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visiontrain_learning_rate",
			Help: "Learning rate used by the last finished epoch",
		}),
		Loss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "visiontrain_loss",
			Help: "Average loss of the last finished epoch by phase and criterion",
		}, []string{"phase", "name"}),
		Metric: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "visiontrain_metric",
			Help: "Metric value of the last finished epoch by phase",
		}, []string{"phase", "name"}),
		EpochDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "visiontrain_epoch_duration_seconds",
			Help:    "Wall time per epoch including validation",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		BestEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visiontrain_best_epoch",
			Help: "Epoch with the lowest validation loss",
		}),
		Status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "visiontrain_run_status",
			Help: "1 for the current run status, 0 otherwise",
		}, []string{"status"}),
	}
}

func (s *PrometheusSink) UpdateEpoch(epoch int) { s.Epoch.Set(float64(epoch)) }

func (s *PrometheusSink) ResultDir() string { return s.dir }

func (s *PrometheusSink) LogEpoch(rec training.EpochLog) error {
	s.LearningRate.Set(rec.LearningRate)
	s.EpochDuration.Observe(rec.ElapsedTime)
	s.setAll(s.Loss, training.PhaseTrain, rec.TrainLosses)
	s.setAll(s.Metric, training.PhaseTrain, rec.TrainMetrics)
	if rec.ValidLosses != nil {
		s.setAll(s.Loss, training.PhaseValid, rec.ValidLosses)
		s.setAll(s.Metric, training.PhaseValid, rec.ValidMetrics)
	}
	return nil
}

func (s *PrometheusSink) LogTest(rec training.TestLog) error {
	s.setAll(s.Loss, training.PhaseTest, rec.Losses)
	s.setAll(s.Metric, training.PhaseTest, rec.Metrics)
	return nil
}

func (s *PrometheusSink) LogEnd(summary *training.TrainingSummary) error {
	s.BestEpoch.Set(float64(summary.BestEpoch))
	return nil
}

func (s *PrometheusSink) LogStatus(status training.RunStatus, _ error) error {
	for _, st := range runStatuses {
		v := 0.0
		if st == status {
			v = 1
		}
		s.Status.WithLabelValues(string(st)).Set(v)
	}
	return nil
}

func (s *PrometheusSink) setAll(vec *prometheus.GaugeVec, phase training.Phase, values map[string]float64) {
	for name, v := range values {
		vec.WithLabelValues(string(phase), name).Set(v)
	}
}
