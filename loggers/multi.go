package loggers

import (
	"go.uber.org/multierr"

	"github.com/tsawler/visiontrain/training"
)

// MultiSink fans every call out to its sinks in order. Errors from
// individual sinks are combined; one failing sink does not stop the others.
type MultiSink struct {
	dir   string
	sinks []training.Sink
}

func NewMultiSink(dir string, sinks ...training.Sink) *MultiSink {
	return &MultiSink{dir: dir, sinks: sinks}
}

func (m *MultiSink) Add(s training.Sink) { m.sinks = append(m.sinks, s) }

func (m *MultiSink) Sinks() []training.Sink { return m.sinks }

func (m *MultiSink) ResultDir() string { return m.dir }

func (m *MultiSink) UpdateEpoch(epoch int) {
	for _, s := range m.sinks {
		s.UpdateEpoch(epoch)
	}
}

func (m *MultiSink) LogEpoch(rec training.EpochLog) error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.LogEpoch(rec))
	}
	return err
}

func (m *MultiSink) LogTest(rec training.TestLog) error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.LogTest(rec))
	}
	return err
}

func (m *MultiSink) LogEnd(summary *training.TrainingSummary) error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.LogEnd(summary))
	}
	return err
}

// LogStatus reaches the sinks that track run status.
func (m *MultiSink) LogStatus(status training.RunStatus, cause error) error {
	var err error
	for _, s := range m.sinks {
		if ss, ok := s.(training.StatusSink); ok {
			err = multierr.Append(err, ss.LogStatus(status, cause))
		}
	}
	return err
}
