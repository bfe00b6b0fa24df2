package loggers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/distributed"
	"github.com/tsawler/visiontrain/training"
)

// Options carries what Build needs beyond the config.
type Options struct {
	FS     afero.Fs
	Group  distributed.Group
	Logger *zap.Logger
	// Registerer receives the prometheus collectors when
	// logging.prometheus is on.
	Registerer prometheus.Registerer
	// Extra sinks are appended after the configured ones.
	Extra []training.Sink
}

// Build creates the run's versioned result directory and the sinks
// enabled in conf.Logging. Every rank gets the same directory; only the
// primary rank gets sinks that write files.
func Build(conf *config.Config, opts Options) (*MultiSink, error) {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Group == nil {
		opts.Group = distributed.Single{}
	}
	dir, err := NewResultDir(opts.FS, conf.Logging.OutputDir, conf.Logging.ProjectID, opts.Group)
	if err != nil {
		return nil, err
	}

	multi := NewMultiSink(dir, NewConsoleSink(opts.Logger, dir))
	if !distributed.IsPrimary(opts.Group) {
		return multi, nil
	}
	lc := conf.Logging
	if lc.Prometheus {
		multi.Add(NewPrometheusSink(opts.Registerer, dir))
	}
	if lc.Charts {
		multi.Add(NewChartSink(opts.FS, dir, conf.Model.Name, opts.Logger))
	}
	if lc.Progression {
		multi.Add(NewProgressionSink(opts.FS, dir))
	}
	if lc.SaveImages {
		multi.Add(NewImageSink(opts.FS, dir, lc.NumSamples))
	}
	for _, s := range opts.Extra {
		multi.Add(s)
	}
	return multi, nil
}
