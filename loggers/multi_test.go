package loggers

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/training"
)

type failingSink struct {
	training.Sink
	err error
}

func (f failingSink) LogEpoch(training.EpochLog) error { return f.err }

func TestMultiSinkFansOut(t *testing.T) {
	fs := afero.NewMemMapFs()
	prom := NewPrometheusSink(nil, "out")
	prog := NewProgressionSink(fs, "out")
	boom := errors.New("disk full")
	multi := NewMultiSink("out", failingSink{Sink: NewConsoleSink(nil, "out"), err: boom}, prom, prog)

	multi.UpdateEpoch(4)
	err := multi.LogEpoch(epochLog(4, true))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.True(t, errors.Is(err, boom))

	// The later sinks still ran.
	assert.Equal(t, 4, prog.Progression().Epoch)
	require.NoError(t, multi.LogStatus(training.StatusInterrupted, nil))
	assert.Equal(t, training.StatusInterrupted, prog.Progression().Status)
	assert.Equal(t, "out", multi.ResultDir())
}

func TestBuildEnablesConfiguredSinks(t *testing.T) {
	conf := config.Default()
	conf.Logging.OutputDir = "runs"
	conf.Logging.ProjectID = "proj"
	conf.Logging.Prometheus = true
	conf.Logging.Charts = true
	conf.Logging.Progression = true

	fs := afero.NewMemMapFs()
	multi, err := Build(conf, Options{FS: fs, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("runs", "proj", "version_0"), multi.ResultDir())
	require.Len(t, multi.Sinks(), 4)
	assert.IsType(t, &ConsoleSink{}, multi.Sinks()[0])
	assert.IsType(t, &PrometheusSink{}, multi.Sinks()[1])
	assert.IsType(t, &ChartSink{}, multi.Sinks()[2])
	assert.IsType(t, &ProgressionSink{}, multi.Sinks()[3])

	again, err := Build(config.Default(), Options{FS: fs})
	require.NoError(t, err)
	assert.Len(t, again.Sinks(), 1)
}
