package loggers

import (
	"encoding/json"
	"math"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/wcharczuk/go-chart"
	"go.uber.org/zap"

	"github.com/tsawler/visiontrain/training"
)

// CurvesFileName holds the JSON form of every chart.
const CurvesFileName = "curves.json"

// ChartSink redraws the training curves after every epoch, so an
// interrupted run still leaves charts up to its last epoch.
type ChartSink struct {
	fs        afero.Fs
	dir       string
	logger    *zap.Logger
	collector *CurveCollector
}

func NewChartSink(fs afero.Fs, dir, modelName string, logger *zap.Logger) *ChartSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChartSink{
		fs:        fs,
		dir:       dir,
		logger:    logger.Named("charts"),
		collector: NewCurveCollector(modelName),
	}
}

func (s *ChartSink) Collector() *CurveCollector { return s.collector }

func (s *ChartSink) UpdateEpoch(int) {}

func (s *ChartSink) ResultDir() string { return s.dir }

func (s *ChartSink) LogTest(training.TestLog) error { return nil }

func (s *ChartSink) LogEpoch(rec training.EpochLog) error {
	s.collector.RecordEpoch(rec)
	return s.flush()
}

func (s *ChartSink) LogEnd(*training.TrainingSummary) error {
	return s.flush()
}

func (s *ChartSink) flush() error {
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrapf(err, "create chart directory")
	}
	plots := s.collector.Plots()
	data, err := json.MarshalIndent(plots, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal curves")
	}
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, CurvesFileName), data, 0644); err != nil {
		return errors.Wrapf(err, "write curves")
	}

	for _, plot := range plots {
		// Rendering errors are logged, not returned.
		if err := s.render(plot); err != nil {
			s.logger.Warn("failed to render chart", zap.String("plot", string(plot.PlotType)), zap.Error(err))
		}
	}
	return nil
}

func (s *ChartSink) render(plot PlotData) error {
	var series []chart.Series
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, sd := range plot.Series {
		if len(sd.Data) < 2 {
			continue
		}
		xs := make([]float64, len(sd.Data))
		ys := make([]float64, len(sd.Data))
		for j, p := range sd.Data {
			xs[j], ys[j] = p.X, p.Y
			lo, hi = math.Min(lo, p.Y), math.Max(hi, p.Y)
		}
		var dashes []float64
		if strings.HasPrefix(sd.Name, "valid/") {
			dashes = []float64{5.0, 5.0}
		}
		series = append(series, chart.ContinuousSeries{
			Name:    sd.Name,
			XValues: xs,
			YValues: ys,
			Style: chart.Style{
				Show:            true,
				StrokeColor:     chart.GetAlternateColor(i),
				StrokeDashArray: dashes,
			},
		})
	}
	if len(series) == 0 {
		return nil
	}

	graph := chart.Chart{
		Title:      plot.Title,
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      plot.Config.XAxisLabel,
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		YAxis: chart.YAxis{
			Name:      plot.Config.YAxisLabel,
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		Series: series,
	}
	if hi-lo < 1e-12 {
		// Flat series have no range to scale to.
		graph.YAxis.Range = &chart.ContinuousRange{Min: lo - 1, Max: hi + 1}
	}
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}

	f, err := s.fs.Create(filepath.Join(s.dir, string(plot.PlotType)+".png"))
	if err != nil {
		return err
	}
	if err := graph.Render(chart.PNG, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
