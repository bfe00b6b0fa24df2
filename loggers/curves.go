package loggers

import (
	"sort"
	"strings"
	"time"

	"github.com/tsawler/visiontrain/training"
)

// PlotType names one of the charts produced from the curve history.
type PlotType string

const (
	LossCurves           PlotType = "loss_curves"
	MetricCurves         PlotType = "metric_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotTypes lists every chart in render order.
var PlotTypes = []PlotType{LossCurves, MetricCurves, LearningRateSchedule}

// PlotData is the JSON form of one chart.
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

type SeriesData struct {
	Name string      `json:"name"`
	Data []DataPoint `json:"data"`
}

type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
}

// CurveCollector accumulates per-epoch values into named series, grouped
// by the plot they belong to.
type CurveCollector struct {
	modelName string
	series    map[PlotType]map[string]*SeriesData
	now       func() time.Time
}

func NewCurveCollector(modelName string) *CurveCollector {
	return &CurveCollector{
		modelName: modelName,
		series:    make(map[PlotType]map[string]*SeriesData),
		now:       time.Now,
	}
}

// RecordEpoch appends the epoch's losses, metrics and learning rate.
// Validation values are only present on validation epochs.
func (c *CurveCollector) RecordEpoch(rec training.EpochLog) {
	x := float64(rec.Epoch)
	c.addAll(LossCurves, "train/", x, rec.TrainLosses)
	c.addAll(MetricCurves, "train/", x, rec.TrainMetrics)
	if rec.ValidLosses != nil {
		c.addAll(LossCurves, "valid/", x, rec.ValidLosses)
		c.addAll(MetricCurves, "valid/", x, rec.ValidMetrics)
	}
	c.add(LearningRateSchedule, "lr", x, rec.LearningRate)
}

func (c *CurveCollector) addAll(plot PlotType, prefix string, x float64, values map[string]float64) {
	for name, y := range values {
		c.add(plot, prefix+name, x, y)
	}
}

func (c *CurveCollector) add(plot PlotType, name string, x, y float64) {
	byName := c.series[plot]
	if byName == nil {
		byName = make(map[string]*SeriesData)
		c.series[plot] = byName
	}
	s := byName[name]
	if s == nil {
		s = &SeriesData{Name: name}
		byName[name] = s
	}
	s.Data = append(s.Data, DataPoint{X: x, Y: y})
}

// Plot returns the chart data for plot with series sorted by name.
func (c *CurveCollector) Plot(plot PlotType) PlotData {
	data := PlotData{
		PlotType:  plot,
		Title:     plotTitle(plot),
		Timestamp: c.now(),
		ModelName: c.modelName,
		Config:    PlotConfig{XAxisLabel: "epoch", YAxisLabel: plotYLabel(plot)},
	}
	byName := c.series[plot]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := byName[name]
		data.Series = append(data.Series, SeriesData{
			Name: s.Name,
			Data: append([]DataPoint(nil), s.Data...),
		})
	}
	return data
}

// Plots returns every non-empty plot.
func (c *CurveCollector) Plots() []PlotData {
	var plots []PlotData
	for _, plot := range PlotTypes {
		if len(c.series[plot]) > 0 {
			plots = append(plots, c.Plot(plot))
		}
	}
	return plots
}

func plotTitle(plot PlotType) string {
	switch plot {
	case LossCurves:
		return "Loss"
	case MetricCurves:
		return "Metrics"
	case LearningRateSchedule:
		return "Learning rate"
	}
	return strings.ReplaceAll(string(plot), "_", " ")
}

func plotYLabel(plot PlotType) string {
	switch plot {
	case LossCurves:
		return "loss"
	case LearningRateSchedule:
		return "lr"
	}
	return "value"
}
