// Command trainer runs a training, profiling or inference pass from a YAML
// run configuration.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tsawler/visiontrain/checkpoints"
	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/distributed"
	"github.com/tsawler/visiontrain/logging"
	"github.com/tsawler/visiontrain/loggers"
	"github.com/tsawler/visiontrain/runstore"
	"github.com/tsawler/visiontrain/training"
	"github.com/tsawler/visiontrain/vision/dataloader"
	"github.com/tsawler/visiontrain/vision/dataset"
)

type args struct {
	Config      string `arg:"-c,--config" help:"run configuration (YAML)"`
	Task        string `arg:"--task" help:"override the configured task"`
	Data        string `arg:"--data" help:"override data.root"`
	Resume      string `arg:"--resume" help:"summary file of a previous run to resume from"`
	WorldSize   int    `arg:"--world-size" help:"number of in-process ranks"`
	MetricsAddr string `arg:"--metrics-addr" help:"serve prometheus metrics on this address"`
	Profile     bool   `arg:"--profile" help:"profile one epoch instead of training"`
	Inference   bool   `arg:"--inference" help:"run inference on the validation split"`
}

func (args) Description() string {
	return "trains a vision model for classification, segmentation or detection"
}

func main() {
	var a args
	arg.MustParse(&a)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, a); err != nil {
		fmt.Fprintln(os.Stderr, "trainer:", err)
		if errors.Is(err, training.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, a args) error {
	fs := afero.NewOsFs()

	conf := config.Default()
	if a.Config != "" {
		loaded, err := config.Load(fs, a.Config)
		if err != nil {
			return err
		}
		conf = loaded
	}
	if a.Task != "" {
		conf.Task = a.Task
	}
	if a.Data != "" {
		conf.Data.Root = a.Data
	}
	if a.WorldSize > 0 {
		conf.Environment.WorldSize = a.WorldSize
	}

	var reg *prometheus.Registry
	if conf.Logging.Prometheus || a.MetricsAddr != "" {
		conf.Logging.Prometheus = true
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
	}
	if a.MetricsAddr != "" {
		srv := serveMetrics(a.MetricsAddr, reg, func(err error) {
			fmt.Fprintln(os.Stderr, "trainer: metrics endpoint:", err)
		})
		defer srv.Close()
	}

	training.SetRandomSeed(conf.Environment.Seed)
	train, valid, err := dataset.Build(fs, conf)
	if err != nil {
		return err
	}

	if conf.Environment.WorldSize <= 1 {
		return runRank(ctx, a, conf, fs, reg, distributed.Single{}, train, valid)
	}

	groups, err := distributed.NewLocalWorld(conf.Environment.WorldSize)
	if err != nil {
		return err
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, g := range groups {
		wg.Add(1)
		go func(g *distributed.LocalGroup) {
			defer wg.Done()
			err := runRank(ctx, a, conf, fs, reg, g, train, valid)
			if err != nil {
				// release peers blocked in a collective
				g.Close()
				mu.Lock()
				errs = multierr.Append(errs, errors.Wrapf(err, "rank %d", g.Rank()))
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	return errs
}

// serveMetrics exposes reg on addr under /metrics. Errors other than a
// normal shutdown go to report.
func serveMetrics(addr string, reg *prometheus.Registry, report func(error)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			report(err)
		}
	}()
	return srv
}

func runRank(ctx context.Context, a args, conf *config.Config, fs afero.Fs, reg *prometheus.Registry,
	group distributed.Group, train, valid dataset.Dataset) error {
	logger, err := logging.New(logging.Config{
		Level:     conf.Logging.Level,
		File:      conf.Logging.File,
		Rank:      group.Rank(),
		WorldSize: group.WorldSize(),
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	if distributed.IsPrimary(group) {
		if text, err := logging.YAMLForLogging(conf); err == nil {
			logger.Debug("run configuration\n" + text)
		}
	}

	trainLoader, evalLoader, err := dataloader.CreateSharedDataLoaders(conf, train, valid, group)
	if err != nil {
		return err
	}

	shape := train.Shape()
	sampleShape := []int{shape[0], shape[1], shape[2]}
	model, err := training.BuildModel(conf.Model.Name, sampleShape, train.NumClasses())
	if err != nil {
		return err
	}
	exporter := checkpoints.NewExporter(fs)
	if conf.Model.Checkpoint != "" {
		ckpt, err := exporter.LoadPretrained(conf.Model.Checkpoint, model)
		if err != nil {
			return err
		}
		logger.Info("loaded pretrained weights",
			zap.String("path", conf.Model.Checkpoint),
			zap.Int("epoch", ckpt.TrainingState.Epoch))
	}

	task, err := training.NewTask(conf)
	if err != nil {
		return err
	}

	var registerer prometheus.Registerer
	if reg != nil && distributed.IsPrimary(group) {
		registerer = reg
	}
	sink, err := loggers.Build(conf, loggers.Options{
		FS:         fs,
		Group:      group,
		Logger:     logger,
		Registerer: registerer,
	})
	if err != nil {
		return err
	}

	if conf.Registry.Driver != "" && distributed.IsPrimary(group) {
		store, err := runstore.Open(conf.Registry.Driver, conf.Registry.DSN, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		runSink := runstore.NewRunSink(store, runstore.RunInfo{
			ProjectID:   conf.Logging.ProjectID,
			Task:        conf.Task,
			ModelName:   conf.Model.Name,
			ResultDir:   sink.ResultDir(),
			TotalEpochs: conf.Training.Epochs,
		})
		sink.Add(runSink)
		logger.Info("registered run", zap.String("run_id", runSink.RunID()))
	}

	var progress io.Writer
	if conf.Logging.ProgressBar && distributed.IsPrimary(group) {
		progress = os.Stderr
		training.PrintModelSummary(os.Stderr, conf.Model.Name, model, sampleShape)
	}

	pipeline, err := training.New(training.Options{
		Config:      conf,
		Task:        task,
		Model:       model,
		TrainLoader: trainLoader,
		EvalLoader:  evalLoader,
		Sink:        sink,
		Exporter:    exporter,
		FS:          fs,
		Group:       group,
		Logger:      logger,
		Progress:    progress,
	})
	if err != nil {
		return err
	}

	if err := pipeline.SetTrain(a.Resume); err != nil {
		return err
	}

	switch {
	case a.Profile:
		p := conf.Profile
		return pipeline.ProfileOneEpoch(ctx, training.ProfileSchedule{
			Wait:   p.Wait,
			Warmup: p.Warmup,
			Active: p.Active,
			Repeat: p.Repeat,
		})
	case a.Inference:
		loader, err := dataloader.NewEvalLoader(conf, valid, group)
		if err != nil {
			return err
		}
		results, err := pipeline.Inference(ctx, loader)
		if err != nil {
			return err
		}
		logger.Info("inference finished", zap.Int("batches", len(results)))
		return nil
	default:
		return pipeline.Train(ctx)
	}
}
