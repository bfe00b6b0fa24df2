package training

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/visiontrain/checkpoints"
	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/distributed"
	"github.com/tsawler/visiontrain/logging"
	"github.com/tsawler/visiontrain/optimizer"
	"github.com/tsawler/visiontrain/tensor"
)

// State is the lifecycle position of a Pipeline.
type State int

const (
	StateConstructed State = iota
	StateReady
	StateRunning
	StateCompleted
	StateInterrupted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInterrupted matches any error returned by Train after cancellation.
var ErrInterrupted = errors.New("training interrupted")

// InterruptError reports a cancelled run. Epoch is the last completed
// epoch, which is what was saved.
type InterruptError struct {
	Epoch int
	Err   error
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("training interrupted after epoch %d: %v", e.Epoch, e.Err)
}

func (e *InterruptError) Unwrap() error { return e.Err }

func (e *InterruptError) Is(target error) bool { return target == ErrInterrupted }

type (
	LossFactory      func(conf *config.Config, ignoreIndex int) (LossAggregator, error)
	MetricFactory    func(task string, conf *config.Config, ignoreIndex, numClasses int) (MetricAggregator, error)
	OptimizerFactory func(conf *config.Config, model Module) (optimizer.Optimizer, error)
	SchedulerFactory func(conf *config.Config, opt optimizer.Optimizer) (Scheduler, error)
)

// BuildOptimizer is the default OptimizerFactory.
func BuildOptimizer(conf *config.Config, model Module) (optimizer.Optimizer, error) {
	tc := conf.Training
	return optimizer.Build(optimizer.Config{
		Name:        tc.Optimizer,
		LR:          tc.LR,
		WeightDecay: tc.WeightDecay,
		Momentum:    tc.Momentum,
		Nesterov:    tc.Nesterov,
		Betas:       tc.Betas,
	}, model.Parameters())
}

func buildScheduler(conf *config.Config, opt optimizer.Optimizer) (Scheduler, error) {
	s, err := BuildScheduler(conf, opt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Options wires a Pipeline. Config, Task, both loaders and Sink are
// required; the rest have defaults.
type Options struct {
	Config      *config.Config
	Task        Task
	Model       Module
	TrainLoader Loader
	EvalLoader  Loader
	Sink        Sink
	Exporter    Exporter
	FS          afero.Fs
	Group       distributed.Group
	Logger      *zap.Logger
	// Progress receives the batch progress bar on the primary rank.
	Progress io.Writer

	NewLoss      LossFactory
	NewMetric    MetricFactory
	NewOptimizer OptimizerFactory
	NewScheduler SchedulerFactory
}

// Pipeline runs the epoch loop for one task.
type Pipeline struct {
	conf        *config.Config
	task        Task
	model       Module
	trainLoader Loader
	evalLoader  Loader
	sink        Sink
	exporter    Exporter
	fs          afero.Fs
	group       distributed.Group
	logger      *zap.Logger
	progress    io.Writer

	newLoss      LossFactory
	newMetric    MetricFactory
	newOptimizer OptimizerFactory
	newScheduler SchedulerFactory

	isPrimary  bool
	numClasses int
	device     tensor.DeviceType

	optimizer optimizer.Optimizer
	scheduler Scheduler
	loss      LossAggregator
	metric    MetricAggregator

	timer           *Timer
	history         History
	startEpoch      int
	startEpochAtOne bool
	lastCompleted   int
	resumedTime     float64
	sampleShape     []int
	state           State
}

// New stores the collaborators. The model is not checked here; Train
// requires it.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("pipeline: config is required")
	case opts.Task == nil:
		return nil, errors.New("pipeline: task is required")
	case opts.TrainLoader == nil || opts.EvalLoader == nil:
		return nil, errors.New("pipeline: train and eval loaders are required")
	case opts.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	}
	device, err := tensor.ParseDevice(opts.Config.Environment.Device)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline")
	}

	p := &Pipeline{
		conf:         opts.Config,
		task:         opts.Task,
		model:        opts.Model,
		trainLoader:  opts.TrainLoader,
		evalLoader:   opts.EvalLoader,
		sink:         opts.Sink,
		exporter:     opts.Exporter,
		fs:           opts.FS,
		group:        opts.Group,
		logger:       opts.Logger,
		progress:     opts.Progress,
		newLoss:      opts.NewLoss,
		newMetric:    opts.NewMetric,
		newOptimizer: opts.NewOptimizer,
		newScheduler: opts.NewScheduler,
		device:       device,
		numClasses:   opts.TrainLoader.NumClasses(),
		timer:        NewTimer(),
		history:      make(History),
	}
	if p.fs == nil {
		p.fs = afero.NewOsFs()
	}
	if p.exporter == nil {
		p.exporter = checkpoints.NewExporter(p.fs)
	}
	if p.group == nil {
		p.group = distributed.Single{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.newLoss == nil {
		p.newLoss = BuildLoss
	}
	if p.newMetric == nil {
		p.newMetric = BuildMetric
	}
	if p.newOptimizer == nil {
		p.newOptimizer = BuildOptimizer
	}
	if p.newScheduler == nil {
		p.newScheduler = buildScheduler
	}
	p.isPrimary = distributed.IsPrimary(p.group)
	p.startEpoch = p.conf.StartEpoch()
	p.startEpochAtOne = p.conf.Logging.StartEpochAtOne
	p.lastCompleted = p.startEpoch - 1
	return p, nil
}

func (p *Pipeline) State() State { return p.state }

func (p *Pipeline) StartEpoch() int { return p.startEpoch }

func (p *Pipeline) History() History { return p.history }

func (p *Pipeline) Scheduler() Scheduler { return p.scheduler }

func (p *Pipeline) Optimizer() optimizer.Optimizer { return p.optimizer }

// SetTrain builds the optimizer and scheduler and, when resumePath names
// an existing summary file or result directory, restores the run from it.
// A missing resumePath starts a fresh run.
func (p *Pipeline) SetTrain(resumePath string) error {
	if p.model == nil {
		return errors.New("pipeline: model is required for training")
	}
	opt, err := p.newOptimizer(p.conf, p.model)
	if err != nil {
		return errors.Wrapf(err, "build optimizer")
	}
	sched, err := p.newScheduler(p.conf, opt)
	if err != nil {
		return errors.Wrapf(err, "build scheduler")
	}
	p.optimizer, p.scheduler = opt, sched

	if resumePath != "" {
		exists, err := afero.Exists(p.fs, resumePath)
		if err != nil {
			return errors.Wrapf(err, "check resume path %s", resumePath)
		}
		if !exists {
			p.logger.Warn("resume checkpoint not found, training from scratch", zap.String("path", resumePath))
		} else if err := p.resume(resumePath); err != nil {
			return err
		}
	}
	p.state = StateReady
	return nil
}

func (p *Pipeline) resume(path string) error {
	file, err := LoadSummaryFile(p.fs, path)
	if err != nil {
		return err
	}
	if file.Optimizer != nil {
		if err := p.optimizer.LoadStateDict(file.Optimizer); err != nil {
			return errors.Wrapf(err, "restore optimizer state")
		}
	}
	s := file.Summary
	p.startEpochAtOne = s.StartEpochAtOne
	p.startEpoch = s.LastEpoch + 1
	p.lastCompleted = s.LastEpoch
	p.history = HistoryFromSummary(s)
	p.resumedTime = s.TotalTrainTime
	// A contiguous run would have stepped once per finished epoch.
	p.scheduler.StepTo(p.startEpoch - boolToInt(p.startEpochAtOne))

	p.logger.Info("resumed training",
		zap.String("path", path),
		zap.Int("start_epoch", p.startEpoch),
		zap.Int("scheduler_epoch", p.scheduler.LastEpoch()),
	)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EpochWithValidLogging reports whether epoch e runs validation. The first
// epoch always does.
func (p *Pipeline) EpochWithValidLogging(e int) bool {
	freq := p.conf.Logging.ValidFreq
	if freq < 1 {
		freq = 1
	}
	return e%freq == boolToInt(p.startEpochAtOne)%freq
}

// LearningRate is the mean learning rate over the optimizer groups.
func (p *Pipeline) LearningRate() float64 {
	if p.optimizer == nil {
		return 0
	}
	var lrs stats.Float64Data
	for _, g := range p.optimizer.ParamGroups() {
		lrs = append(lrs, g.LR)
	}
	mean, err := stats.Mean(lrs)
	if err != nil {
		return 0
	}
	return mean
}

func (p *Pipeline) env() *StepEnv {
	return &StepEnv{
		Model:      p.model,
		Optimizer:  p.optimizer,
		Loss:       p.loss,
		Metric:     p.metric,
		Device:     p.device,
		Group:      p.group,
		NumClasses: p.numClasses,
	}
}

func (p *Pipeline) rebuildAggregators() error {
	loss, err := p.newLoss(p.conf, p.task.IgnoreIndex())
	if err != nil {
		return err
	}
	metric, err := p.newMetric(p.task.Name(), p.conf, p.task.IgnoreIndex(), p.numClasses)
	if err != nil {
		return err
	}
	p.loss, p.metric = loss, metric
	return nil
}

func (p *Pipeline) progressWriter() io.Writer {
	if !p.isPrimary || !p.conf.Logging.ProgressBar || p.progress == nil {
		return io.Discard
	}
	return p.progress
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Train runs the configured number of epochs from StartEpoch. On
// cancellation, or when a peer rank shuts the world down, the primary rank
// saves the last completed epoch and an *InterruptError is returned. Other errors are returned unchanged without
// saving.
func (p *Pipeline) Train(ctx context.Context) error {
	if p.model == nil || p.optimizer == nil {
		panic("training: Train called without a model and optimizer; call SetTrain first")
	}
	p.state = StateRunning
	p.setStatus(StatusRunning, nil)
	if p.isPrimary {
		if rendered, err := logging.YAMLForLogging(p.conf); err == nil {
			p.logger.Info("training configuration\n" + rendered)
		}
	}

	p.timer.StartRecord("train_all")
	total := p.conf.Training.Epochs
	for e := p.startEpoch; e < p.startEpoch+total; e++ {
		if err := ctx.Err(); err != nil {
			return p.interrupt(err)
		}
		if err := p.runEpoch(ctx, e, total); err != nil {
			// A peer that was interrupted closes the world, releasing this
			// rank from its collective with ErrClosed.
			if isCancellation(err) || ctx.Err() != nil || errors.Is(err, distributed.ErrClosed) {
				return p.interrupt(err)
			}
			p.state = StateFailed
			p.logger.Error("training failed", zap.Int("epoch", e), zap.Error(err))
			p.setStatus(StatusFailed, err)
			return err
		}
	}

	trainTime := p.totalTrainTime()
	p.logger.Info("training finished",
		zap.Duration("total_time", time.Duration(trainTime*float64(time.Second))),
		zap.Int("last_epoch", p.lastCompleted),
	)
	if p.isPrimary {
		summary, err := p.save(trainTime)
		if err != nil {
			p.state = StateFailed
			p.logger.Error("failed to save training results", zap.Error(err))
			p.setStatus(StatusFailed, err)
			return err
		}
		if err := p.sink.LogEnd(summary); err != nil {
			p.state = StateFailed
			p.logger.Error("failed to log training summary", zap.Error(err))
			p.setStatus(StatusFailed, err)
			return err
		}
	}
	p.state = StateCompleted
	p.setStatus(StatusSuccess, nil)
	return nil
}

func (p *Pipeline) totalTrainTime() float64 {
	if err := p.timer.EndRecord("train_all"); err != nil {
		return p.resumedTime
	}
	return p.resumedTime + p.timer.Get("train_all", false)
}

func (p *Pipeline) interrupt(cause error) error {
	p.state = StateInterrupted
	trainTime := p.totalTrainTime()
	p.logger.Warn("training interrupted", zap.Int("last_completed_epoch", p.lastCompleted), zap.Error(cause))

	if p.isPrimary {
		if len(p.history) == 0 {
			p.logger.Warn("no completed epoch to save")
		} else if _, err := p.save(trainTime); err != nil {
			p.logger.Error("failed to save interrupted run", zap.Error(err))
		} else {
			p.logger.Info("saved interrupted run", zap.String("dir", p.sink.ResultDir()))
		}
	}
	p.setStatus(StatusInterrupted, cause)
	return &InterruptError{Epoch: p.lastCompleted, Err: cause}
}

func (p *Pipeline) setStatus(status RunStatus, cause error) {
	s, ok := p.sink.(StatusSink)
	if !ok || !p.isPrimary {
		return
	}
	if err := s.LogStatus(status, cause); err != nil {
		p.logger.Warn("failed to record run status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (p *Pipeline) runEpoch(ctx context.Context, e, total int) error {
	name := fmt.Sprintf("train_epoch_%d", e)
	p.timer.StartRecord(name)

	if err := p.rebuildAggregators(); err != nil {
		return err
	}
	env := p.env()

	trainOutputs, err := p.trainPass(ctx, env, e, total)
	if err != nil {
		return err
	}
	if err := p.task.MetricWithAllOutputs(env, trainOutputs, PhaseTrain); err != nil {
		return err
	}

	validated := p.EpochWithValidLogging(e)
	var samples []*StepResult
	if validated {
		if samples, err = p.validate(ctx, env); err != nil {
			return err
		}
	}

	if err := p.timer.EndRecord(name); err != nil {
		return err
	}
	elapsed := p.timer.Get(name, false)

	if p.isPrimary {
		rec := EpochLog{
			Epoch:        e,
			TotalEpochs:  total,
			TrainLosses:  LossAverages(p.loss.Result(PhaseTrain)),
			TrainMetrics: p.metric.Result(PhaseTrain),
			LearningRate: p.LearningRate(),
			ElapsedTime:  elapsed,
			Samples:      samples,
		}
		if validated {
			rec.ValidLosses = LossAverages(p.loss.Result(PhaseValid))
			rec.ValidMetrics = p.metric.Result(PhaseValid)
		}
		p.sink.UpdateEpoch(e)
		if err := p.sink.LogEpoch(rec); err != nil {
			return err
		}
		p.history[e] = EpochRecord{
			TrainLosses:  rec.TrainLosses,
			TrainMetrics: rec.TrainMetrics,
			ValidLosses:  rec.ValidLosses,
			ValidMetrics: rec.ValidMetrics,
		}
		p.logger.Info("epoch finished",
			zap.Int("epoch", e),
			zap.Float64("train_loss", rec.TrainLosses[TotalLossKey]),
			zap.Float64("lr", rec.LearningRate),
			zap.Float64("elapsed_s", elapsed),
			zap.Bool("validated", validated),
		)
	}

	p.lastCompleted = e
	p.scheduler.Step()
	return nil
}

func (p *Pipeline) trainPass(ctx context.Context, env *StepEnv, e, total int) ([]*StepResult, error) {
	p.trainLoader.Reset()
	bar := NewProgressBar(p.progressWriter(), fmt.Sprintf("Epoch %d/%d", e, p.startEpoch+total-1), p.trainLoader.Len())

	var outputs []*StepResult
	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := p.trainLoader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		p.noteSampleShape(batch)

		res, err := p.task.TrainStep(env, batch)
		if err != nil {
			return nil, err
		}
		if res != nil {
			outputs = append(outputs, res)
		}
		bar.Update(step, map[string]float64{"loss": p.loss.Result(PhaseTrain)[TotalLossKey].Avg()})
	}
	bar.Finish()
	return outputs, nil
}

func (p *Pipeline) noteSampleShape(batch *Batch) {
	if p.sampleShape == nil && batch.Images != nil && batch.Images.Dim() > 1 {
		p.sampleShape = append([]int(nil), batch.Images.Shape[1:]...)
	}
}

// Validate runs one pass over the eval loader and returns the logged
// samples.
func (p *Pipeline) Validate(ctx context.Context) ([]*StepResult, error) {
	if p.model == nil {
		return nil, errors.New("pipeline: model is required for validation")
	}
	if p.loss == nil || p.metric == nil {
		if err := p.rebuildAggregators(); err != nil {
			return nil, err
		}
	}
	return p.validate(ctx, p.env())
}

func (p *Pipeline) validate(ctx context.Context, env *StepEnv) ([]*StepResult, error) {
	outputs, samples, err := p.evalPass(ctx, p.evalLoader, env, p.task.ValidStep)
	if err != nil {
		return nil, err
	}
	if err := p.task.MetricWithAllOutputs(env, outputs, PhaseValid); err != nil {
		return nil, err
	}
	return samples, nil
}

// evalPass runs step over loader. A result joins the sample buffer while
// the buffered prediction count is below NumSamples, so the batch that
// crosses the cap is kept whole.
func (p *Pipeline) evalPass(ctx context.Context, loader Loader, env *StepEnv,
	step func(*StepEnv, *Batch) (*StepResult, error)) (outputs, samples []*StepResult, err error) {
	loader.Reset()
	limit := p.conf.Logging.NumSamples
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		batch, err := loader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		p.noteSampleShape(batch)

		res, err := step(env, batch)
		if err != nil {
			return nil, nil, err
		}
		if res == nil {
			continue
		}
		outputs = append(outputs, res)
		if count < limit {
			samples = append(samples, res)
			count += res.NumPreds()
		}
	}
	return outputs, samples, nil
}

// Inference runs the test phase over loader, logs test losses and metrics
// on the primary rank and returns every result.
func (p *Pipeline) Inference(ctx context.Context, loader Loader) ([]*StepResult, error) {
	if p.model == nil {
		return nil, errors.New("pipeline: model is required for inference")
	}
	if err := p.rebuildAggregators(); err != nil {
		return nil, err
	}
	env := p.env()
	outputs, samples, err := p.evalPass(ctx, loader, env, p.task.TestStep)
	if err != nil {
		return nil, err
	}
	if err := p.task.MetricWithAllOutputs(env, outputs, PhaseTest); err != nil {
		return nil, err
	}
	if p.isPrimary {
		rec := TestLog{
			Losses:  LossAverages(p.loss.Result(PhaseTest)),
			Metrics: p.metric.Result(PhaseTest),
			Samples: samples,
		}
		p.logger.Info("inference finished",
			zap.Int("batches", len(outputs)),
			zap.Float64("loss", rec.Losses[TotalLossKey]),
			zap.Any("metrics", rec.Metrics),
		)
		if err := p.sink.LogTest(rec); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// ProfileSchedule mirrors a wait/warmup/active cycle repeated Repeat times.
type ProfileSchedule struct {
	Wait   int
	Warmup int
	Active int
	Repeat int
}

// ProfileFileName is written into the result directory by ProfileOneEpoch.
const ProfileFileName = "profile.pprof"

// ProfileOneEpoch runs (wait+warmup+active)*repeat train steps and records
// a CPU profile of the active steps of the first cycle onwards.
func (p *Pipeline) ProfileOneEpoch(ctx context.Context, sched ProfileSchedule) error {
	if p.model == nil || p.optimizer == nil {
		return errors.New("pipeline: call SetTrain before profiling")
	}
	if sched.Repeat < 1 {
		sched.Repeat = 1
	}
	cycle := sched.Wait + sched.Warmup + sched.Active
	steps := cycle * sched.Repeat
	if steps == 0 || sched.Active < 1 {
		return errors.New("pipeline: profile schedule needs at least one active step")
	}
	if err := p.rebuildAggregators(); err != nil {
		return err
	}

	dir := p.sink.ResultDir()
	if err := p.fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create result directory")
	}
	path := filepath.Join(dir, ProfileFileName)
	f, err := p.fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create profile file")
	}
	defer f.Close()

	env := p.env()
	p.trainLoader.Reset()
	profiling := false
	defer func() {
		if profiling {
			pprof.StopCPUProfile()
		}
	}()
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !profiling && step == sched.Wait+sched.Warmup {
			if err := pprof.StartCPUProfile(f); err != nil {
				return errors.Wrapf(err, "start profiler")
			}
			profiling = true
		}
		batch, err := p.trainLoader.Next()
		if err == io.EOF {
			p.trainLoader.Reset()
			if batch, err = p.trainLoader.Next(); err != nil {
				return errors.Wrapf(err, "train loader is empty")
			}
		} else if err != nil {
			return err
		}
		if _, err := p.task.TrainStep(env, batch); err != nil {
			return err
		}
	}
	p.logger.Info("profile written", zap.String("path", path), zap.Int("steps", steps))
	return nil
}

// save exports the model and writes the summary file into the sink's
// result directory.
func (p *Pipeline) save(trainTime float64) (*TrainingSummary, error) {
	sampleShape := p.sampleShape
	if sampleShape == nil {
		img := p.conf.Augmentation.ImgSize
		sampleShape = []int{3, img, img}
	}
	var macs int64
	if counter, ok := p.model.(MACCounter); ok {
		macs = counter.MACs(sampleShape)
	}

	summary, err := p.history.Summary(SummaryInput{
		TotalTrainTime:  trainTime,
		TotalEpoch:      p.conf.Training.Epochs,
		MetricsList:     p.metricNames(),
		PrimaryMetric:   p.primaryMetric(),
		MACs:            macs,
		Params:          CountParams(p.model),
		StartEpochAtOne: p.startEpochAtOne,
	})
	if err != nil {
		return nil, err
	}

	dir := p.sink.ResultDir()
	res, err := p.exporter.Export(p.model, checkpoints.ExportRequest{
		Dir:         dir,
		Task:        p.task.Name(),
		ModelName:   p.conf.Model.Name,
		SampleShape: append([]int{1}, sampleShape...),
		State: checkpoints.TrainingState{
			Epoch:        summary.LastEpoch,
			LearningRate: p.LearningRate(),
			BestEpoch:    summary.BestEpoch,
			BestLoss:     summary.ValidLosses[summary.BestEpoch],
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "export model")
	}

	optState, err := p.optimizer.StateDict()
	if err != nil {
		return nil, errors.Wrapf(err, "optimizer state")
	}
	summaryPath, err := SaveSummaryFile(p.fs, dir, summary, optState)
	if err != nil {
		return nil, err
	}
	p.logger.Info("saved training results",
		zap.String("checkpoint", res.CheckpointPath),
		zap.String("artifact", res.ArtifactPath),
		zap.String("summary", summaryPath),
		zap.Int("best_epoch", summary.BestEpoch),
	)
	return summary, nil
}

func (p *Pipeline) metricNames() []string {
	if p.metric != nil {
		return p.metric.Names()
	}
	return nil
}

func (p *Pipeline) primaryMetric() string {
	if p.metric != nil {
		return p.metric.Primary()
	}
	return ""
}
