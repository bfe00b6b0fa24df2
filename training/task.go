package training

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/distributed"
	"github.com/tsawler/visiontrain/optimizer"
	"github.com/tsawler/visiontrain/tensor"
)

// StepEnv is everything a task step may touch. The pipeline rebuilds Loss
// and Metric every epoch.
type StepEnv struct {
	Model      Module
	Optimizer  optimizer.Optimizer
	Loss       LossAggregator
	Metric     MetricAggregator
	Device     tensor.DeviceType
	Group      distributed.Group
	NumClasses int
}

func (env *StepEnv) group() distributed.Group {
	if env.Group == nil {
		return distributed.Single{}
	}
	return env.Group
}

// Task is the per-task strategy the pipeline drives. Steps may return a nil
// result when there is nothing to log or defer.
type Task interface {
	Name() string
	IgnoreIndex() int
	TrainStep(env *StepEnv, batch *Batch) (*StepResult, error)
	ValidStep(env *StepEnv, batch *Batch) (*StepResult, error)
	TestStep(env *StepEnv, batch *Batch) (*StepResult, error)
	// MetricWithAllOutputs is called once per phase with every non-nil
	// result of that phase.
	MetricWithAllOutputs(env *StepEnv, outputs []*StepResult, phase Phase) error
}

// NewTask builds the task named in conf.
func NewTask(conf *config.Config) (Task, error) {
	switch strings.ToLower(conf.Task) {
	case config.TaskClassification:
		return NewClassificationTask(), nil
	case config.TaskSegmentation:
		return NewSegmentationTask(), nil
	case config.TaskDetection:
		return NewDetectionTask(NewNMSPostprocessor(
			float32(conf.Model.ScoreThreshold),
			float32(conf.Model.NMSThreshold),
			conf.Model.MaxDetections,
		)), nil
	default:
		return nil, errors.Errorf("unsupported task %q", conf.Task)
	}
}

// prepare sets the model mode, drops sentinel rows and moves the batch to
// the compute device. It returns nil when no real rows remain.
func prepare(env *StepEnv, batch *Batch, phase Phase) (*Batch, error) {
	if phase == PhaseTrain {
		env.Model.Train()
	} else {
		env.Model.Eval()
	}
	kept, err := batch.WithoutSentinels()
	if err != nil {
		return nil, err
	}
	if kept.Len() == 0 {
		return nil, nil
	}
	if kept.Images == nil {
		return nil, errors.New("batch has no images")
	}
	return kept.ToDevice(env.Device), nil
}

// forwardLoss runs forward and the loss, and in the train phase backward
// and the optimizer step.
func forwardLoss(env *StepEnv, batch *Batch, target *Target, phase Phase) (*Output, error) {
	train := phase == PhaseTrain
	if train {
		env.Optimizer.ZeroGrad()
	}
	out, err := env.Model.Forward(batch.Images)
	if err != nil {
		return nil, errors.Wrapf(err, "forward")
	}
	if err := env.Loss.Calc(out, target, phase); err != nil {
		return nil, err
	}
	if train {
		if err := env.Loss.Backward(); err != nil {
			return nil, errors.Wrapf(err, "backward")
		}
		if err := env.Optimizer.Step(); err != nil {
			return nil, errors.Wrapf(err, "optimizer step")
		}
	}
	return out, nil
}

// evalStep wraps an eval step so every rank reaches the barrier, even
// when the step itself failed or had only padding.
func evalStep(env *StepEnv, step func() (*StepResult, error)) (*StepResult, error) {
	res, err := step()
	if berr := env.group().Barrier(); err == nil && berr != nil {
		err = errors.Wrapf(berr, "barrier")
	}
	return res, err
}

type metricPair struct {
	Pred   Predictions
	Target Predictions
}

func pairsOf(outputs []*StepResult) []metricPair {
	pairs := make([]metricPair, 0, len(outputs))
	for _, o := range outputs {
		if o != nil && o.Pred != nil && o.Target != nil {
			pairs = append(pairs, metricPair{Pred: o.Pred, Target: o.Target})
		}
	}
	return pairs
}

// gatherPairs collects every rank's pairs on rank 0 and barriers. Other
// ranks get nil.
func gatherPairs(env *StepEnv, pairs []metricPair) ([]metricPair, error) {
	g := env.group()
	if !distributed.IsDistributed(g) {
		return pairs, nil
	}
	gathered, err := distributed.Gather(g, pairs, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "gather outputs")
	}
	if err := g.Barrier(); err != nil {
		return nil, errors.Wrapf(err, "barrier")
	}
	var all []metricPair
	for _, rankPairs := range gathered {
		all = append(all, rankPairs...)
	}
	return all, nil
}

// deferredMetric feeds all gathered outputs of a phase to the metric on the
// primary rank.
func deferredMetric(env *StepEnv, outputs []*StepResult, phase Phase) error {
	all, err := gatherPairs(env, pairsOf(outputs))
	if err != nil {
		return err
	}
	if !distributed.IsPrimary(env.group()) {
		return nil
	}
	for _, p := range all {
		if err := env.Metric.Calc(p.Pred, p.Target, phase); err != nil {
			return err
		}
	}
	return nil
}
