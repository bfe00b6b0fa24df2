package training

import (
	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/distributed"
)

// SegmentationIgnoreIndex marks unlabeled pixels in masks.
const SegmentationIgnoreIndex = 255

// SegmentationTask trains a per-pixel classifier. Metrics are updated
// every batch, so the per-phase hook has nothing left to do.
type SegmentationTask struct{}

func NewSegmentationTask() *SegmentationTask { return &SegmentationTask{} }

func (t *SegmentationTask) Name() string { return config.TaskSegmentation }

func (t *SegmentationTask) IgnoreIndex() int { return SegmentationIgnoreIndex }

func (t *SegmentationTask) step(env *StepEnv, batch *Batch, phase Phase) (*StepResult, error) {
	b, err := prepare(env, batch, phase)
	if err != nil {
		return nil, err
	}
	var pair []metricPair
	var res *StepResult
	if b != nil {
		target := &Target{Masks: b.Masks, Edges: b.Edges}
		out, err := forwardLoss(env, b, target, phase)
		if err != nil {
			return nil, err
		}
		logits, err := out.Get("logits")
		if err != nil {
			return nil, err
		}
		pred, err := logits.ArgmaxDim1()
		if err != nil {
			return nil, err
		}
		res = &StepResult{Images: b.Images, Target: MaskSet{Masks: b.Masks}, Pred: MaskSet{Masks: pred}}
		pair = []metricPair{{Pred: res.Pred, Target: res.Target}}
	}

	all, err := gatherPairs(env, pair)
	if err != nil {
		return nil, err
	}
	if distributed.IsPrimary(env.group()) {
		for _, p := range all {
			if err := env.Metric.Calc(p.Pred, p.Target, phase); err != nil {
				return nil, err
			}
		}
	}
	if phase == PhaseTrain {
		return nil, nil
	}
	return res, nil
}

func (t *SegmentationTask) TrainStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return t.step(env, batch, PhaseTrain)
}

func (t *SegmentationTask) ValidStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return evalStep(env, func() (*StepResult, error) { return t.step(env, batch, PhaseValid) })
}

func (t *SegmentationTask) TestStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return evalStep(env, func() (*StepResult, error) { return t.step(env, batch, PhaseTest) })
}

func (t *SegmentationTask) MetricWithAllOutputs(env *StepEnv, outputs []*StepResult, phase Phase) error {
	return nil
}
