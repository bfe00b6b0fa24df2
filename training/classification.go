package training

import (
	"github.com/tsawler/visiontrain/config"
)

// ClassificationTask trains an image classifier. Metrics are computed once
// per phase over all outputs.
type ClassificationTask struct{}

func NewClassificationTask() *ClassificationTask { return &ClassificationTask{} }

func (t *ClassificationTask) Name() string { return config.TaskClassification }

// IgnoreIndex is -100, a label value that never occurs.
func (t *ClassificationTask) IgnoreIndex() int { return -100 }

func (t *ClassificationTask) step(env *StepEnv, batch *Batch, phase Phase) (*StepResult, error) {
	b, err := prepare(env, batch, phase)
	if err != nil || b == nil {
		return nil, err
	}
	target := &Target{Labels: b.Labels}
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

	res := &StepResult{Target: ClassLabels(b.Labels), Pred: ClassLabels(pred.Ints())}
	if phase != PhaseTrain {
		res.Images = b.Images
	}
	return res, nil
}

func (t *ClassificationTask) TrainStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return t.step(env, batch, PhaseTrain)
}

func (t *ClassificationTask) ValidStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return evalStep(env, func() (*StepResult, error) { return t.step(env, batch, PhaseValid) })
}

func (t *ClassificationTask) TestStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return evalStep(env, func() (*StepResult, error) { return t.step(env, batch, PhaseTest) })
}

func (t *ClassificationTask) MetricWithAllOutputs(env *StepEnv, outputs []*StepResult, phase Phase) error {
	return deferredMetric(env, outputs, phase)
}
