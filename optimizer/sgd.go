package optimizer

import (
	"github.com/tsawler/visiontrain/tensor"
)

// SGD implements stochastic gradient descent with optional momentum
type SGD struct {
	base

	Momentum float64 // Momentum coefficient (0 for vanilla SGD)
	Nesterov bool    // Whether to use Nesterov momentum

	momentum map[int][]float32
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	Momentum float64
	Nesterov bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		Momentum: 0.0,
		Nesterov: false,
	}
}

// NewSGD creates an SGD optimizer over the given groups
func NewSGD(config SGDConfig, groups []*ParamGroup) *SGD {
	return &SGD{
		base:     base{groups: groups},
		Momentum: config.Momentum,
		Nesterov: config.Nesterov,
		momentum: make(map[int][]float32),
	}
}

// Step performs a single SGD update
func (sgd *SGD) Step() error {
	err := sgd.eachParam(func(k int, g *ParamGroup, p *tensor.Tensor) error {
		grad := p.Grad().Data
		lr := float32(g.LR)
		wd := float32(g.WeightDecay)
		mu := float32(sgd.Momentum)

		buf, seen := sgd.momentum[k]
		if mu > 0 && !seen {
			buf = make([]float32, len(grad))
			sgd.momentum[k] = buf
		}

		for i := range p.Data {
			d := grad[i] + wd*p.Data[i]
			if mu > 0 {
				if seen {
					buf[i] = mu*buf[i] + d
				} else {
					buf[i] = d
				}
				if sgd.Nesterov {
					d += mu * buf[i]
				} else {
					d = buf[i]
				}
			}
			p.Data[i] -= lr * d
		}
		return nil
	})
	if err != nil {
		return err
	}
	sgd.steps++
	return nil
}

// StateDict extracts optimizer state for checkpointing
func (sgd *SGD) StateDict() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "sgd",
		Parameters: map[string]interface{}{
			"momentum":   sgd.Momentum,
			"nesterov":   sgd.Nesterov,
			"step_count": sgd.steps,
		},
		Groups:    sgd.groupStates(),
		StateData: snapshotBuffers(sgd.momentum, sgd.params(), "momentum"),
	}, nil
}

// LoadStateDict restores optimizer state from checkpoint
func (sgd *SGD) LoadStateDict(state *OptimizerState) error {
	if err := validateStateType("sgd", state); err != nil {
		return err
	}
	if err := sgd.loadGroupStates(state.Groups); err != nil {
		return err
	}
	momentum, err := restoreBuffers(state, sgd.params(), "momentum")
	if err != nil {
		return err
	}

	sgd.Momentum = extractFloat64Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.steps = extractUint64Param(state.Parameters, "step_count", sgd.steps)
	sgd.momentum = momentum
	return nil
}
