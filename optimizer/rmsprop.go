package optimizer

import (
	"math"

	"github.com/tsawler/visiontrain/tensor"
)

// RMSProp scales each update by a running average of squared gradients
type RMSProp struct {
	base

	Alpha    float64 // Smoothing constant for the squared gradient average
	Epsilon  float64
	Momentum float64

	squareAvg map[int][]float32
	momentum  map[int][]float32
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	Alpha    float64
	Epsilon  float64
	Momentum float64
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		Alpha:   0.99,
		Epsilon: 1e-8,
	}
}

// NewRMSProp creates an RMSProp optimizer over the given groups
func NewRMSProp(config RMSPropConfig, groups []*ParamGroup) *RMSProp {
	return &RMSProp{
		base:      base{groups: groups},
		Alpha:     config.Alpha,
		Epsilon:   config.Epsilon,
		Momentum:  config.Momentum,
		squareAvg: make(map[int][]float32),
		momentum:  make(map[int][]float32),
	}
}

func (r *RMSProp) Step() error {
	alpha := float32(r.Alpha)
	mu := float32(r.Momentum)

	err := r.eachParam(func(k int, g *ParamGroup, p *tensor.Tensor) error {
		grad := p.Grad().Data
		sq, ok := r.squareAvg[k]
		if !ok {
			sq = make([]float32, len(grad))
			r.squareAvg[k] = sq
		}
		var buf []float32
		if mu > 0 {
			if buf, ok = r.momentum[k]; !ok {
				buf = make([]float32, len(grad))
				r.momentum[k] = buf
			}
		}

		wd := float32(g.WeightDecay)
		for i := range p.Data {
			gi := grad[i] + wd*p.Data[i]
			sq[i] = alpha*sq[i] + (1-alpha)*gi*gi
			step := gi / float32(math.Sqrt(float64(sq[i]))+r.Epsilon)
			if mu > 0 {
				buf[i] = mu*buf[i] + step
				step = buf[i]
			}
			p.Data[i] -= float32(g.LR) * step
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.steps++
	return nil
}

func (r *RMSProp) StateDict() (*OptimizerState, error) {
	params := r.params()
	state := snapshotBuffers(r.squareAvg, params, "squared_grad_avg")
	state = append(state, snapshotBuffers(r.momentum, params, "momentum")...)
	return &OptimizerState{
		Type: "rmsprop",
		Parameters: map[string]interface{}{
			"alpha":      r.Alpha,
			"epsilon":    r.Epsilon,
			"momentum":   r.Momentum,
			"step_count": r.steps,
		},
		Groups:    r.groupStates(),
		StateData: state,
	}, nil
}

func (r *RMSProp) LoadStateDict(state *OptimizerState) error {
	if err := validateStateType("rmsprop", state); err != nil {
		return err
	}
	if err := r.loadGroupStates(state.Groups); err != nil {
		return err
	}
	params := r.params()
	sq, err := restoreBuffers(state, params, "squared_grad_avg")
	if err != nil {
		return err
	}
	mom, err := restoreBuffers(state, params, "momentum")
	if err != nil {
		return err
	}

	r.Alpha = extractFloat64Param(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloat64Param(state.Parameters, "epsilon", r.Epsilon)
	r.Momentum = extractFloat64Param(state.Parameters, "momentum", r.Momentum)
	r.steps = extractUint64Param(state.Parameters, "step_count", r.steps)
	r.squareAvg, r.momentum = sq, mom
	return nil
}
