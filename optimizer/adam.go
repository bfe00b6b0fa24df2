package optimizer

import (
	"math"

	"github.com/tsawler/visiontrain/tensor"
)

// Adam implements Adam, and AdamW when Decoupled is set
type Adam struct {
	base

	Beta1     float64 // Momentum decay (typically 0.9)
	Beta2     float64 // Variance decay (typically 0.999)
	Epsilon   float64 // Small constant to prevent division by zero (typically 1e-8)
	Decoupled bool    // Apply weight decay to the weights instead of the gradient

	m map[int][]float32
	v map[int][]float32
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	Beta1     float64
	Beta2     float64
	Epsilon   float64
	Decoupled bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
	}
}

// NewAdam creates an Adam optimizer over the given groups
func NewAdam(config AdamConfig, groups []*ParamGroup) *Adam {
	return &Adam{
		base:      base{groups: groups},
		Beta1:     config.Beta1,
		Beta2:     config.Beta2,
		Epsilon:   config.Epsilon,
		Decoupled: config.Decoupled,
		m:         make(map[int][]float32),
		v:         make(map[int][]float32),
	}
}

func (adam *Adam) typeName() string {
	if adam.Decoupled {
		return "adamw"
	}
	return "adam"
}

// Step performs a single Adam update with bias correction
func (adam *Adam) Step() error {
	t := float64(adam.steps + 1)
	bc1 := 1 - math.Pow(adam.Beta1, t)
	bc2 := 1 - math.Pow(adam.Beta2, t)
	b1, b2 := float32(adam.Beta1), float32(adam.Beta2)

	err := adam.eachParam(func(k int, g *ParamGroup, p *tensor.Tensor) error {
		grad := p.Grad().Data
		m, ok := adam.m[k]
		if !ok {
			m = make([]float32, len(grad))
			adam.m[k] = m
		}
		v, ok := adam.v[k]
		if !ok {
			v = make([]float32, len(grad))
			adam.v[k] = v
		}

		lr := g.LR
		wd := float32(g.WeightDecay)
		for i := range p.Data {
			gi := grad[i]
			if adam.Decoupled {
				p.Data[i] -= float32(lr) * wd * p.Data[i]
			} else {
				gi += wd * p.Data[i]
			}
			m[i] = b1*m[i] + (1-b1)*gi
			v[i] = b2*v[i] + (1-b2)*gi*gi
			mHat := float64(m[i]) / bc1
			vHat := float64(v[i]) / bc2
			p.Data[i] -= float32(lr * mHat / (math.Sqrt(vHat) + adam.Epsilon))
		}
		return nil
	})
	if err != nil {
		return err
	}
	adam.steps++
	return nil
}

// StateDict extracts optimizer state for checkpointing
func (adam *Adam) StateDict() (*OptimizerState, error) {
	params := adam.params()
	state := snapshotBuffers(adam.m, params, "momentum")
	state = append(state, snapshotBuffers(adam.v, params, "variance")...)
	return &OptimizerState{
		Type: adam.typeName(),
		Parameters: map[string]interface{}{
			"beta1":      adam.Beta1,
			"beta2":      adam.Beta2,
			"epsilon":    adam.Epsilon,
			"step_count": adam.steps,
		},
		Groups:    adam.groupStates(),
		StateData: state,
	}, nil
}

// LoadStateDict restores optimizer state from checkpoint
func (adam *Adam) LoadStateDict(state *OptimizerState) error {
	if err := validateStateType(adam.typeName(), state); err != nil {
		return err
	}
	if err := adam.loadGroupStates(state.Groups); err != nil {
		return err
	}
	params := adam.params()
	m, err := restoreBuffers(state, params, "momentum")
	if err != nil {
		return err
	}
	v, err := restoreBuffers(state, params, "variance")
	if err != nil {
		return err
	}

	adam.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.steps = extractUint64Param(state.Parameters, "step_count", adam.steps)
	adam.m, adam.v = m, v
	return nil
}
