package optimizer

import (
	"fmt"

	"github.com/tsawler/visiontrain/checkpoints"
	"github.com/tsawler/visiontrain/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore lets a resumed run continue from the same moments.
type Optimizer interface {
	// ParamGroups exposes the groups so schedulers can rewrite their LR.
	ParamGroups() []*ParamGroup

	// Step applies one update from the gradients accumulated on each parameter.
	Step() error

	// ZeroGrad clears every parameter gradient.
	ZeroGrad()

	// StateDict extracts optimizer state for checkpointing.
	StateDict() (*OptimizerState, error)

	// LoadStateDict restores state produced by StateDict. The state is
	// copied in, nothing is retained by reference.
	LoadStateDict(state *OptimizerState) error

	// StepCount returns the number of updates applied so far.
	StepCount() uint64
}

// ParamGroup is a set of parameters sharing hyperparameters. LR is the live
// value a scheduler rewrites; InitialLR is the configured base rate.
type ParamGroup struct {
	Params      []*tensor.Tensor
	LR          float64
	InitialLR   float64
	WeightDecay float64
}

// NewParamGroup creates a group whose LR starts at lr.
func NewParamGroup(params []*tensor.Tensor, lr, weightDecay float64) *ParamGroup {
	return &ParamGroup{
		Params:      params,
		LR:          lr,
		InitialLR:   lr,
		WeightDecay: weightDecay,
	}
}

// GroupState is the serialized form of a ParamGroup without its tensors.
type GroupState struct {
	LR          float64 `json:"lr"`
	InitialLR   float64 `json:"initial_lr"`
	WeightDecay float64 `json:"weight_decay"`
	NumParams   int     `json:"num_params"`
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                        `json:"type"`       // "adam", "sgd", etc.
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	Groups     []GroupState                  `json:"param_groups"`
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // moment buffers
}

// base carries the bookkeeping shared by every optimizer.
type base struct {
	groups []*ParamGroup
	steps  uint64
}

func (b *base) ParamGroups() []*ParamGroup { return b.groups }

func (b *base) StepCount() uint64 { return b.steps }

func (b *base) ZeroGrad() {
	for _, g := range b.groups {
		tensor.ZeroGrad(g.Params)
	}
}

// params flattens the groups; the flat index names state buffers.
func (b *base) params() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, g := range b.groups {
		out = append(out, g.Params...)
	}
	return out
}

// eachParam visits every parameter that has a gradient.
func (b *base) eachParam(fn func(k int, g *ParamGroup, p *tensor.Tensor) error) error {
	k := 0
	for _, g := range b.groups {
		for _, p := range g.Params {
			if p.Grad() != nil {
				if err := fn(k, g, p); err != nil {
					return err
				}
			}
			k++
		}
	}
	return nil
}

func (b *base) groupStates() []GroupState {
	out := make([]GroupState, len(b.groups))
	for i, g := range b.groups {
		out[i] = GroupState{
			LR:          g.LR,
			InitialLR:   g.InitialLR,
			WeightDecay: g.WeightDecay,
			NumParams:   len(g.Params),
		}
	}
	return out
}

func (b *base) loadGroupStates(states []GroupState) error {
	if len(states) != len(b.groups) {
		return fmt.Errorf("param group count mismatch: state has %d, optimizer has %d", len(states), len(b.groups))
	}
	for i, s := range states {
		if s.NumParams != len(b.groups[i].Params) {
			return fmt.Errorf("param group %d size mismatch: state has %d, optimizer has %d",
				i, s.NumParams, len(b.groups[i].Params))
		}
		b.groups[i].LR = s.LR
		b.groups[i].InitialLR = s.InitialLR
		b.groups[i].WeightDecay = s.WeightDecay
	}
	return nil
}
