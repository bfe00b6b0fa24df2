package optimizer

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/tensor"
)

// Config selects and parameterises an optimizer by name.
type Config struct {
	Name        string
	LR          float64
	WeightDecay float64
	Momentum    float64
	Nesterov    bool
	Betas       [2]float64
	Epsilon     float64
}

// Build creates the optimizer named in cfg over a single parameter group.
func Build(cfg Config, params []*tensor.Tensor) (Optimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("optimizer: model has no parameters")
	}
	if cfg.LR <= 0 {
		return nil, errors.Errorf("optimizer: learning rate must be positive, got %g", cfg.LR)
	}
	groups := []*ParamGroup{NewParamGroup(params, cfg.LR, cfg.WeightDecay)}

	switch strings.ToLower(cfg.Name) {
	case "sgd":
		return NewSGD(SGDConfig{Momentum: cfg.Momentum, Nesterov: cfg.Nesterov}, groups), nil
	case "adam", "adamw":
		ac := DefaultAdamConfig()
		if cfg.Betas[0] > 0 {
			ac.Beta1 = cfg.Betas[0]
		}
		if cfg.Betas[1] > 0 {
			ac.Beta2 = cfg.Betas[1]
		}
		if cfg.Epsilon > 0 {
			ac.Epsilon = cfg.Epsilon
		}
		ac.Decoupled = strings.EqualFold(cfg.Name, "adamw")
		return NewAdam(ac, groups), nil
	case "rmsprop":
		rc := DefaultRMSPropConfig()
		rc.Momentum = cfg.Momentum
		if cfg.Epsilon > 0 {
			rc.Epsilon = cfg.Epsilon
		}
		return NewRMSProp(rc, groups), nil
	default:
		return nil, errors.Errorf("optimizer: unsupported optimizer %q", cfg.Name)
	}
}
