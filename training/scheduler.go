package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/optimizer"
)

// LRScheduler is a learning rate policy. Policies are pure: the same
// epoch and base rate always give the same value.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax
// epochs.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// PolyLRScheduler decays polynomially to MinLR after a linear warmup that
// starts at WarmupStartLR.
type PolyLRScheduler struct {
	TotalEpochs   int
	Power         float64
	MinLR         float64
	WarmupEpochs  int
	WarmupStartLR float64
}

func NewPolyLRScheduler(totalEpochs int, power, minLR float64, warmupEpochs int, warmupStartLR float64) *PolyLRScheduler {
	if totalEpochs <= 0 {
		totalEpochs = 1
	}
	if power <= 0 {
		power = 0.9
	}
	if warmupEpochs < 0 {
		warmupEpochs = 0
	}
	return &PolyLRScheduler{
		TotalEpochs:   totalEpochs,
		Power:         power,
		MinLR:         minLR,
		WarmupEpochs:  warmupEpochs,
		WarmupStartLR: warmupStartLR,
	}
}

func (s *PolyLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch < s.WarmupEpochs {
		frac := float64(epoch) / float64(s.WarmupEpochs)
		return s.WarmupStartLR + (baseLR-s.WarmupStartLR)*frac
	}
	decay := s.TotalEpochs - s.WarmupEpochs
	if decay <= 0 {
		return baseLR
	}
	progress := math.Min(float64(epoch-s.WarmupEpochs)/float64(decay), 1)
	return s.MinLR + (baseLR-s.MinLR)*math.Pow(1-progress, s.Power)
}

func (s *PolyLRScheduler) GetName() string {
	return "PolyLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// Scheduler is the per-epoch learning rate driver the pipeline steps.
type Scheduler interface {
	Step()
	StepTo(n int)
	LastEpoch() int
}

// EpochScheduler applies a policy to every optimizer group once per epoch.
type EpochScheduler struct {
	policy    LRScheduler
	opt       optimizer.Optimizer
	lastEpoch int
}

// NewEpochScheduler sets every group to the policy's epoch 0 rate.
func NewEpochScheduler(policy LRScheduler, opt optimizer.Optimizer) *EpochScheduler {
	s := &EpochScheduler{policy: policy, opt: opt}
	s.apply()
	return s
}

// Step advances one epoch.
func (s *EpochScheduler) Step() {
	s.lastEpoch++
	s.apply()
}

// StepTo jumps to epoch n, as used when resuming.
func (s *EpochScheduler) StepTo(n int) {
	if n < 0 {
		n = 0
	}
	s.lastEpoch = n
	s.apply()
}

// LastEpoch is the number of Step calls applied so far.
func (s *EpochScheduler) LastEpoch() int {
	return s.lastEpoch
}

func (s *EpochScheduler) Name() string {
	return s.policy.GetName()
}

func (s *EpochScheduler) apply() {
	for _, g := range s.opt.ParamGroups() {
		g.LR = s.policy.GetLR(s.lastEpoch, 0, g.InitialLR)
	}
}

// BuildScheduler maps the scheduler section of conf onto a policy bound to
// opt.
func BuildScheduler(conf *config.Config, opt optimizer.Optimizer) (*EpochScheduler, error) {
	sc := conf.Training.Scheduler
	var policy LRScheduler
	switch strings.ToLower(sc.Name) {
	case "", "constant", "none":
		policy = &NoOpScheduler{}
	case "step":
		policy = NewStepLRScheduler(sc.StepSize, sc.Gamma)
	case "exponential":
		policy = NewExponentialLRScheduler(sc.Gamma)
	case "cosine":
		policy = NewCosineAnnealingLRScheduler(conf.Training.Epochs, sc.MinLR)
	case "poly":
		policy = NewPolyLRScheduler(conf.Training.Epochs, sc.Power, sc.MinLR, sc.WarmupEpochs, sc.WarmupBiasLR)
	default:
		return nil, errors.Errorf("scheduler: unsupported scheduler %q", sc.Name)
	}
	return NewEpochScheduler(policy, opt), nil
}
