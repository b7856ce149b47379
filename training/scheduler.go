package training

import (
	"fmt"
	"math"

	"pctseg/checkpoints"
	"pctseg/config"
)

// Scheduler computes the learning rate the optimizer should use next. The
// step policy is a pure function of the iteration counter; the plateau policy
// additionally tracks the validation metric through Observe.
type Scheduler interface {
	Name() string

	// NextRate returns the learning rate after the given training iteration.
	NextRate(iteration int, current float64) float64

	// Observe feeds the per-epoch validation metric into metric-driven
	// policies. Stateless policies ignore it.
	Observe(metric float64)

	State() checkpoints.SchedulerState
	LoadState(state checkpoints.SchedulerState) error
}

// NewScheduler builds the scheduler selected by the lr_policy key.
func NewScheduler(t config.Training) (Scheduler, error) {
	switch t.LRPolicy {
	case "step":
		return &StepScheduler{DecayIters: t.LRDecayIters, Gamma: t.LRGamma}, nil
	case "plateau":
		return &PlateauScheduler{
			Factor:    t.LRGamma,
			Patience:  t.Patience,
			Threshold: 1e-4,
			Mode:      t.MonitorMode,
			current:   t.LearningRate,
		}, nil
	case "cosine":
		return &CosineScheduler{TMax: t.NEpochs, BaseLR: t.LearningRate}, nil
	case "constant":
		return &ConstantScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown lr_policy %q", t.LRPolicy)
	}
}

// RestoreScheduler rebuilds a scheduler from a checkpointed snapshot,
// validating that the policy matches the configuration.
func RestoreScheduler(t config.Training, state checkpoints.SchedulerState) (Scheduler, error) {
	if state.Policy != t.LRPolicy {
		return nil, fmt.Errorf("checkpointed lr_policy %q does not match configured %q", state.Policy, t.LRPolicy)
	}
	s, err := NewScheduler(t)
	if err != nil {
		return nil, err
	}
	if err := s.LoadState(state); err != nil {
		return nil, err
	}
	return s, nil
}

// StepScheduler multiplies the learning rate by Gamma every DecayIters
// training iterations, independent of metric values.
type StepScheduler struct {
	DecayIters int
	Gamma      float64
}

func (s *StepScheduler) Name() string { return "step" }

func (s *StepScheduler) NextRate(iteration int, current float64) float64 {
	if s.DecayIters > 0 && iteration > 0 && iteration%s.DecayIters == 0 {
		return current * s.Gamma
	}
	return current
}

func (s *StepScheduler) Observe(metric float64) {}

func (s *StepScheduler) State() checkpoints.SchedulerState {
	return checkpoints.SchedulerState{Policy: s.Name()}
}

func (s *StepScheduler) LoadState(state checkpoints.SchedulerState) error {
	return nil
}

// PlateauScheduler reduces the learning rate by Factor once the metric has
// failed to improve beyond Threshold for Patience consecutive observations.
type PlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string // "min" or "max"

	current float64
	best    float64
	hasBest bool
	bad     int
}

func (s *PlateauScheduler) Name() string { return "plateau" }

func (s *PlateauScheduler) NextRate(iteration int, current float64) float64 {
	return s.current
}

func (s *PlateauScheduler) Observe(metric float64) {
	if !s.hasBest {
		s.best = metric
		s.hasBest = true
		return
	}
	improved := false
	if s.Mode == "max" {
		improved = metric > s.best+s.Threshold
	} else {
		improved = metric < s.best-s.Threshold
	}
	if improved {
		s.best = metric
		s.bad = 0
		return
	}
	s.bad++
	if s.bad >= s.Patience {
		s.current *= s.Factor
		s.bad = 0
	}
}

func (s *PlateauScheduler) State() checkpoints.SchedulerState {
	return checkpoints.SchedulerState{
		Policy:     s.Name(),
		CurrentLR:  s.current,
		BestMetric: s.best,
		HasBest:    s.hasBest,
		BadEpochs:  s.bad,
	}
}

func (s *PlateauScheduler) LoadState(state checkpoints.SchedulerState) error {
	if state.CurrentLR <= 0 {
		return fmt.Errorf("plateau scheduler state has non-positive learning rate %g", state.CurrentLR)
	}
	s.current = state.CurrentLR
	s.best = state.BestMetric
	s.hasBest = state.HasBest
	s.bad = state.BadEpochs
	return nil
}

// CosineScheduler anneals the learning rate along a half cosine from BaseLR
// to EtaMin over TMax epochs, driven by the epoch-granular iteration count.
type CosineScheduler struct {
	TMax   int
	EtaMin float64
	BaseLR float64

	epoch int
}

func (s *CosineScheduler) Name() string { return "cosine" }

func (s *CosineScheduler) NextRate(iteration int, current float64) float64 {
	if s.epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (s.BaseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(s.epoch)/float64(s.TMax)))/2
}

// Observe advances the annealing clock; the cosine policy is epoch-driven.
func (s *CosineScheduler) Observe(metric float64) {
	s.epoch++
}

func (s *CosineScheduler) State() checkpoints.SchedulerState {
	return checkpoints.SchedulerState{
		Policy: s.Name(),
		Epoch:  s.epoch,
	}
}

func (s *CosineScheduler) LoadState(state checkpoints.SchedulerState) error {
	s.epoch = state.Epoch
	return nil
}

// ConstantScheduler keeps the learning rate fixed.
type ConstantScheduler struct{}

func (s *ConstantScheduler) Name() string { return "constant" }

func (s *ConstantScheduler) NextRate(iteration int, current float64) float64 {
	return current
}

func (s *ConstantScheduler) Observe(metric float64) {}

func (s *ConstantScheduler) State() checkpoints.SchedulerState {
	return checkpoints.SchedulerState{Policy: s.Name()}
}

func (s *ConstantScheduler) LoadState(state checkpoints.SchedulerState) error {
	return nil
}
