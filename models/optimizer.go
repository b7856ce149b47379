package models

import (
	"fmt"
)

// OptimizerState captures the serializable state of an optimizer for
// checkpointing: hyperparameters, step count, and the velocity buffers.
type OptimizerState struct {
	Type         string    `json:"type"`
	LearningRate float64   `json:"learning_rate"`
	Momentum     float64   `json:"momentum"`
	WeightDecay  float64   `json:"weight_decay"`
	Nesterov     bool      `json:"nesterov"`
	StepCount    uint64    `json:"step_count"`
	Velocity     []float32 `json:"velocity,omitempty"`
}

// Optimizer updates the model's flat parameter vector from its gradients.
type Optimizer interface {
	Step(params, grads []float32) error
	LearningRate() float64
	SetLearningRate(lr float64)
	State() *OptimizerState
	LoadState(state *OptimizerState) error
	Name() string
}

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// SGD is stochastic gradient descent with optional momentum, weight decay and
// Nesterov lookahead.
type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64
	nesterov    bool
	stepCount   uint64
	velocity    []float32
}

// NewSGD creates an SGD optimizer.
func NewSGD(cfg SGDConfig) (*SGD, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %g", cfg.LearningRate)
	}
	if cfg.Momentum < 0 || cfg.Momentum > 1 {
		return nil, fmt.Errorf("momentum must be in [0,1]: %g", cfg.Momentum)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %g", cfg.WeightDecay)
	}
	if cfg.Nesterov && cfg.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}
	return &SGD{
		lr:          cfg.LearningRate,
		momentum:    cfg.Momentum,
		weightDecay: cfg.WeightDecay,
		nesterov:    cfg.Nesterov,
	}, nil
}

func (s *SGD) Name() string { return "SGD" }

// Step applies one parameter update in place.
func (s *SGD) Step(params, grads []float32) error {
	if len(params) != len(grads) {
		return fmt.Errorf("parameter count %d does not match gradient count %d", len(params), len(grads))
	}
	if s.momentum > 0 && s.velocity == nil {
		s.velocity = make([]float32, len(params))
	}
	if s.velocity != nil && len(s.velocity) != len(params) {
		return fmt.Errorf("velocity buffer length %d does not match parameter count %d", len(s.velocity), len(params))
	}

	for i := range params {
		g := float64(grads[i])
		if s.weightDecay > 0 {
			g += s.weightDecay * float64(params[i])
		}
		if s.momentum > 0 {
			v := s.momentum*float64(s.velocity[i]) + g
			s.velocity[i] = float32(v)
			if s.nesterov {
				g += s.momentum * v
			} else {
				g = v
			}
		}
		params[i] -= float32(s.lr * g)
	}
	s.stepCount++
	return nil
}

func (s *SGD) LearningRate() float64      { return s.lr }
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

func (s *SGD) State() *OptimizerState {
	state := &OptimizerState{
		Type:         s.Name(),
		LearningRate: s.lr,
		Momentum:     s.momentum,
		WeightDecay:  s.weightDecay,
		Nesterov:     s.nesterov,
		StepCount:    s.stepCount,
	}
	if s.velocity != nil {
		state.Velocity = make([]float32, len(s.velocity))
		copy(state.Velocity, s.velocity)
	}
	return state
}

func (s *SGD) LoadState(state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != s.Name() {
		return fmt.Errorf("optimizer state type %q does not match %q", state.Type, s.Name())
	}
	s.lr = state.LearningRate
	s.momentum = state.Momentum
	s.weightDecay = state.WeightDecay
	s.nesterov = state.Nesterov
	s.stepCount = state.StepCount
	if state.Velocity != nil {
		s.velocity = make([]float32, len(state.Velocity))
		copy(s.velocity, state.Velocity)
	} else {
		s.velocity = nil
	}
	return nil
}
