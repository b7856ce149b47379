package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pctseg/checkpoints"
	"pctseg/config"
)

func TestNewSchedulerSelectsPolicy(t *testing.T) {
	for policy, name := range map[string]string{
		"step":     "step",
		"plateau":  "plateau",
		"cosine":   "cosine",
		"constant": "constant",
	} {
		s, err := NewScheduler(config.Training{
			LRPolicy:     policy,
			LRDecayIters: 10,
			LRGamma:      0.5,
			LearningRate: 0.01,
			Patience:     5,
			MonitorMode:  "min",
			NEpochs:      100,
		})
		require.NoError(t, err, policy)
		assert.Equal(t, name, s.Name())
	}

	_, err := NewScheduler(config.Training{LRPolicy: "linear"})
	assert.Error(t, err)
}

func TestStepSchedulerDecaysAtBoundaries(t *testing.T) {
	s := &StepScheduler{DecayIters: 10, Gamma: 0.5}

	assert.Equal(t, 0.01, s.NextRate(0, 0.01))
	assert.Equal(t, 0.01, s.NextRate(9, 0.01))
	assert.Equal(t, 0.005, s.NextRate(10, 0.01))
	assert.Equal(t, 0.005, s.NextRate(11, 0.005))
	assert.Equal(t, 0.0025, s.NextRate(20, 0.005))
}

func TestPlateauSchedulerReducesAfterPatience(t *testing.T) {
	s := &PlateauScheduler{Factor: 0.5, Patience: 2, Threshold: 1e-4, Mode: "min", current: 0.01}

	s.Observe(0.5) // sets best
	assert.Equal(t, 0.01, s.NextRate(0, 0.01))
	s.Observe(0.5)
	assert.Equal(t, 0.01, s.NextRate(0, 0.01))
	s.Observe(0.5) // second bad epoch triggers the reduction
	assert.Equal(t, 0.005, s.NextRate(0, 0.01))
}

func TestPlateauSchedulerImprovementResetsCount(t *testing.T) {
	s := &PlateauScheduler{Factor: 0.5, Patience: 2, Threshold: 1e-4, Mode: "min", current: 0.01}

	s.Observe(0.5)
	s.Observe(0.6)
	s.Observe(0.4) // improvement
	s.Observe(0.45)
	assert.Equal(t, 0.01, s.NextRate(0, 0.01))
	s.Observe(0.45)
	assert.Equal(t, 0.005, s.NextRate(0, 0.01))
}

func TestPlateauSchedulerThreshold(t *testing.T) {
	s := &PlateauScheduler{Factor: 0.5, Patience: 1, Threshold: 1e-2, Mode: "min", current: 0.01}

	s.Observe(0.5)
	// Within the threshold: counts as a bad epoch.
	s.Observe(0.495)
	assert.Equal(t, 0.005, s.NextRate(0, 0.01))
}

func TestPlateauSchedulerStateRoundTrip(t *testing.T) {
	s := &PlateauScheduler{Factor: 0.5, Patience: 3, Threshold: 1e-4, Mode: "min", current: 0.01}
	s.Observe(0.5)
	s.Observe(0.6)

	cfg := config.Training{LRPolicy: "plateau", LRGamma: 0.5, Patience: 3, MonitorMode: "min", LearningRate: 0.01}
	restored, err := RestoreScheduler(cfg, s.State())
	require.NoError(t, err)

	// Both continue identically: two more bad epochs trigger the reduction.
	for _, sched := range []Scheduler{s, restored} {
		sched.Observe(0.6)
		sched.Observe(0.6)
		assert.Equal(t, 0.005, sched.NextRate(0, 0.01))
	}
}

func TestCosineSchedulerAnneals(t *testing.T) {
	s := &CosineScheduler{TMax: 10, BaseLR: 0.01}

	assert.InDelta(t, 0.01, s.NextRate(0, 0.01), 1e-12)
	for i := 0; i < 5; i++ {
		s.Observe(0)
	}
	assert.InDelta(t, 0.005, s.NextRate(0, 0.01), 1e-12)
	for i := 0; i < 5; i++ {
		s.Observe(0)
	}
	assert.InDelta(t, 0, s.NextRate(0, 0.01), 1e-12)
}

func TestCosineSchedulerStatePersistsClock(t *testing.T) {
	s := &CosineScheduler{TMax: 10, BaseLR: 0.01}
	for i := 0; i < 5; i++ {
		s.Observe(0)
	}

	cfg := config.Training{LRPolicy: "cosine", NEpochs: 10, LearningRate: 0.01}
	restored, err := RestoreScheduler(cfg, s.State())
	require.NoError(t, err)
	assert.Equal(t, s.NextRate(0, 0.01), restored.NextRate(0, 0.01))
}

func TestConstantScheduler(t *testing.T) {
	s := &ConstantScheduler{}
	assert.Equal(t, 0.01, s.NextRate(500, 0.01))
	s.Observe(0.5)
	assert.Equal(t, 0.01, s.NextRate(501, 0.01))
}

func TestRestoreSchedulerPolicyMismatch(t *testing.T) {
	cfg := config.Training{LRPolicy: "step", LRDecayIters: 10, LRGamma: 0.5}
	_, err := RestoreScheduler(cfg, checkpoints.SchedulerState{Policy: "plateau"})
	assert.Error(t, err)
}

func TestPlateauLoadStateRejectsBadRate(t *testing.T) {
	s := &PlateauScheduler{}
	err := s.LoadState(checkpoints.SchedulerState{Policy: "plateau", CurrentLR: 0})
	assert.Error(t, err)
}
