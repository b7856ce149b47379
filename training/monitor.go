package training

import (
	"fmt"

	"pctseg/checkpoints"
)

// EarlyStoppingMonitor tracks the monitored validation metric and decides
// when training should stop. It is a two-state machine: TRAINING until the
// metric has failed to improve for patience epochs (counted only from
// min_epochs onward), then STOPPED. STOPPED is terminal and idempotent;
// further observations are no-ops. The improvement direction is an explicit
// property of the metric, never inferred.
type EarlyStoppingMonitor struct {
	metric    string
	mode      string // "min" or "max"
	minEpochs int
	patience  int

	best    float64
	hasBest bool
	since   int
	stopped bool
}

// NewEarlyStoppingMonitor creates a monitor in the TRAINING state.
func NewEarlyStoppingMonitor(metric, mode string, minEpochs, patience int) (*EarlyStoppingMonitor, error) {
	if metric == "" {
		return nil, fmt.Errorf("monitored metric name must not be empty")
	}
	if mode != "min" && mode != "max" {
		return nil, fmt.Errorf(`improvement direction must be "min" or "max", got %q`, mode)
	}
	if minEpochs < 0 {
		return nil, fmt.Errorf("min_epochs cannot be negative: %d", minEpochs)
	}
	if patience <= 0 {
		return nil, fmt.Errorf("patience must be positive: %d", patience)
	}
	return &EarlyStoppingMonitor{
		metric:    metric,
		mode:      mode,
		minEpochs: minEpochs,
		patience:  patience,
	}, nil
}

// Observe feeds one epoch's metric value into the monitor. Epochs before
// min_epochs are ignored entirely; they neither set the best value nor count
// toward patience.
func (m *EarlyStoppingMonitor) Observe(epoch int, value float64) {
	if m.stopped {
		return
	}
	if epoch < m.minEpochs {
		return
	}
	if !m.hasBest {
		m.best = value
		m.hasBest = true
		m.since = 0
		return
	}
	if m.improves(value) {
		m.best = value
		m.since = 0
		return
	}
	m.since++
	if m.since >= m.patience {
		m.stopped = true
	}
}

func (m *EarlyStoppingMonitor) improves(value float64) bool {
	if m.mode == "min" {
		return value < m.best
	}
	return value > m.best
}

// Stopped reports whether the monitor has reached its terminal state. The
// orchestrator queries this after every Observe and halts the epoch loop when
// it returns true.
func (m *EarlyStoppingMonitor) Stopped() bool { return m.stopped }

// Metric returns the name of the monitored metric.
func (m *EarlyStoppingMonitor) Metric() string { return m.metric }

// Best returns the best value seen so far, if any.
func (m *EarlyStoppingMonitor) Best() (float64, bool) {
	return m.best, m.hasBest
}

// State snapshots the monitor for checkpointing.
func (m *EarlyStoppingMonitor) State() checkpoints.MonitorState {
	return checkpoints.MonitorState{
		Metric:                 m.metric,
		Mode:                   m.mode,
		MinEpochs:              m.minEpochs,
		Patience:               m.patience,
		BestValue:              m.best,
		HasBest:                m.hasBest,
		EpochsSinceImprovement: m.since,
		Stopped:                m.stopped,
	}
}

// RestoreMonitor rebuilds a monitor from a checkpointed snapshot.
func RestoreMonitor(state checkpoints.MonitorState) (*EarlyStoppingMonitor, error) {
	m, err := NewEarlyStoppingMonitor(state.Metric, state.Mode, state.MinEpochs, state.Patience)
	if err != nil {
		return nil, fmt.Errorf("invalid monitor state: %w", err)
	}
	m.best = state.BestValue
	m.hasBest = state.HasBest
	m.since = state.EpochsSinceImprovement
	m.stopped = state.Stopped
	return m, nil
}
