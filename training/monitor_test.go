package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorStopsAfterFlatPlateau(t *testing.T) {
	m, err := NewEarlyStoppingMonitor("Seg_Loss", "min", 15, 10)
	require.NoError(t, err)

	// Flat metric: epochs before min_epochs are ignored, the first counted
	// epoch sets the best, then patience runs out exactly 10 epochs later.
	for epoch := 0; epoch <= 24; epoch++ {
		m.Observe(epoch, 0.5)
		assert.False(t, m.Stopped(), "stopped prematurely at epoch %d", epoch)
	}
	m.Observe(25, 0.5)
	assert.True(t, m.Stopped())
}

func TestMonitorEpochsBeforeMinAreIgnoredEntirely(t *testing.T) {
	m, err := NewEarlyStoppingMonitor("Seg_Loss", "min", 5, 3)
	require.NoError(t, err)

	// A very good value before min_epochs must not become the best.
	m.Observe(0, 0.01)
	_, has := m.Best()
	assert.False(t, has)

	m.Observe(5, 0.5)
	best, has := m.Best()
	require.True(t, has)
	assert.Equal(t, 0.5, best)
}

func TestMonitorImprovementResetsPatience(t *testing.T) {
	m, err := NewEarlyStoppingMonitor("Seg_Loss", "min", 0, 3)
	require.NoError(t, err)

	m.Observe(0, 0.5)
	m.Observe(1, 0.6)
	m.Observe(2, 0.6)
	m.Observe(3, 0.4) // improvement two epochs before the deadline
	m.Observe(4, 0.5)
	m.Observe(5, 0.5)
	assert.False(t, m.Stopped())
	m.Observe(6, 0.5)
	assert.True(t, m.Stopped())
}

func TestMonitorEqualValueIsNotImprovement(t *testing.T) {
	m, err := NewEarlyStoppingMonitor("Seg_Loss", "min", 0, 2)
	require.NoError(t, err)

	m.Observe(0, 0.5)
	m.Observe(1, 0.5)
	m.Observe(2, 0.5)
	assert.True(t, m.Stopped())
}

func TestMonitorMaxMode(t *testing.T) {
	m, err := NewEarlyStoppingMonitor("Dice", "max", 0, 2)
	require.NoError(t, err)

	m.Observe(0, 0.5)
	m.Observe(1, 0.7) // improvement in max mode
	m.Observe(2, 0.6)
	m.Observe(3, 0.6)
	assert.True(t, m.Stopped())

	best, _ := m.Best()
	assert.Equal(t, 0.7, best)
}

func TestMonitorStoppedIsTerminal(t *testing.T) {
	m, err := NewEarlyStoppingMonitor("Seg_Loss", "min", 0, 1)
	require.NoError(t, err)

	m.Observe(0, 0.5)
	m.Observe(1, 0.5)
	require.True(t, m.Stopped())

	// A later improvement must not revive the run.
	m.Observe(2, 0.1)
	assert.True(t, m.Stopped())
	best, _ := m.Best()
	assert.Equal(t, 0.5, best)
}

func TestMonitorStateRoundTrip(t *testing.T) {
	m, err := NewEarlyStoppingMonitor("Seg_Loss", "min", 15, 10)
	require.NoError(t, err)
	for epoch := 0; epoch <= 20; epoch++ {
		m.Observe(epoch, 0.5)
	}

	restored, err := RestoreMonitor(m.State())
	require.NoError(t, err)
	assert.Equal(t, m.State(), restored.State())

	// The restored monitor continues the same countdown: 5 of 10 patience
	// epochs were consumed, so 5 more flat epochs stop it.
	for epoch := 21; epoch <= 24; epoch++ {
		restored.Observe(epoch, 0.5)
		assert.False(t, restored.Stopped(), "epoch %d", epoch)
	}
	restored.Observe(25, 0.5)
	assert.True(t, restored.Stopped())
}

func TestMonitorRejectsBadParameters(t *testing.T) {
	_, err := NewEarlyStoppingMonitor("", "min", 0, 1)
	assert.Error(t, err)
	_, err = NewEarlyStoppingMonitor("Seg_Loss", "down", 0, 1)
	assert.Error(t, err)
	_, err = NewEarlyStoppingMonitor("Seg_Loss", "min", -1, 1)
	assert.Error(t, err)
	_, err = NewEarlyStoppingMonitor("Seg_Loss", "min", 0, 0)
	assert.Error(t, err)
}
