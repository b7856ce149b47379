package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTverskyPerfectPrediction(t *testing.T) {
	crit := NewTverskyLoss(0.7, 0.3)
	pred := &Prediction{Probs: []float32{1, 0, 1, 0}}
	target := []float32{1, 0, 1, 0}

	loss, err := crit.Evaluate(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 0, loss.Value, 1e-6)
}

func TestTverskyCompleteMiss(t *testing.T) {
	crit := NewTverskyLoss(0.7, 0.3)
	pred := &Prediction{Probs: []float32{0, 1, 0, 1}}
	target := []float32{1, 0, 1, 0}

	loss, err := crit.Evaluate(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 1, loss.Value, 1e-5)
}

func TestDiceMatchesHandComputedValue(t *testing.T) {
	crit := NewDiceLoss()
	pred := &Prediction{Probs: []float32{0.8, 0.2, 0.6, 0.4}}
	target := []float32{1, 0, 1, 0}

	loss, err := crit.Evaluate(pred, target)
	require.NoError(t, err)

	// TP=1.4, FN=0.6, FP=0.6; TI = 1.4 / (1.4 + 0.5*0.6 + 0.5*0.6) = 0.7.
	assert.InDelta(t, 0.3, loss.Value, 1e-5)
}

func TestCriterionLengthMismatch(t *testing.T) {
	for _, crit := range []Criterion{NewDiceLoss(), &CrossEntropyLoss{}} {
		_, err := crit.Evaluate(&Prediction{Probs: []float32{0.5}}, []float32{1, 0})
		assert.Error(t, err, crit.Name())
		_, err = crit.Evaluate(&Prediction{}, nil)
		assert.Error(t, err, crit.Name())
	}
}

func TestCrossEntropyValue(t *testing.T) {
	crit := &CrossEntropyLoss{}
	pred := &Prediction{Probs: []float32{0.9, 0.1}}
	target := []float32{1, 0}

	loss, err := crit.Evaluate(pred, target)
	require.NoError(t, err)
	want := -(math.Log(0.9) + math.Log(0.9)) / 2
	assert.InDelta(t, want, loss.Value, 1e-4)
}

func TestCrossEntropyClampsSaturatedProbabilities(t *testing.T) {
	crit := &CrossEntropyLoss{}
	pred := &Prediction{Probs: []float32{0, 1}}
	target := []float32{1, 0}

	loss, err := crit.Evaluate(pred, target)
	require.NoError(t, err)
	assert.False(t, math.IsInf(loss.Value, 0))
	assert.False(t, math.IsNaN(loss.Value))
	for _, g := range loss.Grad {
		assert.False(t, math.IsNaN(float64(g)))
	}
}

// numericalGradient approximates dL/dp_i by central differences.
func numericalGradient(t *testing.T, crit Criterion, probs, target []float32, i int) float64 {
	t.Helper()
	const h = 1e-4

	perturbed := func(delta float32) float64 {
		p := make([]float32, len(probs))
		copy(p, probs)
		p[i] += delta
		loss, err := crit.Evaluate(&Prediction{Probs: p}, target)
		require.NoError(t, err)
		return loss.Value
	}
	return (perturbed(h) - perturbed(-h)) / (2 * h)
}

func TestTverskyGradientMatchesNumerical(t *testing.T) {
	probs := []float32{0.8, 0.3, 0.6, 0.45, 0.2}
	target := []float32{1, 0, 1, 1, 0}

	for _, crit := range []Criterion{
		NewTverskyLoss(0.7, 0.3),
		NewFocalTverskyLoss(),
		NewDiceLoss(),
	} {
		loss, err := crit.Evaluate(&Prediction{Probs: probs}, target)
		require.NoError(t, err)

		for i := range probs {
			want := numericalGradient(t, crit, probs, target, i)
			assert.InDelta(t, want, float64(loss.Grad[i]), 1e-3,
				"%s grad[%d]", crit.Name(), i)
		}
	}
}

func TestCrossEntropyGradientMatchesNumerical(t *testing.T) {
	crit := &CrossEntropyLoss{}
	probs := []float32{0.8, 0.3, 0.6, 0.45}
	target := []float32{1, 0, 1, 0}

	loss, err := crit.Evaluate(&Prediction{Probs: probs}, target)
	require.NoError(t, err)

	for i := range probs {
		want := numericalGradient(t, crit, probs, target, i)
		assert.InDelta(t, want, float64(loss.Grad[i]), 1e-3, "grad[%d]", i)
	}
}
