package models

import (
	"fmt"
	"math"
)

// Loss is the result of evaluating a criterion: the scalar loss and its
// gradient with respect to the prediction vector. The gradient is what the
// orchestrator feeds back into Model.Backward.
type Loss struct {
	Value float64
	Grad  []float32
}

// Criterion scores a prediction against the flattened binary targets.
type Criterion interface {
	Name() string
	Evaluate(pred *Prediction, target []float32) (*Loss, error)
}

const lossEpsilon = 1e-7

// TverskyLoss is 1 - TI where TI is the soft Tversky index
// TP / (TP + alpha*FN + beta*FP). Alpha > Beta penalizes false negatives
// harder, which is what an infarct-segmentation class imbalance calls for.
// A Gamma > 1 turns it into the focal Tversky loss.
type TverskyLoss struct {
	name  string
	Alpha float64
	Beta  float64
	Gamma float64
}

// NewTverskyLoss builds the plain Tversky loss.
func NewTverskyLoss(alpha, beta float64) *TverskyLoss {
	return &TverskyLoss{name: "tversky", Alpha: alpha, Beta: beta, Gamma: 1}
}

// NewFocalTverskyLoss builds the focal Tversky loss with the standard
// parameterization (alpha 0.7, beta 0.3, gamma 4/3).
func NewFocalTverskyLoss() *TverskyLoss {
	return &TverskyLoss{name: "focal_tversky", Alpha: 0.7, Beta: 0.3, Gamma: 4.0 / 3.0}
}

// NewDiceLoss builds the soft Dice loss expressed as Tversky with
// alpha = beta = 0.5.
func NewDiceLoss() *TverskyLoss {
	return &TverskyLoss{name: "dice", Alpha: 0.5, Beta: 0.5, Gamma: 1}
}

func (t *TverskyLoss) Name() string { return t.name }

func (t *TverskyLoss) Evaluate(pred *Prediction, target []float32) (*Loss, error) {
	if pred == nil || len(pred.Probs) == 0 {
		return nil, fmt.Errorf("%s: empty prediction", t.name)
	}
	if len(pred.Probs) != len(target) {
		return nil, fmt.Errorf("%s: prediction length %d does not match target length %d",
			t.name, len(pred.Probs), len(target))
	}

	var tp, fn, fp float64
	for i, p := range pred.Probs {
		g := float64(target[i])
		pf := float64(p)
		tp += pf * g
		fn += (1 - pf) * g
		fp += pf * (1 - g)
	}

	d := tp + t.Alpha*fn + t.Beta*fp
	ti := (tp + lossEpsilon) / (d + lossEpsilon)
	base := 1 - ti
	if base < 0 {
		base = 0
	}
	value := math.Pow(base, t.Gamma)

	// dL/dp_i = -gamma * (1-TI)^(gamma-1) * dTI/dp_i with
	// dTI/dp_i = (g_i*(D+eps) - (TP+eps)*dD/dp_i) / (D+eps)^2.
	outer := -t.Gamma * math.Pow(base, t.Gamma-1)
	denom := (d + lossEpsilon) * (d + lossEpsilon)
	grad := make([]float32, len(target))
	for i := range target {
		g := float64(target[i])
		dD := g - t.Alpha*g + t.Beta*(1-g)
		dTI := (g*(d+lossEpsilon) - (tp+lossEpsilon)*dD) / denom
		grad[i] = float32(outer * dTI)
	}

	return &Loss{Value: value, Grad: grad}, nil
}

// CrossEntropyLoss is the mean binary cross entropy over all voxels.
type CrossEntropyLoss struct{}

func (c *CrossEntropyLoss) Name() string { return "cross_entropy" }

func (c *CrossEntropyLoss) Evaluate(pred *Prediction, target []float32) (*Loss, error) {
	if pred == nil || len(pred.Probs) == 0 {
		return nil, fmt.Errorf("cross_entropy: empty prediction")
	}
	if len(pred.Probs) != len(target) {
		return nil, fmt.Errorf("cross_entropy: prediction length %d does not match target length %d",
			len(pred.Probs), len(target))
	}

	n := float64(len(target))
	var sum float64
	grad := make([]float32, len(target))
	for i, p := range pred.Probs {
		pf := clamp(float64(p), lossEpsilon, 1-lossEpsilon)
		g := float64(target[i])
		sum += -(g*math.Log(pf) + (1-g)*math.Log(1-pf))
		grad[i] = float32((pf - g) / (pf * (1 - pf) * n))
	}

	return &Loss{Value: sum / n, Grad: grad}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
