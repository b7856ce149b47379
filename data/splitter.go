package data

import (
	"math"
	"math/rand/v2"

	"pctseg/config"
)

// Ratios are the train/validation/test partition fractions.
type Ratios struct {
	Train      float64
	Validation float64
	Test       float64
}

// RatiosFrom extracts the partition fractions from the configuration.
func RatiosFrom(s config.DataSplit) Ratios {
	return Ratios{
		Train:      s.TrainSize,
		Validation: s.ValidationSize,
		Test:       s.TestSize,
	}
}

// Split is a disjoint partition of the sample index range. The three slices
// are ordered, pairwise disjoint, and their union is exactly [0, n). A Split
// is computed once per run and persisted in checkpoints; it is never
// recomputed on resume.
type Split struct {
	Train []int `json:"train"`
	Val   []int `json:"val"`
	Test  []int `json:"test"`
}

// Total returns the number of indices across all three partitions.
func (s Split) Total() int {
	return len(s.Train) + len(s.Val) + len(s.Test)
}

// MakeSplit deterministically partitions [0, sampleCount). The index range is
// permuted with a generator seeded from seed, then cut into contiguous
// train/val/test blocks. Val and test blocks are sized round(ratio*n); the
// rounding remainder goes to the train block so the union is exact. Identical
// (sampleCount, ratios, seed) always yields identical output.
func MakeSplit(sampleCount int, ratios Ratios, seed int64) (Split, error) {
	if sampleCount <= 0 {
		return Split{}, config.Invalid("data_split", "sample count must be positive, got %d", sampleCount)
	}
	for _, r := range []struct {
		name  string
		value float64
	}{
		{"data_split.train_size", ratios.Train},
		{"data_split.validation_size", ratios.Validation},
		{"data_split.test_size", ratios.Test},
	} {
		if r.value < 0 || r.value > 1 {
			return Split{}, config.Invalid(r.name, "must be in [0,1], got %g", r.value)
		}
	}
	sum := ratios.Train + ratios.Validation + ratios.Test
	if sum < 1-config.RatioTolerance || sum > 1+config.RatioTolerance {
		return Split{}, config.Invalid("data_split", "sizes must sum to 1 within %g, got %g", config.RatioTolerance, sum)
	}

	perm := make([]int, sampleCount)
	for i := range perm {
		perm[i] = i
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	for i := sampleCount - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}

	valN := int(math.Round(ratios.Validation * float64(sampleCount)))
	testN := int(math.Round(ratios.Test * float64(sampleCount)))
	trainN := sampleCount - valN - testN
	if trainN < 0 {
		return Split{}, config.Invalid("data_split", "rounding leaves a negative train block (%d val + %d test > %d samples)",
			valN, testN, sampleCount)
	}

	return Split{
		Train: perm[:trainN],
		Val:   perm[trainN : trainN+valN],
		Test:  perm[trainN+valN:],
	}, nil
}
