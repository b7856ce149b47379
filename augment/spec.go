package augment

import (
	"pctseg/config"
)

// Spec holds the validated per-transform parameters of the pipeline. It is
// built once from the configuration and reused, unmodified, for every sample.
type Spec struct {
	FlipProb    float64
	AffineProb  float64
	ElasticProb float64
	NoiseProb   float64

	RotationDegrees float64 // rotation sampled per axis from [-r, r]
	ScaleMin        float64 // isotropic scale sampled from [min, max]
	ScaleMax        float64
	ShiftVoxels     float64 // translation sampled per axis from [-s, s]

	MaxDeformation float64 // elastic displacement bound per control point, voxels
	CtrlPoints     int     // control points per axis
	LockedBorders  int     // border control point layers pinned to zero

	NoiseStdMax float64 // additive Gaussian noise std sampled from (0, max]

	Prudent bool

	ScaleSize [3]int // fixed output spatial shape
}

// SpecFrom builds a Spec from the configuration's augmentation section.
// Parameter ranges are validated here, at load time; Apply never re-validates.
func SpecFrom(a config.Augmentation, scaleSize [3]int) (Spec, error) {
	spec := Spec{
		FlipProb:        a.PFlip,
		AffineProb:      a.PAffine,
		ElasticProb:     a.PElastic,
		NoiseProb:       a.PNoise,
		RotationDegrees: a.RotationDegrees,
		ScaleMin:        a.ScaleMin,
		ScaleMax:        a.ScaleMax,
		ShiftVoxels:     a.ShiftVoxels,
		MaxDeformation:  a.MaxDeformation,
		CtrlPoints:      a.ElasticCtrlPoints,
		LockedBorders:   a.LockedBorders,
		NoiseStdMax:     a.NoiseStdMax,
		Prudent:         a.Prudent.Bool(),
		ScaleSize:       scaleSize,
	}
	return spec, spec.validate()
}

func (s Spec) validate() error {
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"augmentation.p_flip", s.FlipProb},
		{"augmentation.p_affine", s.AffineProb},
		{"augmentation.p_elastic", s.ElasticProb},
		{"augmentation.p_noise", s.NoiseProb},
	} {
		if p.value < 0 || p.value > 1 {
			return config.Invalid(p.name, "probability must be in [0,1], got %g", p.value)
		}
	}
	if s.RotationDegrees < 0 {
		return config.Invalid("augmentation.rotation_degrees", "must be non-negative, got %g", s.RotationDegrees)
	}
	if s.ScaleMin <= 0 {
		return config.Invalid("augmentation.scale_min", "must be positive, got %g", s.ScaleMin)
	}
	if s.ScaleMax < s.ScaleMin {
		return config.Invalid("augmentation.scale_max", "must be >= scale_min, got %g < %g", s.ScaleMax, s.ScaleMin)
	}
	if s.ShiftVoxels < 0 {
		return config.Invalid("augmentation.shift_voxels", "must be non-negative, got %g", s.ShiftVoxels)
	}
	if s.MaxDeformation < 0 {
		return config.Invalid("augmentation.max_deformation", "must be non-negative, got %g", s.MaxDeformation)
	}
	if s.ElasticProb > 0 {
		if s.CtrlPoints < 2 {
			return config.Invalid("augmentation.elastic_control_points", "need at least 2 control points per axis, got %d", s.CtrlPoints)
		}
		if s.LockedBorders < 0 {
			return config.Invalid("augmentation.locked_borders", "must be non-negative, got %d", s.LockedBorders)
		}
		if s.LockedBorders*2 >= s.CtrlPoints {
			return config.Invalid("augmentation.locked_borders", "locking %d borders leaves no free control points out of %d",
				s.LockedBorders, s.CtrlPoints)
		}
	}
	if s.NoiseStdMax < 0 {
		return config.Invalid("augmentation.noise_std_max", "must be non-negative, got %g", s.NoiseStdMax)
	}
	for i, dim := range s.ScaleSize {
		if dim <= 0 {
			return config.Invalid("data_opts.scale_size", "dimension %d must be positive, got %d", i, dim)
		}
	}
	return nil
}
