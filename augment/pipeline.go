package augment

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"pctseg/volume"
)

// Pipeline applies the stochastic augmentation chain to one sample at a time.
// Transforms run in a fixed order: flip, affine (rotate+scale+shift), elastic
// deformation, additive noise. Each is gated by its own activation
// probability drawn from the sample's stream, so the output is a pure
// function of (sample, spec, stream state). A Pipeline holds no mutable
// state and is safe for concurrent use; each caller must own its stream.
type Pipeline struct {
	spec Spec
}

// New creates a pipeline from a validated spec.
func New(spec Spec) (*Pipeline, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &Pipeline{spec: spec}, nil
}

// Spec returns the pipeline's immutable spec.
func (p *Pipeline) Spec() Spec { return p.spec }

// Apply transforms the sample. The input is never mutated. Geometric
// transforms are applied identically to image and mask; the image is
// interpolated trilinearly, the mask nearest-neighbor. Noise touches only
// the image. The final pad/crop to the configured scale size is the only
// unconditional step.
func (p *Pipeline) Apply(s volume.Sample, rng *Stream) (volume.Sample, error) {
	if s.Image == nil || s.Mask == nil {
		return volume.Sample{}, fmt.Errorf("augment: sample %d has nil image or mask", s.Index)
	}
	if rng == nil {
		return volume.Sample{}, fmt.Errorf("augment: nil random stream")
	}

	out := s.Clone()

	if rng.Float64() < p.spec.FlipProb {
		axis := rng.IntN(3)
		out.Image = flipAxis(out.Image, axis)
		out.Mask = flipAxis(out.Mask, axis)
	}

	if rng.Float64() < p.spec.AffineProb {
		if err := p.applyAffine(&out, rng); err != nil {
			return volume.Sample{}, err
		}
	}

	if rng.Float64() < p.spec.ElasticProb {
		if err := p.applyElastic(&out, rng); err != nil {
			return volume.Sample{}, err
		}
	}

	if rng.Float64() < p.spec.NoiseProb && p.spec.NoiseStdMax > 0 {
		std := uniform(rng, 0, p.spec.NoiseStdMax)
		if std > 0 {
			normal := distuv.Normal{Mu: 0, Sigma: std, Src: rng.Rand}
			for i := range out.Image.Data {
				out.Image.Data[i] += float32(normal.Rand())
			}
		}
	}

	return p.conform(out)
}

// applyAffine rotates, scales and shifts image and mask with one shared
// parameter draw.
func (p *Pipeline) applyAffine(s *volume.Sample, rng *Stream) error {
	rad := p.spec.RotationDegrees * math.Pi / 180
	ax := uniform(rng, -rad, rad)
	ay := uniform(rng, -rad, rad)
	az := uniform(rng, -rad, rad)
	scale := uniform(rng, p.spec.ScaleMin, p.spec.ScaleMax)
	shift := [3]float64{
		uniform(rng, -p.spec.ShiftVoxels, p.spec.ShiftVoxels),
		uniform(rng, -p.spec.ShiftVoxels, p.spec.ShiftVoxels),
		uniform(rng, -p.spec.ShiftVoxels, p.spec.ShiftVoxels),
	}

	if p.spec.Prudent {
		scale, shift = clampAffine(s.Mask, scale, shift, p.spec.ScaleMin)
	}

	forward := affineMatrix(ax, ay, az, scale)
	var inverse mat.Dense
	if err := inverse.Inverse(forward); err != nil {
		return fmt.Errorf("augment: affine matrix not invertible: %w", err)
	}

	var before map[float32]int
	if p.spec.Prudent {
		before = s.Mask.Classes()
	}

	image := resampleAffine(s.Image, &inverse, shift, true)
	mask := resampleAffine(s.Mask, &inverse, shift, false)

	if p.spec.Prudent && !sameClasses(before, mask.Classes()) {
		// Resampling dropped a label class; keep the untransformed pair
		// rather than train on a corrupted mask.
		return nil
	}
	s.Image = image
	s.Mask = mask
	return nil
}

// applyElastic deforms image and mask with a smooth random displacement field
// driven by a coarse control-point grid.
func (p *Pipeline) applyElastic(s *volume.Sample, rng *Stream) error {
	maxDisp := p.spec.MaxDeformation
	if p.spec.Prudent {
		maxDisp = clampDeformation(s.Mask, maxDisp)
	}

	field := newDisplacementField(p.spec.CtrlPoints, p.spec.LockedBorders, maxDisp,
		[3]int{s.Image.NX, s.Image.NY, s.Image.NZ}, rng)

	var before map[float32]int
	if p.spec.Prudent {
		before = s.Mask.Classes()
	}

	image := resampleField(s.Image, field, true)
	mask := resampleField(s.Mask, field, false)

	if p.spec.Prudent && !sameClasses(before, mask.Classes()) {
		return nil
	}
	s.Image = image
	s.Mask = mask
	return nil
}

// conform pads/crops image and mask to the fixed output shape.
func (p *Pipeline) conform(s volume.Sample) (volume.Sample, error) {
	target := p.spec.ScaleSize
	if s.Image.NX != target[0] || s.Image.NY != target[1] || s.Image.NZ != target[2] {
		image, err := s.Image.PadCropTo(target, 0)
		if err != nil {
			return volume.Sample{}, fmt.Errorf("augment: conform image: %w", err)
		}
		s.Image = image
	}
	if s.Mask.NX != target[0] || s.Mask.NY != target[1] || s.Mask.NZ != target[2] {
		mask, err := s.Mask.PadCropTo(target, 0)
		if err != nil {
			return volume.Sample{}, fmt.Errorf("augment: conform mask: %w", err)
		}
		s.Mask = mask
	}
	return s, nil
}

func uniform(rng *Stream, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}

// affineMatrix builds R_z * R_y * R_x * s as a 3x3 matrix.
func affineMatrix(ax, ay, az, scale float64) *mat.Dense {
	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, math.Cos(ax), -math.Sin(ax),
		0, math.Sin(ax), math.Cos(ax),
	})
	ry := mat.NewDense(3, 3, []float64{
		math.Cos(ay), 0, math.Sin(ay),
		0, 1, 0,
		-math.Sin(ay), 0, math.Cos(ay),
	})
	rz := mat.NewDense(3, 3, []float64{
		math.Cos(az), -math.Sin(az), 0,
		math.Sin(az), math.Cos(az), 0,
		0, 0, 1,
	})

	var ryx, r mat.Dense
	ryx.Mul(ry, rx)
	r.Mul(rz, &ryx)
	r.Scale(scale, &r)
	return &r
}

// clampAffine limits scale and shift so that every foreground voxel of the
// mask stays inside the volume under the forward transform. Rotation
// preserves distances from the center, so the bound only needs the farthest
// foreground corner.
func clampAffine(mask *volume.Volume, scale float64, shift [3]float64, scaleMin float64) (float64, [3]float64) {
	bounds := mask.ForegroundBounds()
	if bounds.Empty {
		return scale, shift
	}

	center := [3]float64{
		float64(mask.NX-1) / 2,
		float64(mask.NY-1) / 2,
		float64(mask.NZ-1) / 2,
	}
	dims := [3]int{mask.NX, mask.NY, mask.NZ}

	var rmax float64
	for _, corner := range boundsCorners(bounds) {
		var d2 float64
		for i := 0; i < 3; i++ {
			d := float64(corner[i]) - center[i]
			d2 += d * d
		}
		if r := math.Sqrt(d2); r > rmax {
			rmax = r
		}
	}

	edge := math.Inf(1)
	for i := 0; i < 3; i++ {
		if c := center[i]; c < edge {
			edge = c
		}
		if c := float64(dims[i]-1) - center[i]; c < edge {
			edge = c
		}
	}

	shiftMag := math.Max(math.Max(math.Abs(shift[0]), math.Abs(shift[1])), math.Abs(shift[2]))
	if rmax > 0 {
		if maxScale := (edge - shiftMag) / rmax; scale > maxScale {
			scale = math.Max(scaleMin, maxScale)
		}
	}
	if margin := edge - scale*rmax; margin >= 0 && shiftMag > margin {
		factor := margin / shiftMag
		for i := range shift {
			shift[i] *= factor
		}
	}
	return scale, shift
}

// clampDeformation limits the elastic displacement bound to the smallest
// distance between the foreground and the volume boundary.
func clampDeformation(mask *volume.Volume, maxDisp float64) float64 {
	bounds := mask.ForegroundBounds()
	if bounds.Empty {
		return maxDisp
	}
	dims := [3]int{mask.NX, mask.NY, mask.NZ}
	margin := math.Inf(1)
	for i := 0; i < 3; i++ {
		if m := float64(bounds.Min[i]); m < margin {
			margin = m
		}
		if m := float64(dims[i] - 1 - bounds.Max[i]); m < margin {
			margin = m
		}
	}
	if maxDisp > margin {
		return margin
	}
	return maxDisp
}

func boundsCorners(b volume.Bounds) [8][3]int {
	var corners [8][3]int
	for i := 0; i < 8; i++ {
		for axis := 0; axis < 3; axis++ {
			if i&(1<<axis) != 0 {
				corners[i][axis] = b.Max[axis]
			} else {
				corners[i][axis] = b.Min[axis]
			}
		}
	}
	return corners
}

func sameClasses(a, b map[float32]int) bool {
	if len(a) != len(b) {
		return false
	}
	for class := range a {
		if _, ok := b[class]; !ok {
			return false
		}
	}
	return true
}

// flipAxis mirrors the volume along one spatial axis (0=x, 1=y, 2=z).
func flipAxis(v *volume.Volume, axis int) *volume.Volume {
	out := v.Clone()
	for c := 0; c < v.Channels; c++ {
		for x := 0; x < v.NX; x++ {
			for y := 0; y < v.NY; y++ {
				for z := 0; z < v.NZ; z++ {
					sx, sy, sz := x, y, z
					switch axis {
					case 0:
						sx = v.NX - 1 - x
					case 1:
						sy = v.NY - 1 - y
					default:
						sz = v.NZ - 1 - z
					}
					out.Set(c, x, y, z, v.At(c, sx, sy, sz))
				}
			}
		}
	}
	return out
}

// resampleAffine maps every output voxel back through the inverse transform
// and samples the source volume there.
func resampleAffine(v *volume.Volume, inverse *mat.Dense, shift [3]float64, trilinear bool) *volume.Volume {
	out, _ := volume.New(v.Channels, v.NX, v.NY, v.NZ)
	center := [3]float64{
		float64(v.NX-1) / 2,
		float64(v.NY-1) / 2,
		float64(v.NZ-1) / 2,
	}

	for x := 0; x < v.NX; x++ {
		for y := 0; y < v.NY; y++ {
			for z := 0; z < v.NZ; z++ {
				dx := float64(x) - center[0] - shift[0]
				dy := float64(y) - center[1] - shift[1]
				dz := float64(z) - center[2] - shift[2]

				sx := inverse.At(0, 0)*dx + inverse.At(0, 1)*dy + inverse.At(0, 2)*dz + center[0]
				sy := inverse.At(1, 0)*dx + inverse.At(1, 1)*dy + inverse.At(1, 2)*dz + center[1]
				sz := inverse.At(2, 0)*dx + inverse.At(2, 1)*dy + inverse.At(2, 2)*dz + center[2]

				for c := 0; c < v.Channels; c++ {
					var val float32
					if trilinear {
						val = sampleTrilinear(v, c, sx, sy, sz)
					} else {
						val = sampleNearest(v, c, sx, sy, sz)
					}
					out.Set(c, x, y, z, val)
				}
			}
		}
	}
	return out
}

// displacementField is a coarse grid of random displacement vectors,
// interpolated trilinearly at voxel resolution.
type displacementField struct {
	n      int // control points per axis
	dims   [3]int
	deltas [][3]float64 // n*n*n control displacements
}

func newDisplacementField(n, lockedBorders int, maxDisp float64, dims [3]int, rng *Stream) *displacementField {
	f := &displacementField{
		n:      n,
		dims:   dims,
		deltas: make([][3]float64, n*n*n),
	}
	if maxDisp <= 0 {
		return f
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				if locked(i, n, lockedBorders) || locked(j, n, lockedBorders) || locked(k, n, lockedBorders) {
					continue
				}
				idx := (i*n+j)*n + k
				f.deltas[idx] = [3]float64{
					uniform(rng, -maxDisp, maxDisp),
					uniform(rng, -maxDisp, maxDisp),
					uniform(rng, -maxDisp, maxDisp),
				}
			}
		}
	}
	return f
}

func locked(i, n, borders int) bool {
	return i < borders || i >= n-borders
}

// at interpolates the displacement at a voxel coordinate.
func (f *displacementField) at(x, y, z int) [3]float64 {
	pos := [3]float64{}
	coord := [3]int{x, y, z}
	for axis := 0; axis < 3; axis++ {
		spacing := float64(f.dims[axis]-1) / float64(f.n-1)
		pos[axis] = float64(coord[axis]) / spacing
	}

	var out [3]float64
	i0, fi := split(pos[0], f.n)
	j0, fj := split(pos[1], f.n)
	k0, fk := split(pos[2], f.n)

	for di := 0; di <= 1; di++ {
		wi := 1 - fi
		if di == 1 {
			wi = fi
		}
		for dj := 0; dj <= 1; dj++ {
			wj := 1 - fj
			if dj == 1 {
				wj = fj
			}
			for dk := 0; dk <= 1; dk++ {
				wk := 1 - fk
				if dk == 1 {
					wk = fk
				}
				w := wi * wj * wk
				if w == 0 {
					continue
				}
				idx := ((i0+di)*f.n+(j0+dj))*f.n + (k0 + dk)
				for axis := 0; axis < 3; axis++ {
					out[axis] += w * f.deltas[idx][axis]
				}
			}
		}
	}
	return out
}

// split decomposes a grid coordinate into a base index and fraction, clamped
// so that base+1 stays a valid control point index.
func split(pos float64, n int) (int, float64) {
	if pos <= 0 {
		return 0, 0
	}
	if pos >= float64(n-1) {
		return n - 2, 1
	}
	base := int(pos)
	return base, pos - float64(base)
}

func resampleField(v *volume.Volume, field *displacementField, trilinear bool) *volume.Volume {
	out, _ := volume.New(v.Channels, v.NX, v.NY, v.NZ)
	for x := 0; x < v.NX; x++ {
		for y := 0; y < v.NY; y++ {
			for z := 0; z < v.NZ; z++ {
				d := field.at(x, y, z)
				sx := float64(x) + d[0]
				sy := float64(y) + d[1]
				sz := float64(z) + d[2]
				for c := 0; c < v.Channels; c++ {
					var val float32
					if trilinear {
						val = sampleTrilinear(v, c, sx, sy, sz)
					} else {
						val = sampleNearest(v, c, sx, sy, sz)
					}
					out.Set(c, x, y, z, val)
				}
			}
		}
	}
	return out
}

// sampleTrilinear samples the volume at a fractional coordinate. Coordinates
// outside the volume contribute zero.
func sampleTrilinear(v *volume.Volume, c int, x, y, z float64) float32 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	var acc float64
	for dx := 0; dx <= 1; dx++ {
		wx := 1 - fx
		if dx == 1 {
			wx = fx
		}
		for dy := 0; dy <= 1; dy++ {
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			for dz := 0; dz <= 1; dz++ {
				wz := 1 - fz
				if dz == 1 {
					wz = fz
				}
				w := wx * wy * wz
				if w == 0 {
					continue
				}
				xi, yi, zi := x0+dx, y0+dy, z0+dz
				if xi < 0 || xi >= v.NX || yi < 0 || yi >= v.NY || zi < 0 || zi >= v.NZ {
					continue
				}
				acc += w * float64(v.At(c, xi, yi, zi))
			}
		}
	}
	return float32(acc)
}

// sampleNearest samples the volume at the nearest voxel, zero outside.
func sampleNearest(v *volume.Volume, c int, x, y, z float64) float32 {
	xi := int(math.Round(x))
	yi := int(math.Round(y))
	zi := int(math.Round(z))
	if xi < 0 || xi >= v.NX || yi < 0 || yi >= v.NY || zi < 0 || zi >= v.NZ {
		return 0
	}
	return v.At(c, xi, yi, zi)
}
