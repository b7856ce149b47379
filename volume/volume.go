package volume

import (
	"fmt"
	"math"
)

// Volume is a dense 4D array holding one perfusion-CT volume, channels first.
// Data is laid out as [c][x][y][z] flattened row-major, so the voxel (c,x,y,z)
// lives at c*NX*NY*NZ + x*NY*NZ + y*NZ + z.
type Volume struct {
	Channels int       `json:"channels"`
	NX       int       `json:"nx"`
	NY       int       `json:"ny"`
	NZ       int       `json:"nz"`
	Data     []float32 `json:"data"`
}

// Sample pairs an image volume with its label mask. The mask has a single
// channel whose voxel values are integer class labels stored as float32.
type Sample struct {
	Index int
	Image *Volume
	Mask  *Volume
}

// New creates a zero-filled volume with the given dimensions.
func New(channels, nx, ny, nz int) (*Volume, error) {
	if channels <= 0 || nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid volume dimensions (%d, %d, %d, %d)", channels, nx, ny, nz)
	}
	return &Volume{
		Channels: channels,
		NX:       nx,
		NY:       ny,
		NZ:       nz,
		Data:     make([]float32, channels*nx*ny*nz),
	}, nil
}

// FromData wraps an existing flat slice. The slice is not copied.
func FromData(channels, nx, ny, nz int, data []float32) (*Volume, error) {
	if len(data) != channels*nx*ny*nz {
		return nil, fmt.Errorf("data length %d does not match dimensions (%d, %d, %d, %d)",
			len(data), channels, nx, ny, nz)
	}
	v, err := New(channels, nx, ny, nz)
	if err != nil {
		return nil, err
	}
	v.Data = data
	return v, nil
}

// VoxelsPerChannel returns the number of voxels in a single channel.
func (v *Volume) VoxelsPerChannel() int {
	return v.NX * v.NY * v.NZ
}

// At returns the voxel value at (c, x, y, z). Callers are expected to stay in
// bounds; this is the hot path of the augmentation pipeline.
func (v *Volume) At(c, x, y, z int) float32 {
	return v.Data[((c*v.NX+x)*v.NY+y)*v.NZ+z]
}

// Set writes the voxel value at (c, x, y, z).
func (v *Volume) Set(c, x, y, z int, val float32) {
	v.Data[((c*v.NX+x)*v.NY+y)*v.NZ+z] = val
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Channels: v.Channels,
		NX:       v.NX,
		NY:       v.NY,
		NZ:       v.NZ,
		Data:     make([]float32, len(v.Data)),
	}
	copy(out.Data, v.Data)
	return out
}

// Clone returns a deep copy of the sample.
func (s Sample) Clone() Sample {
	out := Sample{Index: s.Index}
	if s.Image != nil {
		out.Image = s.Image.Clone()
	}
	if s.Mask != nil {
		out.Mask = s.Mask.Clone()
	}
	return out
}

// PadCropTo returns a copy of the volume padded and/or cropped symmetrically
// around its center so that its spatial shape equals target. Padded voxels are
// filled with fill.
func (v *Volume) PadCropTo(target [3]int, fill float32) (*Volume, error) {
	out, err := New(v.Channels, target[0], target[1], target[2])
	if err != nil {
		return nil, fmt.Errorf("invalid target shape %v: %w", target, err)
	}
	if fill != 0 {
		for i := range out.Data {
			out.Data[i] = fill
		}
	}

	// Source origin of the region mapped to output voxel (0,0,0). Negative
	// values mean padding on the leading side.
	offX := (v.NX - target[0]) / 2
	offY := (v.NY - target[1]) / 2
	offZ := (v.NZ - target[2]) / 2

	for c := 0; c < v.Channels; c++ {
		for x := 0; x < target[0]; x++ {
			sx := x + offX
			if sx < 0 || sx >= v.NX {
				continue
			}
			for y := 0; y < target[1]; y++ {
				sy := y + offY
				if sy < 0 || sy >= v.NY {
					continue
				}
				for z := 0; z < target[2]; z++ {
					sz := z + offZ
					if sz < 0 || sz >= v.NZ {
						continue
					}
					out.Set(c, x, y, z, v.At(c, sx, sy, sz))
				}
			}
		}
	}
	return out, nil
}

// Standardize normalizes every channel in place to zero mean and unit standard
// deviation. Channels with zero variance are left mean-centered.
func (v *Volume) Standardize() {
	n := v.VoxelsPerChannel()
	for c := 0; c < v.Channels; c++ {
		ch := v.Data[c*n : (c+1)*n]

		var sum float64
		for _, val := range ch {
			sum += float64(val)
		}
		mean := sum / float64(n)

		var sq float64
		for _, val := range ch {
			d := float64(val) - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(n))
		if std == 0 {
			std = 1
		}

		for i, val := range ch {
			ch[i] = float32((float64(val) - mean) / std)
		}
	}
}

// Classes returns the set of distinct voxel values in the volume. Intended for
// label masks, where values are small integer class ids.
func (v *Volume) Classes() map[float32]int {
	classes := make(map[float32]int)
	for _, val := range v.Data {
		classes[val]++
	}
	return classes
}

// Bounds describes an axis-aligned bounding box in voxel coordinates,
// inclusive on both ends.
type Bounds struct {
	Min, Max [3]int
	Empty    bool
}

// ForegroundBounds returns the bounding box of all voxels with a value
// strictly greater than zero, across all channels.
func (v *Volume) ForegroundBounds() Bounds {
	b := Bounds{
		Min:   [3]int{v.NX, v.NY, v.NZ},
		Max:   [3]int{-1, -1, -1},
		Empty: true,
	}
	for c := 0; c < v.Channels; c++ {
		for x := 0; x < v.NX; x++ {
			for y := 0; y < v.NY; y++ {
				for z := 0; z < v.NZ; z++ {
					if v.At(c, x, y, z) <= 0 {
						continue
					}
					b.Empty = false
					if x < b.Min[0] {
						b.Min[0] = x
					}
					if y < b.Min[1] {
						b.Min[1] = y
					}
					if z < b.Min[2] {
						b.Min[2] = z
					}
					if x > b.Max[0] {
						b.Max[0] = x
					}
					if y > b.Max[1] {
						b.Max[1] = y
					}
					if z > b.Max[2] {
						b.Max[2] = z
					}
				}
			}
		}
	}
	return b
}

// Equal reports whether two volumes have identical shape and byte-identical
// contents.
func (v *Volume) Equal(other *Volume) bool {
	if other == nil {
		return false
	}
	if v.Channels != other.Channels || v.NX != other.NX || v.NY != other.NY || v.NZ != other.NZ {
		return false
	}
	for i := range v.Data {
		if v.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}
