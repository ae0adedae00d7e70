// Package interpolation samples scalar volumes at arbitrary physical-space
// points. It provides the nearest-neighbor and trilinear interpolators the
// registration metrics, resamplers, and force computations are built on.
package interpolation

import (
	"math"

	"nonrigid3d/internal/models"
)

// Mode selects the interpolation scheme.
type Mode int

const (
	// Nearest picks the closest voxel. Required for label masks, where
	// averaging would invent labels that do not exist.
	Nearest Mode = iota

	// Linear blends the 8 surrounding voxels. Required for intensity
	// volumes: the gradient-based metrics need a continuous intensity
	// profile, and nearest-neighbor steps would alias into the gradients.
	Linear
)

// Sampler interpolates one volume at physical-space points. Points outside
// the volume's physical extent yield DefaultValue instead of an error; the
// optimizer probes outside the domain routinely and must not fail there.
type Sampler struct {
	vol *models.Volume

	// Mode is the interpolation scheme.
	Mode Mode

	// DefaultValue is returned for out-of-bounds points.
	DefaultValue float64
}

// NewSampler creates a sampler over vol with out-of-bounds value def.
func NewSampler(vol *models.Volume, mode Mode, def float64) *Sampler {
	return &Sampler{vol: vol, Mode: mode, DefaultValue: def}
}

// Volume returns the sampled volume.
func (s *Sampler) Volume() *models.Volume { return s.vol }

// Sample returns the interpolated intensity at physical point p.
func (s *Sampler) Sample(p [3]float64) float64 {
	return s.SampleIndex(s.vol.PhysicalToIndex(p))
}

// SampleIndex returns the interpolated intensity at a continuous voxel
// index, skipping the physical conversion. Sample routes through it; loops
// that already iterate in index space can call it directly.
func (s *Sampler) SampleIndex(ci [3]float64) float64 {
	if s.Mode == Nearest {
		return s.sampleNearest(ci)
	}
	return s.sampleLinear(ci)
}

func (s *Sampler) sampleNearest(ci [3]float64) float64 {
	x := int(math.Round(ci[0]))
	y := int(math.Round(ci[1]))
	z := int(math.Round(ci[2]))
	if !s.vol.InBounds(x, y, z) {
		return s.DefaultValue
	}
	return s.vol.At(x, y, z)
}

func (s *Sampler) sampleLinear(ci [3]float64) float64 {
	size := s.vol.Size

	// Outside the addressable continuous range [0, size-1] per axis the
	// sample falls back to the default value.
	for i := 0; i < 3; i++ {
		if ci[i] < 0 || ci[i] > float64(size[i]-1) {
			return s.DefaultValue
		}
	}

	x0 := int(math.Floor(ci[0]))
	y0 := int(math.Floor(ci[1]))
	z0 := int(math.Floor(ci[2]))

	// Clamp the base corner so points exactly on the far face still have a
	// full 8-voxel neighborhood.
	if x0 > size[0]-2 {
		x0 = size[0] - 2
	}
	if y0 > size[1]-2 {
		y0 = size[1] - 2
	}
	if z0 > size[2]-2 {
		z0 = size[2] - 2
	}
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if z0 < 0 {
		z0 = 0
	}
	// Degenerate single-voxel axes collapse the interpolation weight.
	if size[0] == 1 {
		x0 = 0
	}
	if size[1] == 1 {
		y0 = 0
	}
	if size[2] == 1 {
		z0 = 0
	}

	tx := ci[0] - float64(x0)
	ty := ci[1] - float64(y0)
	tz := ci[2] - float64(z0)

	x1, y1, z1 := x0+1, y0+1, z0+1
	if x1 > size[0]-1 {
		x1 = size[0] - 1
	}
	if y1 > size[1]-1 {
		y1 = size[1] - 1
	}
	if z1 > size[2]-1 {
		z1 = size[2] - 1
	}

	c000 := s.vol.At(x0, y0, z0)
	c100 := s.vol.At(x1, y0, z0)
	c010 := s.vol.At(x0, y1, z0)
	c110 := s.vol.At(x1, y1, z0)
	c001 := s.vol.At(x0, y0, z1)
	c101 := s.vol.At(x1, y0, z1)
	c011 := s.vol.At(x0, y1, z1)
	c111 := s.vol.At(x1, y1, z1)

	c00 := c000 + (c100-c000)*tx
	c10 := c010 + (c110-c010)*tx
	c01 := c001 + (c101-c001)*tx
	c11 := c011 + (c111-c011)*tx

	c0 := c00 + (c10-c00)*ty
	c1 := c01 + (c11-c01)*ty

	return c0 + (c1-c0)*tz
}

// SampleGradient returns the central-difference intensity gradient at
// physical point p, in intensity units per millimeter. The step along each
// axis is one voxel spacing; samples outside the domain contribute the
// default value, which flattens the gradient at the border instead of
// spiking it.
func (s *Sampler) SampleGradient(p [3]float64) [3]float64 {
	var g [3]float64
	for axis := 0; axis < 3; axis++ {
		h := s.vol.Spacing[axis]
		var fwd, bwd [3]float64
		for i := 0; i < 3; i++ {
			step := 0.0
			if i == axis {
				step = h
			}
			// Step along the physical direction of the voxel axis.
			fwd[i] = p[i] + step*s.dirColumn(axis)[i]
			bwd[i] = p[i] - step*s.dirColumn(axis)[i]
		}
		g[axis] = (s.Sample(fwd) - s.Sample(bwd)) / (2 * h)
	}
	return g
}

// dirColumn returns column c of the direction matrix: the physical direction
// of voxel axis c.
func (s *Sampler) dirColumn(c int) [3]float64 {
	d := s.vol.Direction
	return [3]float64{d[c], d[3+c], d[6+c]}
}
