// Package models defines the shared data types for the registration engine:
// scalar volumes, label masks, landmark sets, and the geometry metadata that
// ties voxel grids to physical space.
package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Geometry describes how a voxel grid is embedded in physical space.
// All registration code works in physical coordinates (millimeters); the
// geometry converts between physical points and continuous voxel indices.
type Geometry struct {
	// Size is the number of voxels along each axis.
	Size [3]int

	// Spacing is the physical extent of one voxel along each axis in mm.
	// Invariant: all components strictly positive.
	Spacing [3]float64

	// Origin is the physical coordinate of voxel index (0,0,0).
	Origin [3]float64

	// Direction is the row-major 3x3 orientation matrix mapping index axes
	// to physical axes. Invariant: orthonormal.
	Direction [9]float64
}

// IdentityDirection is the axis-aligned orientation matrix.
var IdentityDirection = [9]float64{
	1, 0, 0,
	0, 1, 0,
	0, 0, 1,
}

// NumVoxels returns the total voxel count of the grid.
func (g *Geometry) NumVoxels() int {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

// LinearIndex computes the flat buffer index for voxel (x,y,z).
// The buffer layout is z-major: index = z*sy*sx + y*sx + x.
func (g *Geometry) LinearIndex(x, y, z int) int {
	return (z*g.Size[1]+y)*g.Size[0] + x
}

// InBounds reports whether an integer voxel index lies inside the grid.
func (g *Geometry) InBounds(x, y, z int) bool {
	return x >= 0 && x < g.Size[0] &&
		y >= 0 && y < g.Size[1] &&
		z >= 0 && z < g.Size[2]
}

// IndexToPhysical converts a continuous voxel index to a physical point.
func (g *Geometry) IndexToPhysical(ci [3]float64) [3]float64 {
	var p [3]float64
	for r := 0; r < 3; r++ {
		v := 0.0
		for c := 0; c < 3; c++ {
			v += g.Direction[r*3+c] * ci[c] * g.Spacing[c]
		}
		p[r] = g.Origin[r] + v
	}
	return p
}

// PhysicalToIndex converts a physical point to a continuous voxel index.
// The direction matrix is orthonormal, so its transpose is its inverse.
func (g *Geometry) PhysicalToIndex(p [3]float64) [3]float64 {
	var d, ci [3]float64
	for i := 0; i < 3; i++ {
		d[i] = p[i] - g.Origin[i]
	}
	for r := 0; r < 3; r++ {
		v := 0.0
		for c := 0; c < 3; c++ {
			// transpose: element (r,c) of D^T is Direction[c*3+r]
			v += g.Direction[c*3+r] * d[c]
		}
		ci[r] = v / g.Spacing[r]
	}
	return ci
}

// PhysicalExtent returns the physical distance between the first and last
// voxel centers along each axis: (size-1)*spacing.
func (g *Geometry) PhysicalExtent() [3]float64 {
	var e [3]float64
	for i := 0; i < 3; i++ {
		e[i] = float64(g.Size[i]-1) * g.Spacing[i]
	}
	return e
}

// SameGrid reports whether two geometries describe the same voxel grid
// within a small tolerance on the floating-point fields.
func (g *Geometry) SameGrid(o *Geometry) bool {
	const tol = 1e-9
	for i := 0; i < 3; i++ {
		if g.Size[i] != o.Size[i] {
			return false
		}
		if math.Abs(g.Spacing[i]-o.Spacing[i]) > tol {
			return false
		}
		if math.Abs(g.Origin[i]-o.Origin[i]) > tol {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if math.Abs(g.Direction[i]-o.Direction[i]) > tol {
			return false
		}
	}
	return true
}

// Validate checks the geometry invariants: positive sizes, strictly positive
// spacing, and an orthonormal direction matrix.
func (g *Geometry) Validate() error {
	for i := 0; i < 3; i++ {
		if g.Size[i] < 1 {
			return fmt.Errorf("%w: size[%d]=%d, must be >= 1", ErrConfig, i, g.Size[i])
		}
		if !(g.Spacing[i] > 0) {
			return fmt.Errorf("%w: spacing[%d]=%g, must be strictly positive", ErrConfig, i, g.Spacing[i])
		}
	}
	d := mat.NewDense(3, 3, g.Direction[:])
	var ddt mat.Dense
	ddt.Mul(d, d.T())
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1.0
			}
			if math.Abs(ddt.At(r, c)-want) > 1e-6 {
				return fmt.Errorf("%w: direction matrix is not orthonormal", ErrConfig)
			}
		}
	}
	return nil
}

// Volume is a 3D scalar intensity image. The intensity buffer is a flat
// z-major array addressed through Geometry.LinearIndex. Volumes are treated
// as read-only once a registration run starts.
type Volume struct {
	Geometry

	// Data holds one intensity sample per voxel.
	Data []float64
}

// NewVolume allocates a zero-filled volume with the given size and spacing,
// origin at zero and identity orientation.
func NewVolume(size [3]int, spacing [3]float64) *Volume {
	v := &Volume{
		Geometry: Geometry{
			Size:      size,
			Spacing:   spacing,
			Direction: IdentityDirection,
		},
	}
	v.Data = make([]float64, v.NumVoxels())
	return v
}

// NewVolumeLike allocates a zero-filled volume sharing g's grid.
func NewVolumeLike(g *Geometry) *Volume {
	v := &Volume{Geometry: *g}
	v.Data = make([]float64, v.NumVoxels())
	return v
}

// At returns the intensity at voxel (x,y,z). The caller is responsible for
// bounds; out-of-bounds access is handled at the sampler level, not here.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.LinearIndex(x, y, z)]
}

// Set stores an intensity at voxel (x,y,z).
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.LinearIndex(x, y, z)] = val
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Geometry: v.Geometry}
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return out
}

// Validate checks the geometry invariants and that the buffer length matches
// the grid size.
func (v *Volume) Validate() error {
	if err := v.Geometry.Validate(); err != nil {
		return err
	}
	if len(v.Data) != v.NumVoxels() {
		return fmt.Errorf("%w: volume buffer has %d samples for a %v grid", ErrConfig, len(v.Data), v.Size)
	}
	return nil
}

// MinMax returns the smallest and largest intensity in the volume.
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, s := range v.Data {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return min, max
}

// LabelMask is an integer-valued image with the same geometric envelope as a
// Volume. Masks identify anatomical regions and are used only for
// evaluation; registration never mutates them.
type LabelMask struct {
	Geometry

	// Labels holds one label per voxel.
	Labels []int32
}

// NewLabelMask allocates a zero-filled mask sharing g's grid.
func NewLabelMask(g *Geometry) *LabelMask {
	m := &LabelMask{Geometry: *g}
	m.Labels = make([]int32, m.NumVoxels())
	return m
}

// At returns the label at voxel (x,y,z).
func (m *LabelMask) At(x, y, z int) int32 {
	return m.Labels[m.LinearIndex(x, y, z)]
}

// Set stores a label at voxel (x,y,z).
func (m *LabelMask) Set(x, y, z int, label int32) {
	m.Labels[m.LinearIndex(x, y, z)] = label
}

// Validate checks the geometry invariants and buffer length.
func (m *LabelMask) Validate() error {
	if err := m.Geometry.Validate(); err != nil {
		return err
	}
	if len(m.Labels) != m.NumVoxels() {
		return fmt.Errorf("%w: mask buffer has %d labels for a %v grid", ErrConfig, len(m.Labels), m.Size)
	}
	return nil
}
