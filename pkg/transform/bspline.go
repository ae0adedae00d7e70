package transform

import (
	"fmt"
	"math"

	"nonrigid3d/internal/models"
)

// SupportSize is the number of control points influencing one point under a
// cubic tensor-product B-spline: 4 per axis.
const SupportSize = 4 * 4 * 4

// BSpline is a cubic tensor-product free-form deformation. A regular grid of
// control-point displacement vectors covers the fixed image's physical
// domain; mapping a point evaluates the B-spline basis over the local 4x4x4
// control neighborhood and adds the blended displacement.
//
// With all parameters zero the transform is the identity. No folding
// prevention is enforced: large control displacements can produce
// self-intersecting mappings. That is an accepted limitation of the model.
type BSpline struct {
	// gridSize is the number of control points per axis: mesh + 3, where
	// mesh = round(domain extent / desired control spacing).
	gridSize [3]int

	// gridSpacing is the physical distance between control points.
	gridSpacing [3]float64

	// gridOrigin is the physical position of control point (0,0,0), one
	// grid spacing before the image origin along each axis so the cubic
	// support covers the whole domain.
	gridOrigin [3]float64

	// direction is the fixed image's orientation matrix; the grid axes
	// follow the image axes.
	direction [9]float64

	// mesh is the number of grid cells per axis.
	mesh [3]int

	// params holds one displacement vector per control point, point-major:
	// params[3*idx+c] is component c of control point idx.
	params []float64
}

// NewBSpline builds an identity B-spline transform whose control grid covers
// the given fixed-image geometry with approximately the desired control
// point spacing (e.g. 50mm).
func NewBSpline(fixed *models.Geometry, controlSpacing float64) (*BSpline, error) {
	if err := fixed.Validate(); err != nil {
		return nil, err
	}
	if !(controlSpacing > 0) {
		return nil, fmt.Errorf("%w: control point spacing %g, must be strictly positive", models.ErrConfig, controlSpacing)
	}

	b := &BSpline{direction: fixed.Direction}
	extent := fixed.PhysicalExtent()
	for i := 0; i < 3; i++ {
		mesh := int(math.Round(extent[i] / controlSpacing))
		if mesh < 1 {
			mesh = 1
		}
		b.mesh[i] = mesh
		b.gridSize[i] = mesh + 3
		b.gridSpacing[i] = extent[i] / float64(mesh)
		if b.gridSpacing[i] <= 0 {
			// Degenerate single-voxel axis: give the grid a nominal cell.
			b.gridSpacing[i] = controlSpacing
		}
	}
	for r := 0; r < 3; r++ {
		off := 0.0
		for c := 0; c < 3; c++ {
			off += fixed.Direction[r*3+c] * b.gridSpacing[c]
		}
		b.gridOrigin[r] = fixed.Origin[r] - off
	}
	b.params = make([]float64, 3*b.gridSize[0]*b.gridSize[1]*b.gridSize[2])
	return b, nil
}

// NewBSplineWithMesh builds an identity transform with an explicit grid mesh
// size per axis (number of cells) over the fixed domain. A 3x3x3 control
// layout for coarse global deformation corresponds to mesh {1,1,1} minus the
// cubic border, i.e. MeshFromControlPoints.
func NewBSplineWithMesh(fixed *models.Geometry, mesh [3]int) (*BSpline, error) {
	if err := fixed.Validate(); err != nil {
		return nil, err
	}
	b := &BSpline{direction: fixed.Direction}
	extent := fixed.PhysicalExtent()
	for i := 0; i < 3; i++ {
		if mesh[i] < 1 {
			return nil, fmt.Errorf("%w: mesh size %d on axis %d, must be >= 1", models.ErrConfig, mesh[i], i)
		}
		b.mesh[i] = mesh[i]
		b.gridSize[i] = mesh[i] + 3
		b.gridSpacing[i] = extent[i] / float64(mesh[i])
		if b.gridSpacing[i] <= 0 {
			return nil, fmt.Errorf("%w: zero physical extent on axis %d", models.ErrConfig, i)
		}
	}
	for r := 0; r < 3; r++ {
		off := 0.0
		for c := 0; c < 3; c++ {
			off += fixed.Direction[r*3+c] * b.gridSpacing[c]
		}
		b.gridOrigin[r] = fixed.Origin[r] - off
	}
	b.params = make([]float64, 3*b.gridSize[0]*b.gridSize[1]*b.gridSize[2])
	return b, nil
}

// Kind returns KindBSpline.
func (b *BSpline) Kind() Kind { return KindBSpline }

// GridSize returns the number of control points per axis.
func (b *BSpline) GridSize() [3]int { return b.gridSize }

// NumParameters returns 3 * number of control points.
func (b *BSpline) NumParameters() int { return len(b.params) }

// Parameters returns the flat control-point displacement vector.
func (b *BSpline) Parameters() []float64 { return b.params }

// SetParameters copies a new control-point displacement vector in.
func (b *BSpline) SetParameters(params []float64) error {
	if len(params) != len(b.params) {
		return fmt.Errorf("%w: parameter vector length %d, transform needs %d", models.ErrConfig, len(params), len(b.params))
	}
	copy(b.params, params)
	return nil
}

// cubic B-spline basis, pieces 0..3 evaluated at fractional offset t
func bsplineWeights(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		(1 - 3*t + 3*t2 - t3) / 6,
		(4 - 6*t2 + 3*t3) / 6,
		(1 + 3*t + 3*t2 - 3*t3) / 6,
		t3 / 6,
	}
}

// gridCoord converts a physical point to continuous control-grid
// coordinates. The image origin sits at grid coordinate 1.
func (b *BSpline) gridCoord(p [3]float64) [3]float64 {
	var d, u [3]float64
	for i := 0; i < 3; i++ {
		d[i] = p[i] - b.gridOrigin[i]
	}
	for r := 0; r < 3; r++ {
		v := 0.0
		for c := 0; c < 3; c++ {
			v += b.direction[c*3+r] * d[c]
		}
		u[r] = v / b.gridSpacing[r]
	}
	return u
}

// support computes the local cell index and per-axis basis weights for a
// point. Grid coordinates are clamped to the covered domain, so points
// outside it pick up the boundary cell's deformation.
func (b *BSpline) support(p [3]float64) (cell [3]int, w [3][4]float64) {
	u := b.gridCoord(p)
	for i := 0; i < 3; i++ {
		if u[i] < 1 {
			u[i] = 1
		}
		max := float64(b.mesh[i] + 1)
		if u[i] > max {
			u[i] = max
		}
		c := int(math.Floor(u[i]))
		if c > b.gridSize[i]-3 {
			c = b.gridSize[i] - 3
		}
		cell[i] = c
		w[i] = bsplineWeights(u[i] - float64(c))
	}
	return cell, w
}

// Apply maps a fixed-space physical point to moving space.
func (b *BSpline) Apply(p [3]float64) [3]float64 {
	cell, w := b.support(p)
	nx, ny := b.gridSize[0], b.gridSize[1]

	var disp [3]float64
	for kz := 0; kz < 4; kz++ {
		z := cell[2] - 1 + kz
		wz := w[2][kz]
		for ky := 0; ky < 4; ky++ {
			y := cell[1] - 1 + ky
			wyz := w[1][ky] * wz
			base := (z*ny + y) * nx
			for kx := 0; kx < 4; kx++ {
				x := cell[0] - 1 + kx
				weight := w[0][kx] * wyz
				idx := 3 * (base + x)
				disp[0] += weight * b.params[idx]
				disp[1] += weight * b.params[idx+1]
				disp[2] += weight * b.params[idx+2]
			}
		}
	}
	return [3]float64{p[0] + disp[0], p[1] + disp[1], p[2] + disp[2]}
}

// SupportWeights fills idx and w with the linear control-point indices and
// basis weights influencing point p, returning the count (always
// SupportSize). The buffers let metric gradient loops run allocation-free.
func (b *BSpline) SupportWeights(p [3]float64, idx []int, w []float64) int {
	cell, bw := b.support(p)
	nx, ny := b.gridSize[0], b.gridSize[1]

	n := 0
	for kz := 0; kz < 4; kz++ {
		z := cell[2] - 1 + kz
		wz := bw[2][kz]
		for ky := 0; ky < 4; ky++ {
			y := cell[1] - 1 + ky
			wyz := bw[1][ky] * wz
			base := (z*ny + y) * nx
			for kx := 0; kx < 4; kx++ {
				x := cell[0] - 1 + kx
				idx[n] = base + x
				w[n] = bw[0][kx] * wyz
				n++
			}
		}
	}
	return n
}
