package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"nonrigid3d/internal/models"
)

// DisplacementField is a dense deformation: one physical displacement vector
// per voxel of a reference grid matching the fixed image geometry exactly.
// Mapping a point adds the trilinearly interpolated displacement at that
// point. Points outside the reference grid map to themselves.
//
// Regularization is split into two independently configurable variances:
// UpdateVariance smooths each iteration's increment ("viscous", keeps every
// step spatially smooth) and TotalVariance smooths the accumulated field
// ("elastic", penalizes large cumulative deformation). The Demons integrator
// applies them; the field itself only stores and executes the smoothing.
type DisplacementField struct {
	geom models.Geometry

	// field holds one displacement vector per grid voxel, point-major:
	// field[3*idx+c] is component c of voxel idx.
	field []float64

	// UpdateVariance is the variance (physical units squared) of the
	// Gaussian applied to per-iteration update increments.
	UpdateVariance float64

	// TotalVariance is the variance of the Gaussian applied to the
	// accumulated field after each update.
	TotalVariance float64
}

// NewDisplacementField builds an identity (all-zero) field on the given
// reference grid.
func NewDisplacementField(reference *models.Geometry) (*DisplacementField, error) {
	if err := reference.Validate(); err != nil {
		return nil, err
	}
	f := &DisplacementField{geom: *reference}
	f.field = make([]float64, 3*f.geom.NumVoxels())
	return f, nil
}

// Kind returns KindDisplacementField.
func (f *DisplacementField) Kind() Kind { return KindDisplacementField }

// Geometry returns the reference grid.
func (f *DisplacementField) Geometry() *models.Geometry { return &f.geom }

// NumParameters returns 3 * number of grid voxels.
func (f *DisplacementField) NumParameters() int { return len(f.field) }

// Parameters returns the flat displacement buffer.
func (f *DisplacementField) Parameters() []float64 { return f.field }

// SetParameters copies a new displacement buffer in.
func (f *DisplacementField) SetParameters(params []float64) error {
	if len(params) != len(f.field) {
		return fmt.Errorf("%w: parameter vector length %d, field needs %d", models.ErrConfig, len(params), len(f.field))
	}
	copy(f.field, params)
	return nil
}

// Clone returns a deep copy of the field.
func (f *DisplacementField) Clone() *DisplacementField {
	out := &DisplacementField{
		geom:           f.geom,
		UpdateVariance: f.UpdateVariance,
		TotalVariance:  f.TotalVariance,
	}
	out.field = make([]float64, len(f.field))
	copy(out.field, f.field)
	return out
}

// VectorAt returns the stored displacement at an integer voxel index.
func (f *DisplacementField) VectorAt(x, y, z int) [3]float64 {
	idx := 3 * f.geom.LinearIndex(x, y, z)
	return [3]float64{f.field[idx], f.field[idx+1], f.field[idx+2]}
}

// SetVectorAt stores a displacement at an integer voxel index.
func (f *DisplacementField) SetVectorAt(x, y, z int, v [3]float64) {
	idx := 3 * f.geom.LinearIndex(x, y, z)
	f.field[idx] = v[0]
	f.field[idx+1] = v[1]
	f.field[idx+2] = v[2]
}

// DisplacementAt interpolates the field at a physical point. Outside the
// grid the displacement is zero.
func (f *DisplacementField) DisplacementAt(p [3]float64) [3]float64 {
	ci := f.geom.PhysicalToIndex(p)
	size := f.geom.Size
	for i := 0; i < 3; i++ {
		if ci[i] < 0 || ci[i] > float64(size[i]-1) {
			return [3]float64{}
		}
	}

	x0 := clampInt(int(math.Floor(ci[0])), 0, size[0]-2)
	y0 := clampInt(int(math.Floor(ci[1])), 0, size[1]-2)
	z0 := clampInt(int(math.Floor(ci[2])), 0, size[2]-2)
	if size[0] == 1 {
		x0 = 0
	}
	if size[1] == 1 {
		y0 = 0
	}
	if size[2] == 1 {
		z0 = 0
	}
	x1 := minInt(x0+1, size[0]-1)
	y1 := minInt(y0+1, size[1]-1)
	z1 := minInt(z0+1, size[2]-1)

	tx := ci[0] - float64(x0)
	ty := ci[1] - float64(y0)
	tz := ci[2] - float64(z0)

	var out [3]float64
	for c := 0; c < 3; c++ {
		c000 := f.comp(x0, y0, z0, c)
		c100 := f.comp(x1, y0, z0, c)
		c010 := f.comp(x0, y1, z0, c)
		c110 := f.comp(x1, y1, z0, c)
		c001 := f.comp(x0, y0, z1, c)
		c101 := f.comp(x1, y0, z1, c)
		c011 := f.comp(x0, y1, z1, c)
		c111 := f.comp(x1, y1, z1, c)

		c00 := c000 + (c100-c000)*tx
		c10 := c010 + (c110-c010)*tx
		c01 := c001 + (c101-c001)*tx
		c11 := c011 + (c111-c011)*tx
		c0 := c00 + (c10-c00)*ty
		c1 := c01 + (c11-c01)*ty
		out[c] = c0 + (c1-c0)*tz
	}
	return out
}

func (f *DisplacementField) comp(x, y, z, c int) float64 {
	return f.field[3*f.geom.LinearIndex(x, y, z)+c]
}

// Apply maps a fixed-space physical point to moving space.
func (f *DisplacementField) Apply(p [3]float64) [3]float64 {
	d := f.DisplacementAt(p)
	return [3]float64{p[0] + d[0], p[1] + d[1], p[2] + d[2]}
}

// MaxMagnitude returns the largest displacement vector length in the field.
func (f *DisplacementField) MaxMagnitude() float64 {
	max := 0.0
	for i := 0; i < len(f.field); i += 3 {
		m := f.field[i]*f.field[i] + f.field[i+1]*f.field[i+1] + f.field[i+2]*f.field[i+2]
		if m > max {
			max = m
		}
	}
	return math.Sqrt(max)
}

// AddScaled accumulates other*scale into the field. Grids must match.
func (f *DisplacementField) AddScaled(other *DisplacementField, scale float64) error {
	if !f.geom.SameGrid(&other.geom) {
		return fmt.Errorf("%w: displacement fields live on different grids", models.ErrConfig)
	}
	floats.AddScaled(f.field, scale, other.field)
	return nil
}

// ComposeWith replaces this field with the composition other∘this applied
// after it: new(x) = other(x + this(x)) + this(x). Used by the diffeomorphic
// accumulation path.
func (f *DisplacementField) ComposeWith(other *DisplacementField) {
	size := f.geom.Size
	composed := make([]float64, len(f.field))
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				p := f.geom.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
				d := f.VectorAt(x, y, z)
				warped := [3]float64{p[0] + d[0], p[1] + d[1], p[2] + d[2]}
				o := other.DisplacementAt(warped)
				idx := 3 * f.geom.LinearIndex(x, y, z)
				composed[idx] = d[0] + o[0]
				composed[idx+1] = d[1] + o[1]
				composed[idx+2] = d[2] + o[2]
			}
		}
	}
	copy(f.field, composed)
}

// Exponentiate replaces the field u with exp(u) computed by scaling and
// squaring: u is halved until the largest step is below half a voxel, then
// self-composed the same number of times. The result is the flow of u,
// invertible for smooth inputs, which is what the diffeomorphic Demons
// variant composes into its total field.
func (f *DisplacementField) Exponentiate() {
	maxMag := f.MaxMagnitude()
	minSpacing := math.Min(f.geom.Spacing[0], math.Min(f.geom.Spacing[1], f.geom.Spacing[2]))

	n := 0
	for maxMag/math.Pow(2, float64(n)) > 0.5*minSpacing && n < 32 {
		n++
	}

	scale := 1.0 / math.Pow(2, float64(n))
	for i := range f.field {
		f.field[i] *= scale
	}
	for s := 0; s < n; s++ {
		f.ComposeWith(f)
	}
}

// Smooth convolves each displacement component with a Gaussian of the given
// variance (physical units squared). Zero variance is a no-op.
func (f *DisplacementField) Smooth(variance float64) {
	if variance <= 0 {
		return
	}
	sigma := math.Sqrt(variance)
	var sigmaVox [3]float64
	for i := 0; i < 3; i++ {
		sigmaVox[i] = sigma / f.geom.Spacing[i]
	}
	smoothComponents(f.field, f.geom.Size, sigmaVox)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
