// Package transform implements the deformation models the optimizer drives:
// cubic B-spline free-form deformation and dense displacement fields. Both
// map physical points from the fixed image's space into the moving image's
// space and expose their parameter vectors for in-place optimization.
package transform

// Kind tags the concrete transform variant. Metric inner loops switch on the
// tag and work on the concrete type, keeping the per-voxel path monomorphic.
type Kind int

const (
	KindBSpline Kind = iota
	KindDisplacementField
)

func (k Kind) String() string {
	switch k {
	case KindBSpline:
		return "bspline"
	case KindDisplacementField:
		return "displacement_field"
	default:
		return "unknown"
	}
}

// Transform maps a physical point in the fixed image's space to a physical
// point in the moving image's space. The parameter vector is owned
// exclusively by the transform; the optimizer mutates it in place through
// SetParameters and reads it back through Parameters.
type Transform interface {
	Kind() Kind

	// Apply performs the forward fixed-to-moving point mapping.
	Apply(p [3]float64) [3]float64

	// Parameters returns the flat parameter vector. The slice aliases the
	// transform's own storage.
	Parameters() []float64

	// SetParameters copies a new parameter vector into the transform.
	SetParameters(params []float64) error

	// NumParameters returns the parameter vector length.
	NumParameters() int
}
