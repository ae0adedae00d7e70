package metric

import (
	"errors"
	"math"
	"testing"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/transform"
)

// gaussianBlob builds a volume with a smooth bright blob centered at c (in
// physical coordinates) so intensity gradients are well defined everywhere.
func gaussianBlob(size [3]int, spacing [3]float64, c [3]float64, width float64) *models.Volume {
	v := models.NewVolume(size, spacing)
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				p := v.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
				dx := p[0] - c[0]
				dy := p[1] - c[1]
				dz := p[2] - c[2]
				v.Set(x, y, z, math.Exp(-(dx*dx+dy*dy+dz*dz)/(2*width*width)))
			}
		}
	}
	return v
}

func identityField(t *testing.T, g *models.Geometry) *transform.DisplacementField {
	t.Helper()
	f, err := transform.NewDisplacementField(g)
	if err != nil {
		t.Fatalf("NewDisplacementField failed: %v", err)
	}
	return f
}

// TestValueZeroForIdenticalImages checks that identical fixed and moving
// volumes under the identity transform have zero cost.
func TestValueZeroForIdenticalImages(t *testing.T) {
	vol := gaussianBlob([3]int{16, 16, 16}, [3]float64{1, 1, 1}, [3]float64{8, 8, 8}, 4)
	m := NewMeanSquares(vol, vol.Clone())

	cost, err := m.Value(identityField(t, &vol.Geometry))
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if cost > 1e-12 {
		t.Errorf("identical images should have zero cost, got %v", cost)
	}
}

// TestValueGrowsWithMisalignment checks that a shifted moving image costs
// more than an aligned one.
func TestValueGrowsWithMisalignment(t *testing.T) {
	fixed := gaussianBlob([3]int{16, 16, 16}, [3]float64{1, 1, 1}, [3]float64{8, 8, 8}, 3)
	near := gaussianBlob([3]int{16, 16, 16}, [3]float64{1, 1, 1}, [3]float64{9, 8, 8}, 3)
	far := gaussianBlob([3]int{16, 16, 16}, [3]float64{1, 1, 1}, [3]float64{12, 8, 8}, 3)

	id := identityField(t, &fixed.Geometry)
	costNear, err := NewMeanSquares(fixed, near).Value(id)
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	costFar, err := NewMeanSquares(fixed, far).Value(id)
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if !(costFar > costNear) {
		t.Errorf("cost should grow with misalignment: near=%v far=%v", costNear, costFar)
	}
}

// TestRandomSamplingDeterminism verifies that a fixed seed reproduces
// bit-identical sample sets and cost values across evaluations.
func TestRandomSamplingDeterminism(t *testing.T) {
	fixed := gaussianBlob([3]int{20, 20, 20}, [3]float64{1, 1, 1}, [3]float64{10, 10, 10}, 4)
	moving := gaussianBlob([3]int{20, 20, 20}, [3]float64{1, 1, 1}, [3]float64{12, 10, 10}, 4)

	m := NewMeanSquares(fixed, moving)
	m.Strategy = Random
	m.Percentage = 0.1
	m.Seed = 1234

	id := identityField(t, &fixed.Geometry)

	first, err := m.Value(id)
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	for run := 0; run < 5; run++ {
		again, err := m.Value(id)
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		if again != first {
			t.Fatalf("seeded evaluation not reproducible: %v vs %v", first, again)
		}
	}

	s1 := m.samples()
	s2 := m.samples()
	if len(s1) != len(s2) {
		t.Fatalf("sample counts differ")
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("sample sets differ at %d", i)
		}
	}

	// A different seed should pick a different point set
	m.Seed = 99
	other := m.samples()
	same := true
	for i := range s1 {
		if s1[i] != other[i] {
			same = false
			break
		}
	}
	if same {
		t.Errorf("different seeds produced identical sample sets")
	}
}

// TestBSplineGradientMatchesFiniteDifferences validates the analytic
// gradient of the mean-squares metric against central finite differences on
// a handful of parameters.
func TestBSplineGradientMatchesFiniteDifferences(t *testing.T) {
	fixed := gaussianBlob([3]int{14, 14, 14}, [3]float64{1, 1, 1}, [3]float64{7, 7, 7}, 3)
	moving := gaussianBlob([3]int{14, 14, 14}, [3]float64{1, 1, 1}, [3]float64{8.5, 7, 7}, 3)

	b, err := transform.NewBSpline(&fixed.Geometry, 2.0)
	if err != nil {
		t.Fatalf("NewBSpline failed: %v", err)
	}

	m := NewMeanSquares(fixed, moving)
	grad := make([]float64, b.NumParameters())
	if _, err := m.ValueAndGradient(b, grad); err != nil {
		t.Fatalf("ValueAndGradient failed: %v", err)
	}

	const h = 1e-4
	params := make([]float64, b.NumParameters())
	// Probe only control points whose cubic support lies strictly inside
	// both volumes. A control point near the grid border moves voxels that
	// sit exactly on the moving volume's edge at the identity, where any
	// perturbation steps over the sampler's domain and the cost jumps
	// instead of sloping; finite differences then measure that jump.
	gs := b.GridSize()
	center := func(x, y, z int) int {
		return 3 * ((z*gs[1]+y)*gs[0] + x)
	}
	cx, cy, cz := gs[0]/2, gs[1]/2, gs[2]/2
	probes := []int{
		center(cx, cy, cz),
		center(cx, cy, cz) + 1,
		center(cx-1, cy, cz),
	}
	for _, pi := range probes {
		copy(params, b.Parameters())
		params[pi] = h
		b.SetParameters(params)
		up, err := m.Value(b)
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		params[pi] = -h
		b.SetParameters(params)
		down, err := m.Value(b)
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		params[pi] = 0
		b.SetParameters(params)

		// The analytic gradient smooths the image gradient over one voxel,
		// the finite difference sees the raw trilinear slope; they agree to
		// discretization error, not machine precision.
		fd := (up - down) / (2 * h)
		if math.Abs(fd-grad[pi]) > 0.2*math.Abs(fd)+1e-4 {
			t.Errorf("parameter %d: analytic gradient %v vs finite difference %v", pi, grad[pi], fd)
		}
	}
}

// TestFieldGradientRequiresMatchingGrid checks the grid invariant of the
// displacement-field gradient.
func TestFieldGradientRequiresMatchingGrid(t *testing.T) {
	fixed := gaussianBlob([3]int{10, 10, 10}, [3]float64{1, 1, 1}, [3]float64{5, 5, 5}, 3)
	moving := fixed.Clone()

	other := fixed.Geometry
	other.Size = [3]int{5, 5, 5}
	f, err := transform.NewDisplacementField(&other)
	if err != nil {
		t.Fatalf("NewDisplacementField failed: %v", err)
	}

	m := NewMeanSquares(fixed, moving)
	grad := make([]float64, f.NumParameters())
	if _, err := m.ValueAndGradient(f, grad); !errors.Is(err, models.ErrConfig) {
		t.Errorf("expected ErrConfig for mismatched grids, got %v", err)
	}
}

// TestDemonsForceFormula checks the force expression against hand-computed
// values and its degenerate cases.
func TestDemonsForceFormula(t *testing.T) {
	d := Demons{Normalizer: 10}

	diff := 2.0
	grad := [3]float64{1, 0, 0}
	// denom = 1 + 4/10 = 1.4; force = 2*1/1.4
	got := d.Force(diff, grad)
	want := 2.0 / 1.4
	if math.Abs(got[0]-want) > 1e-12 || got[1] != 0 || got[2] != 0 {
		t.Errorf("Force = %v, want [%v 0 0]", got, want)
	}

	// Zero difference: no force regardless of gradient
	if f := d.Force(0, [3]float64{3, 4, 5}); f != ([3]float64{}) {
		t.Errorf("zero diff should give zero force, got %v", f)
	}

	// Flat gradient and zero diff: denominator underflow guarded
	if f := d.Force(0, [3]float64{}); f != ([3]float64{}) {
		t.Errorf("degenerate case should give zero force, got %v", f)
	}

	// Larger normalizer weakens the diff penalty, strengthening the force
	stronger := Demons{Normalizer: 1000}.Force(diff, grad)
	if !(stronger[0] > got[0]) {
		t.Errorf("larger normalizer should increase force magnitude")
	}

	if err := (Demons{Normalizer: 0}).Validate(); !errors.Is(err, models.ErrConfig) {
		t.Errorf("zero normalizer should be rejected")
	}
}

// TestMeanSquaredDiff covers the Demons progress metric.
func TestMeanSquaredDiff(t *testing.T) {
	a := []float64{1, 2, 3}
	b := []float64{1, 0, 3}
	msd, err := MeanSquaredDiff(a, b)
	if err != nil {
		t.Fatalf("MeanSquaredDiff failed: %v", err)
	}
	if math.Abs(msd-4.0/3.0) > 1e-12 {
		t.Errorf("msd = %v, want 4/3", msd)
	}

	if _, err := MeanSquaredDiff(a, b[:2]); !errors.Is(err, models.ErrConfig) {
		t.Errorf("length mismatch should be ErrConfig, got %v", err)
	}
	if _, err := MeanSquaredDiff([]float64{math.NaN()}, []float64{0}); !errors.Is(err, models.ErrNumerical) {
		t.Errorf("NaN input should be ErrNumerical, got %v", err)
	}
}
