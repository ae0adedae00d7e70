package transform

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"nonrigid3d/internal/models"
)

func testGeometry() *models.Geometry {
	return &models.Geometry{
		Size:      [3]int{32, 32, 32},
		Spacing:   [3]float64{2, 2, 2},
		Origin:    [3]float64{-10, 5, 0},
		Direction: models.IdentityDirection,
	}
}

// TestBSplineIdentityAtZero verifies the identity property: with all
// control-point displacements zero, every point inside the domain maps to
// itself.
func TestBSplineIdentityAtZero(t *testing.T) {
	g := testGeometry()
	b, err := NewBSpline(g, 20.0)
	if err != nil {
		t.Fatalf("NewBSpline failed: %v", err)
	}

	points := [][3]float64{
		g.IndexToPhysical([3]float64{0, 0, 0}),
		g.IndexToPhysical([3]float64{31, 31, 31}),
		g.IndexToPhysical([3]float64{10.3, 17.9, 4.2}),
		g.IndexToPhysical([3]float64{15.5, 15.5, 15.5}),
	}
	for _, p := range points {
		q := b.Apply(p)
		for i := 0; i < 3; i++ {
			if math.Abs(q[i]-p[i]) > 1e-12 {
				t.Errorf("identity violated at %v: mapped to %v", p, q)
			}
		}
	}
}

// TestBSplineMeshSize checks the mesh computation
// round(domain_physical_size / desired_spacing) and the cubic border of 3
// extra control points.
func TestBSplineMeshSize(t *testing.T) {
	g := testGeometry() // extent 62mm per axis
	b, err := NewBSpline(g, 20.0)
	if err != nil {
		t.Fatalf("NewBSpline failed: %v", err)
	}
	// round(62/20) = 3 cells -> 6 control points per axis
	for i := 0; i < 3; i++ {
		if b.GridSize()[i] != 6 {
			t.Errorf("axis %d: grid size %d, want 6", i, b.GridSize()[i])
		}
	}
	if b.NumParameters() != 3*6*6*6 {
		t.Errorf("parameter count %d, want %d", b.NumParameters(), 3*6*6*6)
	}
}

// TestBSplineUniformDisplacement exercises the partition-of-unity property
// of the cubic basis: displacing every control point by the same vector
// translates every interior point by exactly that vector.
func TestBSplineUniformDisplacement(t *testing.T) {
	g := testGeometry()
	b, err := NewBSpline(g, 25.0)
	if err != nil {
		t.Fatalf("NewBSpline failed: %v", err)
	}

	shift := [3]float64{3.0, -1.5, 0.75}
	params := make([]float64, b.NumParameters())
	for i := 0; i < len(params); i += 3 {
		params[i] = shift[0]
		params[i+1] = shift[1]
		params[i+2] = shift[2]
	}
	if err := b.SetParameters(params); err != nil {
		t.Fatalf("SetParameters failed: %v", err)
	}

	for _, ci := range [][3]float64{{3, 3, 3}, {16, 16, 16}, {28.7, 12.1, 20.4}} {
		p := g.IndexToPhysical(ci)
		q := b.Apply(p)
		for i := 0; i < 3; i++ {
			if math.Abs(q[i]-p[i]-shift[i]) > 1e-9 {
				t.Errorf("uniform displacement broken at %v: got %v", p, q)
			}
		}
	}
}

// TestBSplineSupportWeights verifies that the support weights are a
// partition of unity and reproduce Apply through the chain rule contract.
func TestBSplineSupportWeights(t *testing.T) {
	g := testGeometry()
	b, err := NewBSpline(g, 30.0)
	if err != nil {
		t.Fatalf("NewBSpline failed: %v", err)
	}

	// Random-ish control displacements
	params := make([]float64, b.NumParameters())
	for i := range params {
		params[i] = math.Sin(float64(i) * 0.37)
	}
	b.SetParameters(params)

	idx := make([]int, SupportSize)
	w := make([]float64, SupportSize)
	p := g.IndexToPhysical([3]float64{11.4, 9.2, 21.6})
	n := b.SupportWeights(p, idx, w)
	if n != SupportSize {
		t.Fatalf("expected %d support points, got %d", SupportSize, n)
	}

	sum := 0.0
	var disp [3]float64
	for k := 0; k < n; k++ {
		sum += w[k]
		for c := 0; c < 3; c++ {
			disp[c] += w[k] * params[3*idx[k]+c]
		}
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("support weights sum to %v, want 1", sum)
	}

	q := b.Apply(p)
	for c := 0; c < 3; c++ {
		if math.Abs(q[c]-p[c]-disp[c]) > 1e-9 {
			t.Errorf("SupportWeights disagrees with Apply on component %d", c)
		}
	}
}

// TestDisplacementFieldIdentityAtZero verifies the identity property for a
// freshly initialized field.
func TestDisplacementFieldIdentityAtZero(t *testing.T) {
	g := testGeometry()
	f, err := NewDisplacementField(g)
	if err != nil {
		t.Fatalf("NewDisplacementField failed: %v", err)
	}

	for _, ci := range [][3]float64{{0, 0, 0}, {31, 31, 31}, {14.2, 3.9, 27.5}} {
		p := g.IndexToPhysical(ci)
		q := f.Apply(p)
		if q != p {
			t.Errorf("identity violated at %v: mapped to %v", p, q)
		}
	}
}

// TestDisplacementFieldInterpolation checks trilinear blending of the
// per-voxel vectors.
func TestDisplacementFieldInterpolation(t *testing.T) {
	g := testGeometry()
	f, err := NewDisplacementField(g)
	if err != nil {
		t.Fatalf("NewDisplacementField failed: %v", err)
	}

	// Uniform 5mm x-shift everywhere
	for z := 0; z < g.Size[2]; z++ {
		for y := 0; y < g.Size[1]; y++ {
			for x := 0; x < g.Size[0]; x++ {
				f.SetVectorAt(x, y, z, [3]float64{5, 0, 0})
			}
		}
	}

	p := g.IndexToPhysical([3]float64{10.5, 20.25, 7.75})
	q := f.Apply(p)
	if math.Abs(q[0]-p[0]-5) > 1e-9 || math.Abs(q[1]-p[1]) > 1e-9 || math.Abs(q[2]-p[2]) > 1e-9 {
		t.Errorf("uniform field: %v mapped to %v", p, q)
	}

	// Outside the grid the mapping is the identity
	outside := [3]float64{g.Origin[0] - 50, g.Origin[1], g.Origin[2]}
	if f.Apply(outside) != outside {
		t.Errorf("points outside the reference grid must map to themselves")
	}
}

// TestExponentiateSmallField checks that exp(u) ≈ u for a tiny field; the
// flow of a near-zero velocity field is the field itself to first order.
func TestExponentiateSmallField(t *testing.T) {
	g := &models.Geometry{
		Size:      [3]int{16, 16, 16},
		Spacing:   [3]float64{1, 1, 1},
		Direction: models.IdentityDirection,
	}
	f, _ := NewDisplacementField(g)
	for z := 4; z < 12; z++ {
		for y := 4; y < 12; y++ {
			for x := 4; x < 12; x++ {
				f.SetVectorAt(x, y, z, [3]float64{0.01, -0.005, 0.002})
			}
		}
	}
	before := f.VectorAt(8, 8, 8)
	f.Exponentiate()
	after := f.VectorAt(8, 8, 8)
	for c := 0; c < 3; c++ {
		if math.Abs(after[c]-before[c]) > 1e-3 {
			t.Errorf("exp of a small field moved component %d from %v to %v", c, before[c], after[c])
		}
	}
}

// TestSetParametersRejectsWrongLength covers the parameter-length guard.
func TestSetParametersRejectsWrongLength(t *testing.T) {
	g := testGeometry()
	b, _ := NewBSpline(g, 20.0)
	if err := b.SetParameters(make([]float64, 5)); !errors.Is(err, models.ErrConfig) {
		t.Errorf("bspline: expected ErrConfig, got %v", err)
	}
	f, _ := NewDisplacementField(g)
	if err := f.SetParameters(make([]float64, 5)); !errors.Is(err, models.ErrConfig) {
		t.Errorf("field: expected ErrConfig, got %v", err)
	}
}

// TestSaveLoadRoundTrip verifies that serialization reconstructs the mapping
// exactly for both transform kinds.
func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	g := testGeometry()

	b, _ := NewBSpline(g, 25.0)
	params := b.Parameters()
	for i := range params {
		params[i] = math.Cos(float64(i) * 0.11)
	}

	bPath := filepath.Join(dir, "bspline.yaml")
	if err := Save(bPath, b); err != nil {
		t.Fatalf("Save bspline failed: %v", err)
	}
	loadedB, err := Load(bPath)
	if err != nil {
		t.Fatalf("Load bspline failed: %v", err)
	}
	if loadedB.Kind() != KindBSpline {
		t.Fatalf("loaded kind %v, want bspline", loadedB.Kind())
	}

	f, _ := NewDisplacementField(g)
	f.UpdateVariance = 1.0
	f.TotalVariance = 2.0
	for i := range f.Parameters() {
		f.Parameters()[i] = math.Sin(float64(i) * 0.07)
	}
	fPath := filepath.Join(dir, "field.yaml")
	if err := Save(fPath, f); err != nil {
		t.Fatalf("Save field failed: %v", err)
	}
	loadedF, err := Load(fPath)
	if err != nil {
		t.Fatalf("Load field failed: %v", err)
	}

	for _, ci := range [][3]float64{{2.5, 3.5, 4.5}, {16, 16, 16}, {30.1, 1.9, 22.2}} {
		p := g.IndexToPhysical(ci)
		for _, pair := range []struct {
			name     string
			from, to Transform
		}{
			{"bspline", b, loadedB},
			{"field", f, loadedF},
		} {
			q0 := pair.from.Apply(p)
			q1 := pair.to.Apply(p)
			for c := 0; c < 3; c++ {
				if q0[c] != q1[c] {
					t.Errorf("%s: round-tripped transform maps %v differently: %v vs %v", pair.name, p, q0, q1)
				}
			}
		}
	}

	if lf, ok := loadedF.(*DisplacementField); !ok || lf.TotalVariance != 2.0 || lf.UpdateVariance != 1.0 {
		t.Errorf("field smoothing variances not round-tripped")
	}
}
