package models

import (
	"errors"
	"math"
	"testing"
)

// TestGeometryRoundTrip verifies that physical/index conversion is exact for
// an anisotropic grid with a non-trivial origin.
func TestGeometryRoundTrip(t *testing.T) {
	g := Geometry{
		Size:      [3]int{10, 20, 30},
		Spacing:   [3]float64{0.5, 1.0, 2.5},
		Origin:    [3]float64{-12.0, 4.5, 100.0},
		Direction: IdentityDirection,
	}

	for _, ci := range [][3]float64{
		{0, 0, 0},
		{9, 19, 29},
		{1.25, 7.5, 14.75},
	} {
		p := g.IndexToPhysical(ci)
		back := g.PhysicalToIndex(p)
		for i := 0; i < 3; i++ {
			if math.Abs(back[i]-ci[i]) > 1e-12 {
				t.Errorf("round trip failed at axis %d: %v -> %v -> %v", i, ci, p, back)
			}
		}
	}

	// With identity direction the origin maps to index zero
	zero := g.PhysicalToIndex(g.Origin)
	for i := 0; i < 3; i++ {
		if math.Abs(zero[i]) > 1e-12 {
			t.Errorf("origin should map to index zero, got %v", zero)
		}
	}
}

// TestGeometryRotatedDirection verifies conversions under a 90-degree
// rotation about the z axis.
func TestGeometryRotatedDirection(t *testing.T) {
	g := Geometry{
		Size:    [3]int{8, 8, 8},
		Spacing: [3]float64{1, 1, 1},
		Direction: [9]float64{
			0, -1, 0,
			1, 0, 0,
			0, 0, 1,
		},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("rotation matrix should validate: %v", err)
	}

	// index (1,0,0) should land at physical (0,1,0)
	p := g.IndexToPhysical([3]float64{1, 0, 0})
	want := [3]float64{0, 1, 0}
	for i := 0; i < 3; i++ {
		if math.Abs(p[i]-want[i]) > 1e-12 {
			t.Fatalf("expected %v, got %v", want, p)
		}
	}

	back := g.PhysicalToIndex(p)
	for i, w := range [3]float64{1, 0, 0} {
		if math.Abs(back[i]-w) > 1e-12 {
			t.Fatalf("inverse mapping wrong: got %v", back)
		}
	}
}

// TestValidateRejectsBadGeometry checks the configuration invariants.
func TestValidateRejectsBadGeometry(t *testing.T) {
	good := Geometry{
		Size:      [3]int{4, 4, 4},
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid geometry rejected: %v", err)
	}

	zeroSpacing := good
	zeroSpacing.Spacing[1] = 0
	if err := zeroSpacing.Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("zero spacing: expected ErrConfig, got %v", err)
	}

	negSpacing := good
	negSpacing.Spacing[2] = -1
	if err := negSpacing.Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("negative spacing: expected ErrConfig, got %v", err)
	}

	skewed := good
	skewed.Direction = [9]float64{1, 0.2, 0, 0, 1, 0, 0, 0, 1}
	if err := skewed.Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("non-orthonormal direction: expected ErrConfig, got %v", err)
	}
}

// TestVolumeIndexing verifies the z-major flat buffer layout.
func TestVolumeIndexing(t *testing.T) {
	v := NewVolume([3]int{3, 4, 5}, [3]float64{1, 1, 1})
	if len(v.Data) != 60 {
		t.Fatalf("expected 60 voxels, got %d", len(v.Data))
	}

	v.Set(2, 3, 4, 7.5)
	if v.Data[4*12+3*3+2] != 7.5 {
		t.Errorf("z-major layout violated")
	}
	if v.At(2, 3, 4) != 7.5 {
		t.Errorf("At/Set mismatch")
	}

	clone := v.Clone()
	clone.Set(0, 0, 0, -1)
	if v.At(0, 0, 0) == -1 {
		t.Errorf("Clone should not share the intensity buffer")
	}
}

// TestLandmarkPairing verifies the positional-correspondence invariant.
func TestLandmarkPairing(t *testing.T) {
	fixed := LandmarkSet{{0, 0, 0}, {1, 1, 1}}
	moving := LandmarkSet{{0, 0, 1}, {1, 1, 2}}
	if err := CheckPaired(fixed, moving); err != nil {
		t.Errorf("equal-length sets rejected: %v", err)
	}

	if err := CheckPaired(fixed, moving[:1]); !errors.Is(err, ErrConfig) {
		t.Errorf("length mismatch: expected ErrConfig, got %v", err)
	}
	if err := CheckPaired(LandmarkSet{}, LandmarkSet{}); !errors.Is(err, ErrConfig) {
		t.Errorf("empty sets: expected ErrConfig, got %v", err)
	}
}
