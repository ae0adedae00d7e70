package evaluation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"nonrigid3d/internal/models"
)

// Dice computes the Dice coefficient 2|A∩B| / (|A|+|B|) of one label value
// over two masks on the same grid. Empty-vs-empty regions count as perfect
// agreement.
func Dice(a, b *models.LabelMask, label int32) (float64, error) {
	if !a.SameGrid(&b.Geometry) {
		return 0, fmt.Errorf("%w: masks live on different grids", models.ErrConfig)
	}
	var inA, inB, inBoth int
	for i := range a.Labels {
		pa := a.Labels[i] == label
		pb := b.Labels[i] == label
		if pa {
			inA++
		}
		if pb {
			inB++
		}
		if pa && pb {
			inBoth++
		}
	}
	if inA+inB == 0 {
		return 1, nil
	}
	return 2 * float64(inBoth) / float64(inA+inB), nil
}

// boundaryPoint is one physical-space boundary voxel position in the
// kd-tree.
type boundaryPoint [3]float64

// Compare implements the kdtree.Comparable interface.
func (p boundaryPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(boundaryPoint)
	return p[d] - q[d]
}

// Dims returns the number of dimensions for the kd-tree.
func (p boundaryPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points.
func (p boundaryPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(boundaryPoint)
	dx := p[0] - q[0]
	dy := p[1] - q[1]
	dz := p[2] - q[2]
	return dx*dx + dy*dy + dz*dz
}

// boundaryPoints is a collection of boundaryPoint satisfying
// kdtree.Interface.
type boundaryPoints []boundaryPoint

func (p boundaryPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p boundaryPoints) Len() int                              { return len(p) }
func (p boundaryPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method.
func (p boundaryPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{boundaryPoints: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{boundaryPoints: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for
// boundaryPoints.
type pointPlane struct {
	boundaryPoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	return p.boundaryPoints[i][p.Dim] < p.boundaryPoints[j][p.Dim]
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{boundaryPoints: p.boundaryPoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.boundaryPoints[i], p.boundaryPoints[j] = p.boundaryPoints[j], p.boundaryPoints[i]
}

// boundary extracts the physical positions of a label's boundary voxels: a
// voxel carrying the label with at least one 6-connected neighbor that does
// not (faces of the grid count as outside).
func boundary(m *models.LabelMask, label int32) boundaryPoints {
	var pts boundaryPoints
	size := m.Size
	neighbors := [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}

	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				if m.At(x, y, z) != label {
					continue
				}
				edge := false
				for _, n := range neighbors {
					nx, ny, nz := x+n[0], y+n[1], z+n[2]
					if !m.InBounds(nx, ny, nz) || m.At(nx, ny, nz) != label {
						edge = true
						break
					}
				}
				if edge {
					p := m.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
					pts = append(pts, boundaryPoint(p))
				}
			}
		}
	}
	return pts
}

// directedHausdorff returns the largest nearest-boundary distance from the
// points of from to the kd-tree over to.
func directedHausdorff(from boundaryPoints, tree *kdtree.Tree) float64 {
	max := 0.0
	for _, p := range from {
		_, distSq := tree.Nearest(p)
		if d := math.Sqrt(distSq); d > max {
			max = d
		}
	}
	return max
}

// Hausdorff computes the symmetric Hausdorff distance between the
// boundaries of one label in two same-geometry masks, in physical units:
// the maximum over either boundary of the minimum distance to the other,
// taken in both directions. Zero iff the boundaries coincide exactly.
func Hausdorff(a, b *models.LabelMask, label int32) (float64, error) {
	if !a.SameGrid(&b.Geometry) {
		return 0, fmt.Errorf("%w: masks live on different grids", models.ErrConfig)
	}
	ba := boundary(a, label)
	bb := boundary(b, label)
	if len(ba) == 0 && len(bb) == 0 {
		return 0, nil
	}
	if len(ba) == 0 || len(bb) == 0 {
		return 0, fmt.Errorf("%w: label %d has a boundary in only one mask", models.ErrConfig, label)
	}

	treeA := kdtree.New(ba, false)
	treeB := kdtree.New(bb, false)

	return math.Max(directedHausdorff(ba, treeB), directedHausdorff(bb, treeA)), nil
}
