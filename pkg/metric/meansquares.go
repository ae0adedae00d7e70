// Package metric implements the similarity measures driving registration:
// the mean-squares intensity metric with its parameter gradient, and the
// Demons intensity-difference force.
package metric

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/interpolation"
	"nonrigid3d/pkg/transform"
)

// Sampling selects how fixed-image voxels are drawn for metric evaluation.
type Sampling int

const (
	// Dense evaluates every fixed voxel.
	Dense Sampling = iota

	// Random draws a percentage of voxels from a seeded source. Faster and
	// noisier; the seed makes repeated evaluations bit-identical.
	Random
)

// MeanSquares is the mean squared intensity difference between the fixed
// image and the moving image warped through the current transform:
//
//	cost = mean over samples x of (fixed(x) - moving(T(x)))^2
type MeanSquares struct {
	fixed  *models.Volume
	moving *interpolation.Sampler

	// Strategy picks dense or random voxel sampling.
	Strategy Sampling

	// Percentage of fixed voxels evaluated under Random sampling, in (0,1].
	Percentage float64

	// Seed drives the random sample; the same seed reproduces the exact
	// same point set and cost.
	Seed int64
}

// NewMeanSquares builds a dense mean-squares metric over a fixed/moving
// pair. The moving image is sampled linearly with an out-of-bounds value of
// zero.
func NewMeanSquares(fixed, moving *models.Volume) *MeanSquares {
	return &MeanSquares{
		fixed:      fixed,
		moving:     interpolation.NewSampler(moving, interpolation.Linear, 0),
		Strategy:   Dense,
		Percentage: 1.0,
	}
}

// Fixed returns the fixed volume the metric samples.
func (m *MeanSquares) Fixed() *models.Volume { return m.fixed }

// samples returns the linear fixed-voxel indices to evaluate. Under Random
// sampling the RNG is re-seeded on every call, so identical configurations
// yield identical sample sets.
func (m *MeanSquares) samples() []int {
	n := m.fixed.NumVoxels()
	if m.Strategy == Dense {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	count := int(m.Percentage * float64(n))
	if count < 1 {
		count = 1
	}
	rng := rand.New(rand.NewSource(m.Seed))
	idx := make([]int, count)
	for i := range idx {
		idx[i] = rng.Intn(n)
	}
	return idx
}

// pointOf converts a linear fixed-voxel index to its physical position.
func (m *MeanSquares) pointOf(idx int) [3]float64 {
	sx, sy := m.fixed.Size[0], m.fixed.Size[1]
	x := idx % sx
	y := (idx / sx) % sy
	z := idx / (sx * sy)
	return m.fixed.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
}

// Value computes the metric cost under the given transform. A non-finite
// result surfaces as ErrNumerical.
func (m *MeanSquares) Value(t transform.Transform) (float64, error) {
	idx := m.samples()
	sum := m.parallelReduce(idx, func(chunk []int) float64 {
		acc := 0.0
		for _, i := range chunk {
			p := m.pointOf(i)
			diff := m.fixed.Data[i] - m.moving.Sample(t.Apply(p))
			acc += diff * diff
		}
		return acc
	})
	cost := sum / float64(len(idx))
	if !isFinite(cost) {
		return 0, fmt.Errorf("%w: mean-squares cost is not finite", models.ErrNumerical)
	}
	return cost, nil
}

// ValueAndGradient computes the cost and its gradient with respect to the
// transform parameters, written into grad (len == t.NumParameters()). The
// dispatch switches on the transform kind so each inner loop stays
// monomorphic.
func (m *MeanSquares) ValueAndGradient(t transform.Transform, grad []float64) (float64, error) {
	if len(grad) != t.NumParameters() {
		return 0, fmt.Errorf("%w: gradient buffer length %d, transform has %d parameters", models.ErrConfig, len(grad), t.NumParameters())
	}
	for i := range grad {
		grad[i] = 0
	}

	var cost float64
	var err error
	switch tr := t.(type) {
	case *transform.BSpline:
		cost, err = m.bsplineGradient(tr, grad)
	case *transform.DisplacementField:
		cost, err = m.fieldGradient(tr, grad)
	default:
		return 0, fmt.Errorf("%w: unsupported transform kind %v", models.ErrConfig, t.Kind())
	}
	if err != nil {
		return 0, err
	}
	if !isFinite(cost) {
		return 0, fmt.Errorf("%w: mean-squares cost is not finite", models.ErrNumerical)
	}
	for _, g := range grad {
		if !isFinite(g) {
			return 0, fmt.Errorf("%w: mean-squares gradient is not finite", models.ErrNumerical)
		}
	}
	return cost, nil
}

// bsplineGradient accumulates d(cost)/d(control displacement) through the
// chain rule: each sample spreads -2*diff*∇moving over its 4x4x4 support
// weights. Workers keep private gradient buffers merged after the joins.
func (m *MeanSquares) bsplineGradient(t *transform.BSpline, grad []float64) (float64, error) {
	idx := m.samples()
	invN := 1.0 / float64(len(idx))

	workers := workerCount(len(idx))
	partial := make([][]float64, workers)
	sums := make([]float64, workers)
	var wg sync.WaitGroup
	chunk := (len(idx) + workers - 1) / workers

	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		if hi > len(idx) {
			hi = len(idx)
		}
		if lo >= hi {
			partial[w] = nil
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			g := make([]float64, len(grad))
			support := make([]int, transform.SupportSize)
			weights := make([]float64, transform.SupportSize)
			acc := 0.0
			for _, i := range idx[lo:hi] {
				p := m.pointOf(i)
				mapped := t.Apply(p)
				diff := m.fixed.Data[i] - m.moving.Sample(mapped)
				acc += diff * diff

				mg := m.moving.SampleGradient(mapped)
				n := t.SupportWeights(p, support, weights)
				for k := 0; k < n; k++ {
					scale := -2 * invN * diff * weights[k]
					base := 3 * support[k]
					g[base] += scale * mg[0]
					g[base+1] += scale * mg[1]
					g[base+2] += scale * mg[2]
				}
			}
			partial[w] = g
			sums[w] = acc
		}(w, lo, hi)
	}
	wg.Wait()

	total := 0.0
	for w := 0; w < workers; w++ {
		total += sums[w]
		if partial[w] == nil {
			continue
		}
		for i, v := range partial[w] {
			grad[i] += v
		}
	}
	return total * invN, nil
}

// fieldGradient handles the dense displacement-field case: the field grid
// must equal the fixed grid, and each fixed voxel touches exactly its own
// three parameters.
func (m *MeanSquares) fieldGradient(t *transform.DisplacementField, grad []float64) (float64, error) {
	if !t.Geometry().SameGrid(&m.fixed.Geometry) {
		return 0, fmt.Errorf("%w: displacement field grid must match the fixed image grid", models.ErrConfig)
	}
	idx := m.samples()
	invN := 1.0 / float64(len(idx))

	// Each fixed voxel touches only its own three parameters, so bucketing
	// samples by voxel range keeps duplicate random draws inside one worker
	// and the gradient writes disjoint.
	workers := workerCount(len(idx))
	voxPerWorker := (m.fixed.NumVoxels() + workers - 1) / workers
	buckets := make([][]int, workers)
	for _, i := range idx {
		w := i / voxPerWorker
		buckets[w] = append(buckets[w], i)
	}

	sums := make([]float64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		if len(buckets[w]) == 0 {
			continue
		}
		wg.Add(1)
		go func(w int, bucket []int) {
			defer wg.Done()
			acc := 0.0
			for _, i := range bucket {
				p := m.pointOf(i)
				mapped := t.Apply(p)
				diff := m.fixed.Data[i] - m.moving.Sample(mapped)
				acc += diff * diff

				mg := m.moving.SampleGradient(mapped)
				base := 3 * i
				grad[base] += -2 * invN * diff * mg[0]
				grad[base+1] += -2 * invN * diff * mg[1]
				grad[base+2] += -2 * invN * diff * mg[2]
			}
			sums[w] = acc
		}(w, buckets[w])
	}
	wg.Wait()

	total := 0.0
	for _, s := range sums {
		total += s
	}
	return total * invN, nil
}

// parallelReduce fans a sample-index slice across workers and sums the
// per-chunk results, mirroring the slab fan-out used by the resampler.
func (m *MeanSquares) parallelReduce(idx []int, f func(chunk []int) float64) float64 {
	workers := workerCount(len(idx))
	sums := make([]float64, workers)
	var wg sync.WaitGroup
	chunk := (len(idx) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		if hi > len(idx) {
			hi = len(idx)
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			sums[w] = f(idx[lo:hi])
		}(w, lo, hi)
	}
	wg.Wait()
	total := 0.0
	for _, s := range sums {
		total += s
	}
	return total
}

func workerCount(n int) int {
	w := runtime.NumCPU()
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
