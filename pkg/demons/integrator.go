// Package demons implements the standalone Demons force integration loop:
// an iterative PDE-style displacement estimator independent of the
// metric/optimizer framework. The loop always runs exactly the configured
// number of iterations; the caller decides the budget.
package demons

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/interpolation"
	"nonrigid3d/pkg/metric"
	"nonrigid3d/pkg/registration"
	"nonrigid3d/pkg/transform"
)

// Params configures one Demons run.
type Params struct {
	// Fixed is the reference volume; the displacement field lives on its
	// grid.
	Fixed *models.Volume

	// Moving is the volume being deformed onto the fixed volume.
	Moving *models.Volume

	// Iterations is the exact number of update steps to run.
	Iterations int

	// Normalizer is the Demons intensity normalization constant.
	Normalizer float64

	// UpdateVariance smooths each iteration's increment (viscous
	// regularization), physical units squared.
	UpdateVariance float64

	// TotalVariance smooths the accumulated field after each update
	// (elastic regularization), physical units squared.
	TotalVariance float64

	// Symmetric averages forward (fixed-gradient) and backward
	// (warped-moving-gradient) forces.
	Symmetric bool

	// Diffeomorphic exponentiates each update field and composes it into
	// the total field, keeping the accumulated mapping invertible.
	Diffeomorphic bool

	// Observer receives one (iteration, metric) event per step; may be nil.
	Observer registration.Observer
}

// Integrator runs the Demons update loop over a displacement field.
type Integrator struct {
	params *Params
	force  metric.Demons
}

// NewIntegrator validates the parameters and builds an integrator.
func NewIntegrator(params *Params) (*Integrator, error) {
	if params.Fixed == nil || params.Moving == nil {
		return nil, fmt.Errorf("%w: fixed and moving volumes are required", models.ErrConfig)
	}
	if err := params.Fixed.Validate(); err != nil {
		return nil, err
	}
	if err := params.Moving.Validate(); err != nil {
		return nil, err
	}
	if params.Iterations < 1 {
		return nil, fmt.Errorf("%w: iteration count %d, must be >= 1", models.ErrConfig, params.Iterations)
	}
	force := metric.Demons{Normalizer: params.Normalizer}
	if err := force.Validate(); err != nil {
		return nil, err
	}
	if params.UpdateVariance < 0 || params.TotalVariance < 0 {
		return nil, fmt.Errorf("%w: smoothing variances must be >= 0", models.ErrConfig)
	}
	return &Integrator{params: params, force: force}, nil
}

// Run executes the loop on an identity-initialized field and returns it.
func (it *Integrator) Run() (*transform.DisplacementField, error) {
	field, err := transform.NewDisplacementField(&it.params.Fixed.Geometry)
	if err != nil {
		return nil, err
	}
	field.UpdateVariance = it.params.UpdateVariance
	field.TotalVariance = it.params.TotalVariance
	if err := it.RunOn(field); err != nil {
		return nil, err
	}
	return field, nil
}

// RunOn executes exactly Iterations update steps on an existing field,
// which must live on the fixed image's grid. There is no convergence test:
// the loop runs its full budget and reports the metric after each step.
func (it *Integrator) RunOn(field *transform.DisplacementField) error {
	p := it.params
	if !field.Geometry().SameGrid(&p.Fixed.Geometry) {
		return fmt.Errorf("%w: displacement field grid must match the fixed image grid", models.ErrConfig)
	}

	fixedSampler := interpolation.NewSampler(p.Fixed, interpolation.Linear, 0)
	movingSampler := interpolation.NewSampler(p.Moving, interpolation.Linear, 0)

	warped := make([]float64, p.Fixed.NumVoxels())
	for iter := 0; iter < p.Iterations; iter++ {
		it.warpMoving(field, movingSampler, warped)

		update, err := it.computeUpdate(fixedSampler, warped)
		if err != nil {
			return fmt.Errorf("%w (iteration %d)", err, iter)
		}

		// Viscous regularization of the raw increment.
		update.Smooth(field.UpdateVariance)

		if p.Diffeomorphic {
			update.Exponentiate()
			field.ComposeWith(update)
		} else {
			if err := field.AddScaled(update, 1); err != nil {
				return err
			}
		}

		// Elastic regularization of the accumulated field.
		field.Smooth(field.TotalVariance)

		it.warpMoving(field, movingSampler, warped)
		msd, err := metric.MeanSquaredDiff(p.Fixed.Data, warped)
		if err != nil {
			return fmt.Errorf("%w (iteration %d)", err, iter)
		}
		if p.Observer != nil {
			p.Observer.Notify(registration.Event{Iteration: iter, Metric: msd})
		}
	}
	return nil
}

// warpMoving samples the moving image at x + d(x) for every fixed voxel,
// fanning z-slabs across cores; each output cell is independent.
func (it *Integrator) warpMoving(field *transform.DisplacementField, moving *interpolation.Sampler, out []float64) {
	g := &it.params.Fixed.Geometry
	size := g.Size

	var wg sync.WaitGroup
	workers := runtime.NumCPU()
	if workers > size[2] {
		workers = size[2]
	}
	if workers < 1 {
		workers = 1
	}
	slab := (size[2] + workers - 1) / workers

	for w := 0; w < workers; w++ {
		z0, z1 := w*slab, (w+1)*slab
		if z1 > size[2] {
			z1 = size[2]
		}
		if z0 >= z1 {
			continue
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for z := z0; z < z1; z++ {
				for y := 0; y < size[1]; y++ {
					for x := 0; x < size[0]; x++ {
						p := g.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
						d := field.VectorAt(x, y, z)
						out[g.LinearIndex(x, y, z)] = moving.Sample([3]float64{p[0] + d[0], p[1] + d[1], p[2] + d[2]})
					}
				}
			}
		}(z0, z1)
	}
	wg.Wait()
}

// computeUpdate builds the per-voxel force field for one iteration. The
// forward force uses the fixed image's gradient; the symmetric variant
// averages it with the backward force computed from the warped moving
// image's gradient at the same point.
func (it *Integrator) computeUpdate(fixed *interpolation.Sampler, warped []float64) (*transform.DisplacementField, error) {
	p := it.params
	g := &p.Fixed.Geometry
	size := g.Size

	update, err := transform.NewDisplacementField(g)
	if err != nil {
		return nil, err
	}

	warpedVol := &models.Volume{Geometry: *g, Data: warped}
	warpedSampler := interpolation.NewSampler(warpedVol, interpolation.Linear, 0)

	var wg sync.WaitGroup
	var badOnce sync.Once
	var bad error

	workers := runtime.NumCPU()
	if workers > size[2] {
		workers = size[2]
	}
	if workers < 1 {
		workers = 1
	}
	slab := (size[2] + workers - 1) / workers

	for w := 0; w < workers; w++ {
		z0, z1 := w*slab, (w+1)*slab
		if z1 > size[2] {
			z1 = size[2]
		}
		if z0 >= z1 {
			continue
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for z := z0; z < z1; z++ {
				for y := 0; y < size[1]; y++ {
					for x := 0; x < size[0]; x++ {
						pt := g.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
						diff := p.Fixed.At(x, y, z) - warped[g.LinearIndex(x, y, z)]

						f := it.force.Force(diff, fixed.SampleGradient(pt))
						if p.Symmetric {
							b := it.force.Force(diff, warpedSampler.SampleGradient(pt))
							f[0] = 0.5 * (f[0] + b[0])
							f[1] = 0.5 * (f[1] + b[1])
							f[2] = 0.5 * (f[2] + b[2])
						}
						if math.IsNaN(f[0]) || math.IsNaN(f[1]) || math.IsNaN(f[2]) {
							badOnce.Do(func() {
								bad = fmt.Errorf("%w: non-finite demons force at voxel (%d,%d,%d)", models.ErrNumerical, x, y, z)
							})
							return
						}
						update.SetVectorAt(x, y, z, f)
					}
				}
			}
		}(z0, z1)
	}
	wg.Wait()
	if bad != nil {
		return nil, bad
	}
	return update, nil
}
