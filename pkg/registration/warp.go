package registration

import (
	"runtime"
	"sync"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/interpolation"
	"nonrigid3d/pkg/transform"
)

// Warp resamples the moving volume onto the reference grid through the
// transform: out(x) = moving(T(x)). Voxels mapped outside the moving volume
// take the sampler default of zero. Slabs of z-slices are warped
// concurrently.
func Warp(moving *models.Volume, t transform.Transform, reference *models.Geometry) *models.Volume {
	out := &models.Volume{Geometry: *reference}
	out.Data = make([]float64, reference.NumVoxels())
	sampler := interpolation.NewSampler(moving, interpolation.Linear, 0)

	workers := runtime.NumCPU()
	if workers > reference.Size[2] {
		workers = reference.Size[2]
	}
	if workers < 1 {
		workers = 1
	}
	per := (reference.Size[2] + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		z0 := w * per
		z1 := z0 + per
		if z1 > reference.Size[2] {
			z1 = reference.Size[2]
		}
		if z0 >= z1 {
			continue
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for z := z0; z < z1; z++ {
				for y := 0; y < reference.Size[1]; y++ {
					for x := 0; x < reference.Size[0]; x++ {
						p := reference.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
						out.Data[reference.LinearIndex(x, y, z)] = sampler.Sample(t.Apply(p))
					}
				}
			}
		}(z0, z1)
	}
	wg.Wait()
	return out
}
