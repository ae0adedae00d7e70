// Package pyramid builds the multi-resolution image hierarchy the optimizer
// walks from coarse to fine, and provides grid resampling for volumes and
// label masks.
package pyramid

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/interpolation"
)

// Level is one entry of the shrink/blur schedule.
type Level struct {
	// Shrink divides the voxel count per axis: new size = round(size/shrink).
	Shrink float64

	// Sigma is the Gaussian smoothing width in physical units applied
	// before resampling.
	Sigma float64
}

// ValidateSchedule checks a pyramid schedule: at least one level, shrink
// factors >= 1. Paired shrink/sigma schedules of different lengths are
// rejected upstream, before they are zipped into Levels.
func ValidateSchedule(levels []Level) error {
	if len(levels) == 0 {
		return fmt.Errorf("%w: empty pyramid schedule", models.ErrConfig)
	}
	for i, l := range levels {
		if l.Shrink < 1 {
			return fmt.Errorf("%w: level %d shrink factor %g, must be >= 1", models.ErrConfig, i, l.Shrink)
		}
		if l.Sigma < 0 {
			return fmt.Errorf("%w: level %d smoothing sigma %g, must be >= 0", models.ErrConfig, i, l.Sigma)
		}
	}
	return nil
}

// Build produces one progressively coarser volume per schedule level, in the
// order the schedule lists them. Each level smooths the ORIGINAL volume with
// its sigma and resamples to the shrunken grid, so levels are independent
// and the sequence can be rebuilt per registration run.
func Build(vol *models.Volume, levels []Level) ([]*models.Volume, error) {
	if err := ValidateSchedule(levels); err != nil {
		return nil, err
	}
	out := make([]*models.Volume, len(levels))
	for i, l := range levels {
		out[i] = buildLevel(vol, l)
	}
	return out, nil
}

// buildLevel smooths and resamples one pyramid level. The resampled grid
// keeps the physical positions of the first and last voxel along each axis:
// newSpacing = ((size-1)*spacing)/(newSize-1). Naive integer decimation
// would shift the grid and silently degrade registration accuracy.
func buildLevel(vol *models.Volume, l Level) *models.Volume {
	smoothed := SmoothGaussian(vol, l.Sigma)
	if l.Shrink == 1 {
		return smoothed
	}

	geom := smoothed.Geometry
	for i := 0; i < 3; i++ {
		newSize := int(math.Round(float64(vol.Size[i]) / l.Shrink))
		if newSize < 1 {
			newSize = 1
		}
		if newSize > 1 {
			geom.Spacing[i] = float64(vol.Size[i]-1) * vol.Spacing[i] / float64(newSize-1)
		}
		geom.Size[i] = newSize
	}

	return Resample(smoothed, &geom, interpolation.Linear, 0)
}

// Resample maps a volume onto an arbitrary reference grid: every voxel of
// the target geometry is sampled from src at its physical position. The
// per-voxel work is independent, so z-slabs are fanned out across cores.
func Resample(src *models.Volume, target *models.Geometry, mode interpolation.Mode, def float64) *models.Volume {
	out := models.NewVolumeLike(target)
	sampler := interpolation.NewSampler(src, mode, def)

	var wg sync.WaitGroup
	workers := runtime.NumCPU()
	if workers > target.Size[2] {
		workers = target.Size[2]
	}
	if workers < 1 {
		workers = 1
	}
	slab := (target.Size[2] + workers - 1) / workers

	for w := 0; w < workers; w++ {
		z0 := w * slab
		z1 := z0 + slab
		if z1 > target.Size[2] {
			z1 = target.Size[2]
		}
		if z0 >= z1 {
			continue
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for z := z0; z < z1; z++ {
				for y := 0; y < target.Size[1]; y++ {
					for x := 0; x < target.Size[0]; x++ {
						p := target.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
						out.Set(x, y, z, sampler.Sample(p))
					}
				}
			}
		}(z0, z1)
	}
	wg.Wait()
	return out
}

// ResampleMask resamples a label mask onto a reference grid with
// nearest-neighbor interpolation, preserving the discrete label values.
func ResampleMask(src *models.LabelMask, target *models.Geometry) *models.LabelMask {
	// Route the labels through a float volume; nearest-neighbor sampling
	// never blends, so the round trip is exact.
	tmp := &models.Volume{Geometry: src.Geometry}
	tmp.Data = make([]float64, len(src.Labels))
	for i, l := range src.Labels {
		tmp.Data[i] = float64(l)
	}

	res := Resample(tmp, target, interpolation.Nearest, 0)

	out := models.NewLabelMask(target)
	for i, v := range res.Data {
		out.Labels[i] = int32(v)
	}
	return out
}
