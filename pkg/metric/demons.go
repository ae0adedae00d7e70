package metric

import (
	"fmt"

	"nonrigid3d/internal/models"
)

// Demons computes the classical optical-flow-style Demons force from an
// intensity difference and an image gradient:
//
//	force = diff * grad / (|grad|^2 + diff^2 / normalizer)
//
// The normalizer scales the force magnitude and is tuned to the intensity
// range of the data; it is a required configuration input, not a constant.
type Demons struct {
	// Normalizer is the intensity-difference normalization constant
	// (e.g. 10 for POPI-range CT intensities).
	Normalizer float64
}

// Force returns the Demons force vector for one voxel. When the denominator
// underflows (flat gradient and matching intensities) the force is zero.
func (d Demons) Force(diff float64, grad [3]float64) [3]float64 {
	gradSq := grad[0]*grad[0] + grad[1]*grad[1] + grad[2]*grad[2]
	denom := gradSq + diff*diff/d.Normalizer
	if denom < 1e-12 {
		return [3]float64{}
	}
	s := diff / denom
	return [3]float64{s * grad[0], s * grad[1], s * grad[2]}
}

// Validate checks the normalizer.
func (d Demons) Validate() error {
	if !(d.Normalizer > 0) {
		return fmt.Errorf("%w: demons normalizer %g, must be strictly positive", models.ErrConfig, d.Normalizer)
	}
	return nil
}

// MeanSquaredDiff returns the mean squared difference between two intensity
// buffers on the same grid: the progress metric the Demons loop reports
// after every iteration.
func MeanSquaredDiff(a, b []float64) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("%w: mismatched intensity buffers (%d vs %d)", models.ErrConfig, len(a), len(b))
	}
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	msd := sum / float64(len(a))
	if !isFinite(msd) {
		return 0, fmt.Errorf("%w: mean squared difference is not finite", models.ErrNumerical)
	}
	return msd, nil
}
