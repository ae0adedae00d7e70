// Package evaluation validates registration results: landmark-based target
// registration error and segmentation-overlap measures (Dice coefficient,
// Hausdorff distance).
package evaluation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/transform"
)

// TREReport holds the target registration error statistics in millimeters.
type TREReport struct {
	// PerPoint is the error of each landmark pair, in input order.
	PerPoint []float64

	// Mean is the average landmark error.
	Mean float64

	// Std is the standard deviation of the landmark errors.
	Std float64

	// Max is the worst landmark error.
	Max float64
}

// TRE computes the target registration error of a transform over paired
// landmark sets: for each pair, the distance between the mapped fixed
// landmark and its moving counterpart. Pass nil as the transform to measure
// the pre-registration error.
func TRE(t transform.Transform, fixed, moving models.LandmarkSet) (*TREReport, error) {
	if err := models.CheckPaired(fixed, moving); err != nil {
		return nil, err
	}

	report := &TREReport{PerPoint: make([]float64, len(fixed))}
	for i := range fixed {
		p := fixed[i]
		if t != nil {
			p = t.Apply(p)
		}
		dx := p[0] - moving[i][0]
		dy := p[1] - moving[i][1]
		dz := p[2] - moving[i][2]
		d := math.Sqrt(dx*dx + dy*dy + dz*dz)
		report.PerPoint[i] = d
		if d > report.Max {
			report.Max = d
		}
	}
	report.Mean = stat.Mean(report.PerPoint, nil)
	report.Std = stat.StdDev(report.PerPoint, nil)
	if len(report.PerPoint) == 1 {
		report.Std = 0
	}
	return report, nil
}
