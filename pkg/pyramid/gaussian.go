package pyramid

import (
	"math"

	"nonrigid3d/internal/models"
)

// gaussianKernel builds a normalized discrete Gaussian for a sigma given in
// voxel units. The radius covers three standard deviations.
func gaussianKernel(sigmaVox float64) []float64 {
	radius := int(math.Ceil(3 * sigmaVox))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigmaVox * sigmaVox))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// SmoothGaussian returns a copy of vol convolved with a separable Gaussian.
// Sigma is given in physical units and converted per axis through the voxel
// spacing, so anisotropic grids are smoothed isotropically in physical
// space. A sigma of zero (or negative) returns an unsmoothed copy.
func SmoothGaussian(vol *models.Volume, sigma float64) *models.Volume {
	out := vol.Clone()
	if sigma <= 0 {
		return out
	}
	tmp := make([]float64, len(out.Data))
	for axis := 0; axis < 3; axis++ {
		sigmaVox := sigma / vol.Spacing[axis]
		if sigmaVox < 1e-8 {
			continue
		}
		kernel := gaussianKernel(sigmaVox)
		convolveAxis(out.Data, tmp, out.Size, axis, kernel)
		copy(out.Data, tmp)
	}
	return out
}

// SmoothBuffer convolves a flat z-major scalar buffer in place with a
// separable Gaussian of per-axis voxel-unit sigmas. The Demons integrator
// uses this to regularize individual displacement components without
// round-tripping through Volume values.
func SmoothBuffer(data []float64, size [3]int, sigmaVox [3]float64) {
	tmp := make([]float64, len(data))
	for axis := 0; axis < 3; axis++ {
		if sigmaVox[axis] < 1e-8 {
			continue
		}
		kernel := gaussianKernel(sigmaVox[axis])
		convolveAxis(data, tmp, size, axis, kernel)
		copy(data, tmp)
	}
}

// convolveAxis runs a 1D convolution along one axis of a flat z-major
// buffer, clamping reads at the borders.
func convolveAxis(src, dst []float64, size [3]int, axis int, kernel []float64) {
	radius := (len(kernel) - 1) / 2
	sx, sy, sz := size[0], size[1], size[2]

	var stride, extent int
	switch axis {
	case 0:
		stride, extent = 1, sx
	case 1:
		stride, extent = sx, sy
	default:
		stride, extent = sx*sy, sz
	}

	for z := 0; z < sz; z++ {
		for y := 0; y < sy; y++ {
			for x := 0; x < sx; x++ {
				idx := (z*sy+y)*sx + x
				var pos int
				switch axis {
				case 0:
					pos = x
				case 1:
					pos = y
				default:
					pos = z
				}

				acc := 0.0
				for k := -radius; k <= radius; k++ {
					q := pos + k
					if q < 0 {
						q = 0
					} else if q > extent-1 {
						q = extent - 1
					}
					acc += kernel[k+radius] * src[idx+(q-pos)*stride]
				}
				dst[idx] = acc
			}
		}
	}
}
