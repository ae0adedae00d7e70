package transform

import "nonrigid3d/pkg/pyramid"

// smoothComponents Gaussian-smooths each vector component of an interleaved
// point-major field independently. The components are de-interleaved into a
// scratch buffer so the separable convolution can run on contiguous data.
func smoothComponents(field []float64, size [3]int, sigmaVox [3]float64) {
	n := len(field) / 3
	scratch := make([]float64, n)
	for c := 0; c < 3; c++ {
		for i := 0; i < n; i++ {
			scratch[i] = field[3*i+c]
		}
		pyramid.SmoothBuffer(scratch, size, sigmaVox)
		for i := 0; i < n; i++ {
			field[3*i+c] = scratch[i]
		}
	}
}
