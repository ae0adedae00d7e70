package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/registration"
	"nonrigid3d/pkg/transform"
)

// Viewer extracts axis-aligned 2D slices from a registered volume and saves
// them as grayscale PNG images for visual inspection of the alignment.
type Viewer struct {
	vol *models.Volume

	// min and max bound the intensity window used for normalization
	min float64
	max float64

	// scale rescales exported images; 1 keeps the native slice resolution
	scale float64
}

// NewViewer creates a viewer with the intensity window set to the volume's
// full range.
func NewViewer(vol *models.Volume, scale float64) *Viewer {
	min, max := vol.MinMax()
	if scale <= 0 {
		scale = 1
	}
	return &Viewer{vol: vol, min: min, max: max, scale: scale}
}

// gray maps an intensity into the 16-bit window.
func (v *Viewer) gray(val float64) color.Gray16 {
	if v.max <= v.min {
		return color.Gray16{}
	}
	norm := (val - v.min) / (v.max - v.min)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, norm*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	size := v.vol.Size

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Slice in the YZ plane
		if position >= size[0] {
			return nil, fmt.Errorf("position %d exceeds width %d", position, size[0])
		}
		img = image.NewGray16(image.Rect(0, 0, size[2], size[1]))
		for y := 0; y < size[1]; y++ {
			for z := 0; z < size[2]; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		// Slice in the XZ plane
		if position >= size[1] {
			return nil, fmt.Errorf("position %d exceeds height %d", position, size[1])
		}
		img = image.NewGray16(image.Rect(0, 0, size[0], size[2]))
		for z := 0; z < size[2]; z++ {
			for x := 0; x < size[0]; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		// Slice in the XY plane
		if position >= size[2] {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, size[2])
		}
		img = image.NewGray16(image.Rect(0, 0, size[0], size[1]))
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if v.scale != 1 {
		return rescale(img, v.scale), nil
	}
	return img, nil
}

// rescale resizes a slice image by the given factor using bilinear
// interpolation.
func rescale(img image.Image, scale float64) image.Image {
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * scale))
	h := int(math.Round(float64(b.Dy()) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Size[0]
	case "y", "Y":
		maxPos = v.vol.Size[1]
	case "z", "Z":
		maxPos = v.vol.Size[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// MagnitudeVolume converts a displacement field into a scalar volume of
// per-voxel displacement magnitudes, viewable with the same slice exporter.
func MagnitudeVolume(f *transform.DisplacementField) *models.Volume {
	g := f.Geometry()
	out := &models.Volume{Geometry: *g}
	out.Data = make([]float64, g.NumVoxels())
	for z := 0; z < g.Size[2]; z++ {
		for y := 0; y < g.Size[1]; y++ {
			for x := 0; x < g.Size[0]; x++ {
				v := f.VectorAt(x, y, z)
				out.Data[g.LinearIndex(x, y, z)] = math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
			}
		}
	}
	return out
}

// ConsoleObserver prints one line per optimizer iteration to the given
// writer. It satisfies the registration Observer interface.
type ConsoleObserver struct {
	W io.Writer
}

// Notify writes the level, iteration and metric value.
func (o ConsoleObserver) Notify(e registration.Event) {
	fmt.Fprintf(o.W, "  level %d  iter %3d  metric %.6f\n", e.Level, e.Iteration, e.Metric)
}
