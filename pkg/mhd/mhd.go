// Package mhd reads and writes volumes in the MetaImage format: a plain-text
// .mhd header describing grid geometry and element type, plus a .raw file of
// little-endian voxel data.
package mhd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"nonrigid3d/internal/models"
)

// header carries the subset of MetaImage keys the loader understands.
type header struct {
	nDims       int
	dimSize     [3]int
	spacing     [3]float64
	offset      [3]float64
	direction   [9]float64
	elementType string
	dataFile    string
	byteOrder   string
}

func defaultHeader() header {
	return header{
		nDims:     3,
		spacing:   [3]float64{1, 1, 1},
		direction: models.IdentityDirection,
	}
}

// parseHeader reads "Key = value" lines from an .mhd file. Unknown keys are
// ignored so headers produced by other tools still load.
func parseHeader(path string) (header, error) {
	h := defaultHeader()

	f, err := os.Open(path)
	if err != nil {
		return h, fmt.Errorf("error opening header: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return h, fmt.Errorf("%w: malformed header line %q", models.ErrConfig, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "NDims":
			if h.nDims, err = strconv.Atoi(value); err != nil {
				return h, fmt.Errorf("%w: NDims %q", models.ErrConfig, value)
			}
		case "DimSize":
			ints, err := parseInts(value, 3)
			if err != nil {
				return h, fmt.Errorf("%w: DimSize %q", models.ErrConfig, value)
			}
			copy(h.dimSize[:], ints)
		case "ElementSpacing":
			fs, err := parseFloats(value, 3)
			if err != nil {
				return h, fmt.Errorf("%w: ElementSpacing %q", models.ErrConfig, value)
			}
			copy(h.spacing[:], fs)
		case "Offset", "Position":
			fs, err := parseFloats(value, 3)
			if err != nil {
				return h, fmt.Errorf("%w: Offset %q", models.ErrConfig, value)
			}
			copy(h.offset[:], fs)
		case "TransformMatrix", "Orientation":
			fs, err := parseFloats(value, 9)
			if err != nil {
				return h, fmt.Errorf("%w: TransformMatrix %q", models.ErrConfig, value)
			}
			// MetaImage stores the matrix row-major, one direction cosine
			// row per axis.
			copy(h.direction[:], fs)
		case "ElementType":
			h.elementType = value
		case "ElementDataFile":
			h.dataFile = value
		case "ElementByteOrderMSB", "BinaryDataByteOrderMSB":
			h.byteOrder = value
		}
	}
	if err := scanner.Err(); err != nil {
		return h, fmt.Errorf("error reading header: %w", err)
	}

	if h.nDims != 3 {
		return h, fmt.Errorf("%w: NDims %d, only 3 is supported", models.ErrConfig, h.nDims)
	}
	if h.dimSize[0] < 1 || h.dimSize[1] < 1 || h.dimSize[2] < 1 {
		return h, fmt.Errorf("%w: missing or invalid DimSize", models.ErrConfig)
	}
	if h.dataFile == "" {
		return h, fmt.Errorf("%w: missing ElementDataFile", models.ErrConfig)
	}
	if strings.EqualFold(h.byteOrder, "True") {
		return h, fmt.Errorf("%w: big-endian element data is not supported", models.ErrConfig)
	}
	return h, nil
}

func parseInts(s string, n int) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(fields))
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(fields))
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// elementSize returns the bytes per voxel for a MetaImage element type.
func elementSize(elementType string) (int, error) {
	switch elementType {
	case "MET_UCHAR":
		return 1, nil
	case "MET_SHORT", "MET_USHORT":
		return 2, nil
	case "MET_FLOAT":
		return 4, nil
	case "MET_DOUBLE":
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: unsupported ElementType %q", models.ErrConfig, elementType)
	}
}

// readRaw loads the voxel payload and converts it to float64, z-major.
func readRaw(path string, h header) ([]float64, error) {
	size, err := elementSize(h.elementType)
	if err != nil {
		return nil, err
	}
	n := h.dimSize[0] * h.dimSize[1] * h.dimSize[2]

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading element data: %w", err)
	}
	if len(raw) < n*size {
		return nil, fmt.Errorf("%w: element data has %d bytes, need %d", models.ErrConfig, len(raw), n*size)
	}

	data := make([]float64, n)
	switch h.elementType {
	case "MET_UCHAR":
		for i := 0; i < n; i++ {
			data[i] = float64(raw[i])
		}
	case "MET_SHORT":
		for i := 0; i < n; i++ {
			data[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		}
	case "MET_USHORT":
		for i := 0; i < n; i++ {
			data[i] = float64(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	case "MET_FLOAT":
		for i := 0; i < n; i++ {
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	case "MET_DOUBLE":
		for i := 0; i < n; i++ {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	}
	return data, nil
}

func volumeFromHeader(h header) *models.Volume {
	v := models.NewVolume(h.dimSize, h.spacing)
	v.Origin = h.offset
	v.Direction = h.direction
	return v
}

// ReadVolume loads a MetaImage volume as float64 intensities. The
// ElementDataFile path is resolved relative to the header's directory.
func ReadVolume(path string) (*models.Volume, error) {
	h, err := parseHeader(path)
	if err != nil {
		return nil, err
	}
	data, err := readRaw(resolveDataFile(path, h.dataFile), h)
	if err != nil {
		return nil, err
	}
	v := volumeFromHeader(h)
	v.Data = data
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// ReadLabelMask loads a MetaImage label volume, truncating intensities to
// integer labels.
func ReadLabelMask(path string) (*models.LabelMask, error) {
	h, err := parseHeader(path)
	if err != nil {
		return nil, err
	}
	data, err := readRaw(resolveDataFile(path, h.dataFile), h)
	if err != nil {
		return nil, err
	}
	m := &models.LabelMask{Geometry: volumeFromHeader(h).Geometry}
	m.Labels = make([]int32, len(data))
	for i, v := range data {
		m.Labels[i] = int32(v)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func resolveDataFile(headerPath, dataFile string) string {
	if filepath.IsAbs(dataFile) {
		return dataFile
	}
	return filepath.Join(filepath.Dir(headerPath), dataFile)
}

// WriteVolume saves the volume as a MET_DOUBLE MetaImage pair. The .raw file
// sits next to the header and shares its base name.
func WriteVolume(path string, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	rawName := base + ".raw"

	var sb strings.Builder
	sb.WriteString("ObjectType = Image\n")
	sb.WriteString("NDims = 3\n")
	sb.WriteString("BinaryData = True\n")
	sb.WriteString("BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(&sb, "TransformMatrix = %s\n", formatMatrix(v.Direction))
	fmt.Fprintf(&sb, "Offset = %s\n", formatFloats(v.Origin[:]))
	fmt.Fprintf(&sb, "ElementSpacing = %s\n", formatFloats(v.Spacing[:]))
	fmt.Fprintf(&sb, "DimSize = %d %d %d\n", v.Size[0], v.Size[1], v.Size[2])
	sb.WriteString("ElementType = MET_DOUBLE\n")
	fmt.Fprintf(&sb, "ElementDataFile = %s\n", rawName)

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	raw := make([]byte, 8*len(v.Data))
	for i, d := range v.Data {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(d))
	}
	rawPath := filepath.Join(filepath.Dir(path), rawName)
	if err := os.WriteFile(rawPath, raw, 0644); err != nil {
		return fmt.Errorf("error writing element data: %w", err)
	}
	return nil
}

func formatFloats(fs []float64) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func formatMatrix(m [9]float64) string {
	return formatFloats(m[:])
}
