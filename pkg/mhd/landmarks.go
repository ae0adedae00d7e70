package mhd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"nonrigid3d/internal/models"
)

// ReadLandmarks loads physical points from a text file, one point per line
// as three whitespace-separated coordinates. Blank lines and lines starting
// with '#' are skipped.
func ReadLandmarks(path string) (models.LandmarkSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening landmark file: %w", err)
	}
	defer f.Close()

	var points models.LandmarkSet
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: landmark line %d has %d values, want 3", models.ErrConfig, lineNo, len(fields))
		}
		var p [3]float64
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: landmark line %d: %v", models.ErrConfig, lineNo, err)
			}
			p[i] = v
		}
		points = append(points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading landmark file: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: landmark file %s contains no points", models.ErrConfig, path)
	}
	return points, nil
}
