package models

import "fmt"

// LandmarkSet is an ordered sequence of physical-space points. Fixed and
// moving acquisitions carry one set each; correspondence is positional, so
// paired sets must have equal length.
type LandmarkSet [][3]float64

// Len returns the number of landmarks.
func (s LandmarkSet) Len() int { return len(s) }

// CheckPaired verifies that fixed and moving landmark sets can be paired
// index for index.
func CheckPaired(fixed, moving LandmarkSet) error {
	if fixed.Len() != moving.Len() {
		return fmt.Errorf("%w: %d fixed landmarks vs %d moving landmarks", ErrConfig, fixed.Len(), moving.Len())
	}
	if fixed.Len() == 0 {
		return fmt.Errorf("%w: empty landmark sets", ErrConfig)
	}
	return nil
}
