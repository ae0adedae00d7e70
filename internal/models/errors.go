package models

import "errors"

// ErrConfig marks configuration problems detected before any iteration runs:
// mismatched pyramid schedule lengths, non-positive spacing, landmark count
// mismatches. Wrapped with context via fmt.Errorf("%w: ...").
var ErrConfig = errors.New("configuration error")

// ErrNumerical marks a non-finite metric or gradient value encountered during
// optimization. The current level is aborted; the transform keeps the last
// valid parameter vector.
var ErrNumerical = errors.New("numerical error")
