// Package calibrators solves camera intrinsics from checkerboard observations and the extrinsics
// of a stereo pair, and persists both as calibration artifacts.
package calibrators

import "errors"

var (
	// ErrInsufficientData is returned when a solve is attempted with too few observations.
	ErrInsufficientData = errors.New("insufficient calibration data")
	// ErrDetectionFailure is returned when the board could not be found where it was required.
	ErrDetectionFailure = errors.New("checkerboard not detected")
	// ErrCalibrationFailure is returned for degenerate inputs and solves that produce unusable results.
	ErrCalibrationFailure = errors.New("calibration failed")
	// ErrNotCalibrated is returned when results are read before a successful solve or load.
	ErrNotCalibrated = errors.New("camera not calibrated")
)
