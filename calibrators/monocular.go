package calibrators

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"stereoposetracker/chessboard"
	"stereoposetracker/corners"
	"stereoposetracker/store"
	"stereoposetracker/utils"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
)

// MinObservations is the smallest number of board views a monocular solve accepts.
const MinObservations = 3

// MonocularCalibrator accumulates board observations of one camera and solves its intrinsics.
// It is not safe for concurrent use.
type MonocularCalibrator struct {
	logger       logging.Logger
	board        chessboard.Geometry
	detector     corners.Detector
	objectPoints []r3.Vector

	state        State
	observations []Observation
	calibration  *Intrinsics
	imageSize    image.Point

	// LockTimeout bounds the wait for the artifact lock in Save and Load.
	LockTimeout time.Duration
}

// NewMonocularCalibrator returns an empty calibrator for board.
func NewMonocularCalibrator(board chessboard.Geometry, detector corners.Detector, logger logging.Logger) (*MonocularCalibrator, error) {
	if err := board.Validate(); err != nil {
		return nil, err
	}
	if detector == nil {
		return nil, errors.New("corner detector is required")
	}
	return &MonocularCalibrator{
		logger:       logger,
		board:        board,
		detector:     detector,
		objectPoints: board.ObjectPoints(),
		state:        StateEmpty,
		LockTimeout:  store.DefaultLockTimeout,
	}, nil
}

// AddObservation detects the board in img and stores the view. It reports whether the board was found.
func (c *MonocularCalibrator) AddObservation(img image.Image) bool {
	if img == nil {
		return false
	}
	pts, found := c.detector.Detect(img)
	if !found {
		return false
	}
	if !c.AddCorners(pts) {
		return false
	}
	c.imageSize = img.Bounds().Size()
	return true
}

// AddCorners stores corners that were detected elsewhere, in chessboard.Geometry.ObjectPoints order.
func (c *MonocularCalibrator) AddCorners(pts []r2.Point) bool {
	if len(pts) != c.board.Count() {
		c.logger.Debugf("Ignoring observation with %d corners, expected %d", len(pts), c.board.Count())
		return false
	}
	for _, p := range pts {
		if !utils.IsFinitePoint(p) {
			return false
		}
	}
	c.observations = append(c.observations, Observation{
		ObjectPoints: append([]r3.Vector(nil), c.objectPoints...),
		ImagePoints:  append([]r2.Point(nil), pts...),
	})
	c.state = StateAccumulating
	return true
}

// Observations returns copies of the stored views.
func (c *MonocularCalibrator) Observations() []Observation {
	out := make([]Observation, len(c.observations))
	for i, o := range c.observations {
		out[i] = o.clone()
	}
	return out
}

// Len is the number of stored views.
func (c *MonocularCalibrator) Len() int {
	return len(c.observations)
}

// State reports where the calibrator is in its lifecycle.
func (c *MonocularCalibrator) State() State {
	return c.state
}

// ImageSize is the size of the last image passed to AddObservation.
func (c *MonocularCalibrator) ImageSize() image.Point {
	return c.imageSize
}

// Reset drops every observation and the calibration.
func (c *MonocularCalibrator) Reset() {
	c.observations = nil
	c.calibration = nil
	c.state = StateEmpty
}

// Calibrate solves the intrinsics from the stored views and returns the RMS reprojection error in
// pixels. A zero imageSize uses the size of the last observed image.
func (c *MonocularCalibrator) Calibrate(imageSize image.Point) (float64, error) {
	if len(c.observations) < MinObservations {
		return 0, fmt.Errorf("%w: need at least %d observations, have %d",
			ErrInsufficientData, MinObservations, len(c.observations))
	}
	if imageSize == (image.Point{}) {
		imageSize = c.imageSize
	}

	views := make([][]r2.Point, len(c.observations))
	for i, o := range c.observations {
		views[i] = o.ImagePoints
	}
	utils.ValidateObservations(c.logger, views, imageSize)

	in, err := CalibrateCamera(c.logger, c.observations, imageSize)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(in.ReprojectionError) {
		return 0, fmt.Errorf("%w: reprojection error is not finite", ErrCalibrationFailure)
	}
	c.calibration = &in
	c.imageSize = imageSize
	c.state = StateCalibrated
	return in.ReprojectionError, nil
}

// Calibration returns the latest solved or loaded intrinsics. Adding views after a solve keeps the
// previous result readable until the next Calibrate.
func (c *MonocularCalibrator) Calibration() (Intrinsics, error) {
	if c.calibration == nil {
		return Intrinsics{}, ErrNotCalibrated
	}
	return c.calibration.clone(), nil
}

// ReprojectionError returns the RMS error of the latest calibration.
func (c *MonocularCalibrator) ReprojectionError() (float64, error) {
	if c.calibration == nil {
		return 0, ErrNotCalibrated
	}
	if !c.calibration.HasReprojectionError {
		return 0, fmt.Errorf("%w: reprojection error unknown for the loaded calibration", ErrNotCalibrated)
	}
	return c.calibration.ReprojectionError, nil
}

// Save writes the calibration to path.
func (c *MonocularCalibrator) Save(ctx context.Context, path string) error {
	if c.calibration == nil {
		return ErrNotCalibrated
	}
	return SaveIntrinsics(ctx, path, *c.calibration, c.LockTimeout)
}

// Load replaces the calibration with the one stored at path. Stored views are kept.
func (c *MonocularCalibrator) Load(ctx context.Context, path string) error {
	in, err := LoadIntrinsics(ctx, path, c.LockTimeout)
	if err != nil {
		return err
	}
	c.calibration = &in
	c.state = StateCalibrated
	return nil
}
