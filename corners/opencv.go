//go:build opencv

package corners

import (
	"image"
	"stereoposetracker/chessboard"

	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"
	"gocv.io/x/gocv"
)

func init() {
	Register("opencv", func(board chessboard.Geometry, logger logging.Logger) (Detector, error) {
		return NewOpenCVDetector(board, logger)
	})
}

// OpenCVDetector wraps findChessboardCorners and cornerSubPix.
type OpenCVDetector struct {
	board  chessboard.Geometry
	logger logging.Logger
}

// NewOpenCVDetector returns a detector backed by OpenCV.
func NewOpenCVDetector(board chessboard.Geometry, logger logging.Logger) (*OpenCVDetector, error) {
	if err := board.Validate(); err != nil {
		return nil, err
	}
	return &OpenCVDetector{board: board, logger: logger}, nil
}

// Detect implements Detector.
func (d *OpenCVDetector) Detect(img image.Image) ([]r2.Point, bool) {
	if img == nil {
		return nil, false
	}
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		d.logger.Debugf("failed to convert image: %v", err)
		return nil, false
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	found := gocv.NewMat()
	defer found.Close()
	pattern := image.Pt(d.board.Cols, d.board.Rows)
	if !gocv.FindChessboardCorners(gray, pattern, &found, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage) {
		return nil, false
	}
	if found.Rows() != d.board.Count() {
		return nil, false
	}
	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, defaultSubPixIters, defaultSubPixEpsilon)
	gocv.CornerSubPix(gray, &found, image.Pt(defaultSubPixWindow, defaultSubPixWindow), image.Pt(-1, -1), criteria)

	pts := make([]r2.Point, found.Rows())
	for i := range pts {
		v := found.GetVecfAt(i, 0)
		pts[i] = r2.Point{X: float64(v[0]), Y: float64(v[1])}
	}
	// OpenCV may start from either end of the board; keep the top-left start used by every detector
	if last := pts[len(pts)-1]; last.X+last.Y < pts[0].X+pts[0].Y {
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}
	return pts, true
}
