package trackers

import (
	"stereoposetracker/calibrators"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Tracker turns paired 2D observations from a calibrated stereo pair into 3D positions in the
// frame of camera 1.
type Tracker interface {
	Triangulate(p1, p2 []r2.Point) ([]r3.Vector, []bool, error)
	TriangulateLandmarks(l1, l2 []*Landmark, minVisibility float64) ([]*r3.Vector, error)
}

// StereoParametersProvider exposes the calibration a Tracker was built from.
type StereoParametersProvider interface {
	StereoParameters() *calibrators.StereoParameters
}
