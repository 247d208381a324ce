package trackers

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/samber/lo"
)

// Landmark is a 2D pose keypoint as produced by MediaPipe: X and Y are normalized to [0, 1] across
// the image width and height, Visibility is a confidence in [0, 1].
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Visibility float64 `json:"visibility"`
}

func (l *Landmark) usable(minVisibility float64) bool {
	if l == nil {
		return false
	}
	if math.IsNaN(l.X) || math.IsNaN(l.Y) || math.IsInf(l.X, 0) || math.IsInf(l.Y, 0) {
		return false
	}
	return l.Visibility >= minVisibility
}

// TriangulateLandmarks triangulates the landmarks seen in both cameras. The result has one entry per
// landmark index; entries missing in either camera, below minVisibility, or behind either camera are
// nil.
func (tr *Triangulator) TriangulateLandmarks(l1, l2 []*Landmark, minVisibility float64) ([]*r3.Vector, error) {
	if len(l1) != len(l2) {
		return nil, fmt.Errorf("%w: %d landmarks in camera 1, %d in camera 2", ErrInvalidCorrespondences, len(l1), len(l2))
	}
	indices := lo.Filter(lo.Range(len(l1)), func(i int, _ int) bool {
		return l1[i].usable(minVisibility) && l2[i].usable(minVisibility)
	})
	p1 := lo.Map(indices, func(i int, _ int) r2.Point { return tr.toPixel(l1[i]) })
	p2 := lo.Map(indices, func(i int, _ int) r2.Point { return tr.toPixel(l2[i]) })

	points, valid, err := tr.Triangulate(p1, p2)
	if err != nil {
		return nil, err
	}
	out := make([]*r3.Vector, len(l1))
	for j, i := range indices {
		if valid[j] {
			p := points[j]
			out[i] = &p
		}
	}
	return out, nil
}

func (tr *Triangulator) toPixel(l *Landmark) r2.Point {
	return r2.Point{X: l.X * float64(tr.params.ImageSize.X), Y: l.Y * float64(tr.params.ImageSize.Y)}
}
