package utils

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

var errDegenerateHomography = errors.New("degenerate point configuration for homography")

// normalizationTransform returns the similarity that moves the centroid of pts to the origin and
// scales their mean distance to sqrt(2).
func normalizationTransform(pts []r2.Point) *mat.Dense {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	meanDist := 0.0
	for _, p := range pts {
		meanDist += p.Sub(c).Norm()
	}
	meanDist /= float64(len(pts))
	s := 1.0
	if meanDist > 1e-12 {
		s = math.Sqrt2 / meanDist
	}
	return mat.NewDense(3, 3, []float64{
		s, 0, -s * c.X,
		0, s, -s * c.Y,
		0, 0, 1,
	})
}

// ApplyHomography maps a point through a 3x3 homography.
func ApplyHomography(h mat.Matrix, p r2.Point) r2.Point {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Point{X: x / w, Y: y / w}
}

// FindHomography estimates H with dst ~ H·src from at least 4 correspondences using the
// normalized direct linear transform. The result is scaled so H[2][2] = 1.
func FindHomography(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("mismatched correspondences: %d vs %d", len(src), len(dst))
	}
	n := len(src)
	if n < 4 {
		return nil, fmt.Errorf("need at least 4 correspondences, got %d", n)
	}
	ts := normalizationTransform(src)
	td := normalizationTransform(dst)

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		s := ApplyHomography(ts, src[i])
		d := ApplyHomography(td, dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, errDegenerateHomography
	}
	values := svd.Values(nil)
	// rank 8 is required; a collinear set collapses a second singular value
	if len(values) >= 8 && values[7] < 1e-10*values[0] {
		return nil, errDegenerateHomography
	}
	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	var tdInv mat.Dense
	if err := tdInv.Inverse(td); err != nil {
		return nil, fmt.Errorf("%w: %w", errDegenerateHomography, err)
	}
	var h mat.Dense
	h.Product(&tdInv, hn, ts)
	scale := h.At(2, 2)
	if math.Abs(scale) < 1e-15 {
		return nil, errDegenerateHomography
	}
	h.Scale(1/scale, &h)
	return &h, nil
}
