package utils

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// PoseFromHomography recovers the pose of the Z=0 plane from a homography expressed in the
// camera described by k (pass the identity when the homography maps onto normalized coordinates).
// The returned pose places the plane in front of the camera.
func PoseFromHomography(h mat.Matrix, k mat.Matrix) (rvec, tvec r3.Vector, err error) {
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return r3.Vector{}, r3.Vector{}, fmt.Errorf("camera matrix is singular: %w", err)
	}
	var m mat.Dense
	m.Mul(&kInv, h)

	m1 := r3.Vector{X: m.At(0, 0), Y: m.At(1, 0), Z: m.At(2, 0)}
	m2 := r3.Vector{X: m.At(0, 1), Y: m.At(1, 1), Z: m.At(2, 1)}
	m3 := r3.Vector{X: m.At(0, 2), Y: m.At(1, 2), Z: m.At(2, 2)}
	norm := (m1.Norm() + m2.Norm()) / 2
	if norm < 1e-12 {
		return r3.Vector{}, r3.Vector{}, errors.New("degenerate homography")
	}
	lambda := 1 / norm
	if m3.Z < 0 {
		lambda = -lambda
	}
	c1 := m1.Mul(lambda)
	c2 := m2.Mul(lambda)
	t := m3.Mul(lambda)
	c3 := c1.Cross(c2)

	rot := mat.NewDense(3, 3, []float64{
		c1.X, c2.X, c3.X,
		c1.Y, c2.Y, c3.Y,
		c1.Z, c2.Z, c3.Z,
	})
	return RotationVector(NearestRotation(rot)), t, nil
}

// PlanarPoints drops the Z coordinate of board points.
func PlanarPoints(obj []r3.Vector) []r2.Point {
	out := make([]r2.Point, len(obj))
	for i, p := range obj {
		out[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return out
}

// SolvePlanarPose estimates the pose of a planar (Z=0) target seen by a calibrated camera: a
// homography on undistorted normalized coordinates gives the initial guess which is refined by
// minimizing pixel reprojection error.
func SolvePlanarPose(obj []r3.Vector, img []r2.Point, cam *CameraModel) (rvec, tvec r3.Vector, rms float64, err error) {
	if len(obj) != len(img) {
		return r3.Vector{}, r3.Vector{}, 0, fmt.Errorf("mismatched point counts: %d object vs %d image", len(obj), len(img))
	}
	if len(obj) < 4 {
		return r3.Vector{}, r3.Vector{}, 0, fmt.Errorf("need at least 4 points, got %d", len(obj))
	}
	h, err := FindHomography(PlanarPoints(obj), cam.NormalizeAll(img))
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}
	rvec, tvec, err = PoseFromHomography(h, Identity(3))
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}

	problem := LeastSquaresProblem{
		NumResiduals: 2 * len(obj),
		Residuals: func(dst, x []float64) {
			rot := Rodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]})
			t := r3.Vector{X: x[3], Y: x[4], Z: x[5]}
			for i, p := range obj {
				proj := cam.ProjectPose(rot, t, p)
				dst[2*i] = proj.X - img[i].X
				dst[2*i+1] = proj.Y - img[i].Y
			}
		},
	}
	res, err := LevenbergMarquardt(problem, []float64{rvec.X, rvec.Y, rvec.Z, tvec.X, tvec.Y, tvec.Z}, nil)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, 0, err
	}
	rvec = r3.Vector{X: res.X[0], Y: res.X[1], Z: res.X[2]}
	tvec = r3.Vector{X: res.X[3], Y: res.X[4], Z: res.X[5]}
	return rvec, tvec, math.Sqrt(res.Cost / float64(len(obj))), nil
}
