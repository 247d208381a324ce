package utils

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"
)

// NumDistCoeffs is the length of the distortion vector in OpenCV order: k1, k2, p1, p2, k3.
const NumDistCoeffs = 5

// CameraModel is a pinhole camera with Brown-Conrady lens distortion.
type CameraModel struct {
	Intrinsics *transform.PinholeCameraIntrinsics
	Distortion *transform.BrownConrady
}

// NewCameraModel builds a model from a 3x3 camera matrix and OpenCV ordered distortion coefficients.
// size may be zero when the image size is unknown.
func NewCameraModel(k mat.Matrix, dist []float64, size image.Point) (*CameraModel, error) {
	if d, ok := k.(*mat.Dense); k == nil || (ok && d == nil) {
		return nil, errors.New("camera matrix is required")
	}
	if r, c := k.Dims(); r != 3 || c != 3 {
		return nil, fmt.Errorf("camera matrix must be 3x3, got %dx%d", r, c)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if v := k.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.New("camera matrix contains non-finite values")
			}
		}
	}
	if k.At(0, 0) <= 0 || k.At(1, 1) <= 0 {
		return nil, fmt.Errorf("focal lengths must be positive, got fx=%v fy=%v", k.At(0, 0), k.At(1, 1))
	}
	d, err := DistortionFromCoeffs(dist)
	if err != nil {
		return nil, err
	}
	return &CameraModel{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width:  size.X,
			Height: size.Y,
			Fx:     k.At(0, 0),
			Fy:     k.At(1, 1),
			Ppx:    k.At(0, 2),
			Ppy:    k.At(1, 2),
		},
		Distortion: d,
	}, nil
}

// DistortionFromCoeffs maps OpenCV ordered coefficients onto a BrownConrady model. Rational model
// vectors (8, 12 or 14 entries) are accepted only when every coefficient past k3 is zero.
func DistortionFromCoeffs(dist []float64) (*transform.BrownConrady, error) {
	for i, v := range dist {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("distortion coefficient %d is not finite", i)
		}
	}
	switch n := len(dist); {
	case n == 0:
		return &transform.BrownConrady{}, nil
	case n == 4 || n == 5:
	case n == 8 || n == 12 || n == 14:
		for i := NumDistCoeffs; i < n; i++ {
			if dist[i] != 0 {
				return nil, fmt.Errorf("unsupported distortion model: coefficient %d is %v", i, dist[i])
			}
		}
	default:
		return nil, fmt.Errorf("unsupported number of distortion coefficients: %d", n)
	}
	d := &transform.BrownConrady{
		RadialK1:     dist[0],
		RadialK2:     dist[1],
		TangentialP1: dist[2],
		TangentialP2: dist[3],
	}
	if len(dist) > 4 {
		d.RadialK3 = dist[4]
	}
	return d, nil
}

// CameraMatrix returns the 3x3 camera matrix.
func (m *CameraModel) CameraMatrix() *mat.Dense {
	return m.Intrinsics.GetCameraMatrix()
}

// DistCoeffs returns the distortion vector in OpenCV order.
func (m *CameraModel) DistCoeffs() []float64 {
	if m.Distortion == nil {
		return make([]float64, NumDistCoeffs)
	}
	return []float64{
		m.Distortion.RadialK1,
		m.Distortion.RadialK2,
		m.Distortion.TangentialP1,
		m.Distortion.TangentialP2,
		m.Distortion.RadialK3,
	}
}

// Project maps a point in the camera frame to pixel coordinates, applying lens distortion.
func (m *CameraModel) Project(p r3.Vector) r2.Point {
	x, y := p.X/p.Z, p.Y/p.Z
	if m.Distortion != nil {
		x, y = m.Distortion.Transform(x, y)
	}
	return r2.Point{
		X: m.Intrinsics.Fx*x + m.Intrinsics.Ppx,
		Y: m.Intrinsics.Fy*y + m.Intrinsics.Ppy,
	}
}

// ProjectPose maps a point given in an object frame placed in the camera frame by (rot, t).
func (m *CameraModel) ProjectPose(rot mat.Matrix, t r3.Vector, p r3.Vector) r2.Point {
	return m.Project(Rotate(rot, p).Add(t))
}

// Normalize removes the intrinsics and lens distortion from a pixel, returning normalized
// image coordinates (x/z, y/z).
func (m *CameraModel) Normalize(px r2.Point) r2.Point {
	x, y, _ := m.Intrinsics.PixelToPoint(px.X, px.Y, 1)
	if m.Distortion != nil {
		inv := transform.InverseBrownConrady{
			RadialK1:     m.Distortion.RadialK1,
			RadialK2:     m.Distortion.RadialK2,
			RadialK3:     m.Distortion.RadialK3,
			TangentialP1: m.Distortion.TangentialP1,
			TangentialP2: m.Distortion.TangentialP2,
		}
		x, y = inv.Transform(x, y)
	}
	return r2.Point{X: x, Y: y}
}

// NormalizeAll applies Normalize to every pixel.
func (m *CameraModel) NormalizeAll(pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = m.Normalize(p)
	}
	return out
}

// IsFinitePoint reports whether both coordinates are finite.
func IsFinitePoint(p r2.Point) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}
