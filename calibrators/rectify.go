package calibrators

import (
	"fmt"
	"image"
	"math"
	"stereoposetracker/utils"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// rectangleGrid is the number of samples per image axis used to find the valid rectified region.
const rectangleGrid = 9

// Rectification holds the rotations that make the epipolar lines of a stereo pair parallel to an
// image axis, the projection matrices of the rectified cameras and the disparity-to-depth matrix.
type Rectification struct {
	R1, R2 *mat.Dense // 3x3
	P1, P2 *mat.Dense // 3x4
	Q      *mat.Dense // 4x4
}

// StereoRectify computes the rectification of a calibrated pair where X2 = rot·X1 + t. Both
// rectified cameras share the principal point (zero disparity at infinity) and the scale is
// chosen so the rectified images contain only valid pixels. The rig is treated as horizontal
// when |t.X| dominates the rotated baseline and as vertical otherwise.
func StereoRectify(
	k1 mat.Matrix, d1 []float64,
	k2 mat.Matrix, d2 []float64,
	imageSize image.Point, rot mat.Matrix, t r3.Vector,
) (*Rectification, error) {
	if imageSize.X <= 1 || imageSize.Y <= 1 {
		return nil, fmt.Errorf("%w: invalid image size %v", ErrCalibrationFailure, imageSize)
	}
	cam1, err := utils.NewCameraModel(k1, d1, imageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: camera 1: %w", ErrCalibrationFailure, err)
	}
	cam2, err := utils.NewCameraModel(k2, d2, imageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: camera 2: %w", ErrCalibrationFailure, err)
	}
	if t.Norm() < 1e-9 {
		return nil, fmt.Errorf("%w: zero baseline", ErrCalibrationFailure)
	}

	// rotate both cameras half way so they share an orientation
	om := utils.RotationVector(rot).Mul(-0.5)
	rr := utils.Rodrigues(om)
	tr := utils.Rotate(rr, t)

	idx := 1
	if math.Abs(tr.X) > math.Abs(tr.Y) {
		idx = 0
	}
	c := component(tr, idx)
	var uu r3.Vector
	if c > 0 {
		uu = setComponent(uu, idx, 1)
	} else {
		uu = setComponent(uu, idx, -1)
	}

	// then turn the common frame so the baseline lies along the chosen image axis
	ww := tr.Cross(uu)
	if nw := ww.Norm(); nw > 0 {
		ww = ww.Mul(math.Acos(math.Abs(c)/tr.Norm()) / nw)
	}
	wR := utils.Rodrigues(ww)

	rect1 := mat.NewDense(3, 3, nil)
	rect1.Mul(wR, rr.T())
	rect2 := mat.NewDense(3, 3, nil)
	rect2.Mul(wR, rr)
	tRect := utils.Rotate(rect2, t)

	fc := math.Inf(1)
	for _, cam := range []*utils.CameraModel{cam1, cam2} {
		f := cam.Intrinsics.Fx
		if idx == 0 {
			f = cam.Intrinsics.Fy
		}
		if dk1 := cam.Distortion.RadialK1; dk1 < 0 {
			nx, ny := float64(imageSize.X), float64(imageSize.Y)
			f *= 1 + dk1*(nx*nx+ny*ny)/(4*f*f)
		}
		fc = math.Min(fc, f)
	}

	w, h := float64(imageSize.X-1), float64(imageSize.Y-1)
	corners := []r2.Point{{X: 0, Y: 0}, {X: w, Y: 0}, {X: 0, Y: h}, {X: w, Y: h}}
	var cc [2]r2.Point
	for k, cam := range []*utils.CameraModel{cam1, cam2} {
		rk := rect1
		if k == 1 {
			rk = rect2
		}
		var avg r2.Point
		for _, p := range corners {
			avg = avg.Add(rectifyNormalized(cam, rk, p).Mul(fc))
		}
		avg = avg.Mul(1.0 / float64(len(corners)))
		cc[k] = r2.Point{X: w/2 - avg.X, Y: h/2 - avg.Y}
	}
	shared := cc[0].Add(cc[1]).Mul(0.5)
	cc[0], cc[1] = shared, shared

	// scale so every rectified pixel maps back inside both source images
	inner1 := innerRectangle(cam1, rect1, fc, cc[0], imageSize)
	inner2 := innerRectangle(cam2, rect2, fc, cc[1], imageSize)
	s := math.Max(scaleToFit(inner1, cc[0], imageSize), scaleToFit(inner2, cc[1], imageSize))
	if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
		return nil, fmt.Errorf("%w: rectified image has no valid region", ErrCalibrationFailure)
	}
	fc *= s

	p1 := mat.NewDense(3, 4, []float64{
		fc, 0, cc[0].X, 0,
		0, fc, cc[0].Y, 0,
		0, 0, 1, 0,
	})
	p2 := mat.NewDense(3, 4, []float64{
		fc, 0, cc[1].X, 0,
		0, fc, cc[1].Y, 0,
		0, 0, 1, 0,
	})
	tIdx := component(tRect, idx)
	p2.Set(idx, 3, tIdx*fc)

	var ccDiff float64
	if idx == 0 {
		ccDiff = cc[0].X - cc[1].X
	} else {
		ccDiff = cc[0].Y - cc[1].Y
	}
	q := mat.NewDense(4, 4, []float64{
		1, 0, 0, -cc[0].X,
		0, 1, 0, -cc[0].Y,
		0, 0, 0, fc,
		0, 0, -1 / tIdx, ccDiff / tIdx,
	})
	return &Rectification{R1: rect1, R2: rect2, P1: p1, P2: p2, Q: q}, nil
}

// RectifyPoint maps a raw pixel of cam into the rectified image defined by rect (3x3) and proj (3x4).
func RectifyPoint(cam *utils.CameraModel, rect, proj mat.Matrix, px r2.Point) r2.Point {
	n := rectifyNormalized(cam, rect, px)
	return r2.Point{
		X: proj.At(0, 0)*n.X + proj.At(0, 2),
		Y: proj.At(1, 1)*n.Y + proj.At(1, 2),
	}
}

// ReprojectDisparity applies Q to a rectified pixel of camera 1 and its disparity x1-x2 (or y1-y2
// for a vertical rig), returning the point in the rectified camera 1 frame.
func ReprojectDisparity(q mat.Matrix, px r2.Point, disparity float64) r3.Vector {
	in := []float64{px.X, px.Y, disparity, 1}
	var out [4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i] += q.At(i, j) * in[j]
		}
	}
	return r3.Vector{X: out[0] / out[3], Y: out[1] / out[3], Z: out[2] / out[3]}
}

func rectifyNormalized(cam *utils.CameraModel, rect mat.Matrix, px r2.Point) r2.Point {
	n := cam.Normalize(px)
	x := utils.Rotate(rect, r3.Vector{X: n.X, Y: n.Y, Z: 1})
	return r2.Point{X: x.X / x.Z, Y: x.Y / x.Z}
}

type rectangle struct {
	x0, y0, x1, y1 float64
}

// innerRectangle is the largest axis aligned rectangle, sampled on a grid, that only contains
// rectified pixels coming from inside the source image.
func innerRectangle(cam *utils.CameraModel, rect mat.Matrix, fc float64, cc r2.Point, size image.Point) rectangle {
	proj := mat.NewDense(3, 4, []float64{fc, 0, cc.X, 0, 0, fc, cc.Y, 0, 0, 0, 1, 0})
	in := rectangle{x0: math.Inf(-1), y0: math.Inf(-1), x1: math.Inf(1), y1: math.Inf(1)}
	n := rectangleGrid
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			src := r2.Point{
				X: float64(x) * float64(size.X-1) / float64(n-1),
				Y: float64(y) * float64(size.Y-1) / float64(n-1),
			}
			p := RectifyPoint(cam, rect, proj, src)
			if x == 0 {
				in.x0 = math.Max(in.x0, p.X)
			}
			if x == n-1 {
				in.x1 = math.Min(in.x1, p.X)
			}
			if y == 0 {
				in.y0 = math.Max(in.y0, p.Y)
			}
			if y == n-1 {
				in.y1 = math.Min(in.y1, p.Y)
			}
		}
	}
	return in
}

// scaleToFit is the zoom about cc that makes the inner rectangle cover the whole image.
func scaleToFit(in rectangle, cc r2.Point, size image.Point) float64 {
	w, h := float64(size.X), float64(size.Y)
	return math.Max(
		math.Max(cc.X/(cc.X-in.x0), cc.Y/(cc.Y-in.y0)),
		math.Max((w-cc.X)/(in.x1-cc.X), (h-cc.Y)/(in.y1-cc.Y)),
	)
}

func component(v r3.Vector, idx int) float64 {
	if idx == 0 {
		return v.X
	}
	return v.Y
}

func setComponent(v r3.Vector, idx int, value float64) r3.Vector {
	if idx == 0 {
		v.X = value
	} else {
		v.Y = value
	}
	return v
}
