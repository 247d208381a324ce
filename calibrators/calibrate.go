package calibrators

import (
	"fmt"
	"image"
	"math"
	"stereoposetracker/utils"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"
)

// Observation is one view of the board: object points and their detected pixels, index aligned.
type Observation struct {
	ObjectPoints []r3.Vector
	ImagePoints  []r2.Point
}

func (o Observation) clone() Observation {
	return Observation{
		ObjectPoints: append([]r3.Vector(nil), o.ObjectPoints...),
		ImagePoints:  append([]r2.Point(nil), o.ImagePoints...),
	}
}

// number of intrinsic parameters in the solve: fx, fy, cx, cy, k1, k2, p1, p2, k3
const numIntrinsicParams = 4 + utils.NumDistCoeffs

// CalibrateCamera solves the camera matrix and distortion from planar board observations. The
// initial focal lengths come from the per-view homographies, then the intrinsics and every view
// pose are refined jointly by minimizing pixel reprojection error.
func CalibrateCamera(logger logging.Logger, observations []Observation, imageSize image.Point) (Intrinsics, error) {
	if len(observations) < MinObservations {
		return Intrinsics{}, fmt.Errorf("%w: need at least %d observations, have %d",
			ErrInsufficientData, MinObservations, len(observations))
	}
	if imageSize.X <= 0 || imageSize.Y <= 0 {
		return Intrinsics{}, fmt.Errorf("%w: invalid image size %v", ErrCalibrationFailure, imageSize)
	}

	homographies := make([]*mat.Dense, len(observations))
	total := 0
	for i, obs := range observations {
		if len(obs.ObjectPoints) != len(obs.ImagePoints) || len(obs.ObjectPoints) < 4 {
			return Intrinsics{}, fmt.Errorf("%w: observation %d has %d object and %d image points",
				ErrCalibrationFailure, i, len(obs.ObjectPoints), len(obs.ImagePoints))
		}
		h, err := utils.FindHomography(utils.PlanarPoints(obs.ObjectPoints), obs.ImagePoints)
		if err != nil {
			return Intrinsics{}, fmt.Errorf("%w: observation %d: %w", ErrCalibrationFailure, i, err)
		}
		homographies[i] = h
		total += len(obs.ObjectPoints)
	}

	fx, fy, cx, cy := initIntrinsics(logger, homographies, imageSize)
	k0 := mat.NewDense(3, 3, []float64{fx, 0, cx, 0, fy, cy, 0, 0, 1})

	x0 := make([]float64, numIntrinsicParams+6*len(observations))
	x0[0], x0[1], x0[2], x0[3] = fx, fy, cx, cy
	for i, h := range homographies {
		rvec, tvec, err := utils.PoseFromHomography(h, k0)
		if err != nil {
			return Intrinsics{}, fmt.Errorf("%w: observation %d: %w", ErrCalibrationFailure, i, err)
		}
		setPose(x0[numIntrinsicParams+6*i:], rvec, tvec)
	}

	problem := utils.LeastSquaresProblem{
		NumResiduals: 2 * total,
		Residuals: func(dst, x []float64) {
			cam := cameraFromParams(x)
			off := 0
			for i, obs := range observations {
				rvec, tvec := poseFromParams(x[numIntrinsicParams+6*i:])
				rot := utils.Rodrigues(rvec)
				for j, p := range obs.ObjectPoints {
					proj := cam.ProjectPose(rot, tvec, p)
					dst[off] = proj.X - obs.ImagePoints[j].X
					dst[off+1] = proj.Y - obs.ImagePoints[j].Y
					off += 2
				}
			}
		},
	}
	res, err := utils.LevenbergMarquardt(problem, x0, nil)
	if err != nil {
		return Intrinsics{}, fmt.Errorf("%w: %w", ErrCalibrationFailure, err)
	}
	logger.Debugf("Intrinsic solve finished after %d iterations (converged=%v)", res.Iterations, res.Converged)

	cam := cameraFromParams(res.X)
	perView := make([]float64, len(observations))
	sumSq := 0.0
	for i, obs := range observations {
		rvec, tvec := poseFromParams(res.X[numIntrinsicParams+6*i:])
		rot := utils.Rodrigues(rvec)
		viewSq := 0.0
		for j, p := range obs.ObjectPoints {
			d := cam.ProjectPose(rot, tvec, p).Sub(obs.ImagePoints[j])
			viewSq += d.X*d.X + d.Y*d.Y
		}
		perView[i] = math.Sqrt(viewSq / float64(len(obs.ObjectPoints)))
		sumSq += viewSq
	}
	rms := math.Sqrt(sumSq / float64(total))

	in := Intrinsics{
		CameraMatrix:         cam.CameraMatrix(),
		DistCoeffs:           cam.DistCoeffs(),
		ReprojectionError:    rms,
		HasReprojectionError: true,
		PerViewErrors:        perView,
	}
	if err := in.Validate(); err != nil {
		return Intrinsics{}, err
	}
	if worst, err := stats.Max(perView); err == nil {
		median, _ := stats.Median(perView)
		logger.Infof("Calibrated %d views: rms=%.4fpx per-view median=%.4fpx worst=%.4fpx fx=%.2f fy=%.2f cx=%.2f cy=%.2f",
			len(observations), rms, median, worst, cam.Intrinsics.Fx, cam.Intrinsics.Fy, cam.Intrinsics.Ppx, cam.Intrinsics.Ppy)
	}
	return in, nil
}

// initIntrinsics estimates fx and fy with the principal point fixed at the image center, from the
// orthogonality and equal norm of the first two homography columns.
func initIntrinsics(logger logging.Logger, homographies []*mat.Dense, imageSize image.Point) (fx, fy, cx, cy float64) {
	cx = float64(imageSize.X-1) / 2
	cy = float64(imageSize.Y-1) / 2
	fallback := math.Max(float64(imageSize.X), float64(imageSize.Y))

	a := mat.NewDense(2*len(homographies), 2, nil)
	b := mat.NewVecDense(2*len(homographies), nil)
	for i, h := range homographies {
		// shift the principal point to the origin
		col := func(j int) r3.Vector {
			return r3.Vector{
				X: h.At(0, j) - h.At(2, j)*cx,
				Y: h.At(1, j) - h.At(2, j)*cy,
				Z: h.At(2, j),
			}
		}
		h1, h2 := col(0), col(1)
		d1 := h1.Add(h2).Mul(0.5)
		d2 := h1.Sub(h2).Mul(0.5)
		h1, h2, d1, d2 = unit(h1), unit(h2), unit(d1), unit(d2)

		a.Set(2*i, 0, h1.X*h2.X)
		a.Set(2*i, 1, h1.Y*h2.Y)
		b.SetVec(2*i, -h1.Z*h2.Z)
		a.Set(2*i+1, 0, d1.X*d2.X)
		a.Set(2*i+1, 1, d1.Y*d2.Y)
		b.SetVec(2*i+1, -d1.Z*d2.Z)
	}

	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		logger.Debugf("Focal length initialization is degenerate (%v), using %.0f", err, fallback)
		return fallback, fallback, cx, cy
	}
	fx, fy = math.Sqrt(1/f.AtVec(0)), math.Sqrt(1/f.AtVec(1))
	if !validFocal(fx) || !validFocal(fy) {
		logger.Debugf("Focal length initialization gave fx=%v fy=%v, using %.0f", fx, fy, fallback)
		return fallback, fallback, cx, cy
	}
	return fx, fy, cx, cy
}

func validFocal(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}

func unit(v r3.Vector) r3.Vector {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Mul(1 / n)
}

func cameraFromParams(x []float64) *utils.CameraModel {
	return &utils.CameraModel{
		Intrinsics: &transform.PinholeCameraIntrinsics{Fx: x[0], Fy: x[1], Ppx: x[2], Ppy: x[3]},
		Distortion: &transform.BrownConrady{
			RadialK1:     x[4],
			RadialK2:     x[5],
			TangentialP1: x[6],
			TangentialP2: x[7],
			RadialK3:     x[8],
		},
	}
}

func setPose(dst []float64, rvec, tvec r3.Vector) {
	dst[0], dst[1], dst[2] = rvec.X, rvec.Y, rvec.Z
	dst[3], dst[4], dst[5] = tvec.X, tvec.Y, tvec.Z
}

func poseFromParams(x []float64) (r3.Vector, r3.Vector) {
	return r3.Vector{X: x[0], Y: x[1], Z: x[2]}, r3.Vector{X: x[3], Y: x[4], Z: x[5]}
}
