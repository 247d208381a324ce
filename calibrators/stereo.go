package calibrators

import (
	"fmt"
	"image"
	"math"
	"stereoposetracker/chessboard"
	"stereoposetracker/utils"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

// RecommendedStereoFrames is the number of board pairs below which a stereo solve is logged as weak.
const RecommendedStereoFrames = 5

// StereoParameters relates two calibrated cameras: a point X1 in camera 1 is X2 = R·X1 + T in
// camera 2. It is not modified after creation.
type StereoParameters struct {
	K1 *mat.Dense
	D1 []float64
	K2 *mat.Dense
	D2 []float64

	R *mat.Dense
	T r3.Vector

	R1, R2 *mat.Dense
	P1, P2 *mat.Dense
	Q      *mat.Dense

	RMS       float64
	Board     chessboard.Geometry
	ImageSize image.Point
	Cam1ID    string
	Cam2ID    string
}

// Baseline is the distance between the camera centers, in board units.
func (p *StereoParameters) Baseline() float64 {
	return p.T.Norm()
}

// Pose returns camera 2 expressed in the frame of camera 1.
func (p *StereoParameters) Pose() (spatialmath.Pose, error) {
	rt := mat.DenseCopyOf(p.R.T())
	center := utils.Rotate(rt, p.T).Mul(-1)
	return utils.PoseFromRotation(rt, center)
}

// Models returns the projection models of both cameras.
func (p *StereoParameters) Models() (*utils.CameraModel, *utils.CameraModel, error) {
	cam1, err := utils.NewCameraModel(p.K1, p.D1, p.ImageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("camera 1: %w", err)
	}
	cam2, err := utils.NewCameraModel(p.K2, p.D2, p.ImageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("camera 2: %w", err)
	}
	return cam1, cam2, nil
}

// StereoCalibrate solves the rotation and translation between two cameras whose intrinsics are
// already known. Intrinsics and distortion stay fixed; only the relative pose and the board pose
// of every frame are estimated. imgPoints1[i] and imgPoints2[i] must be the board corners seen by
// each camera at the same instant.
func StereoCalibrate(
	logger logging.Logger,
	imgPoints1, imgPoints2 [][]r2.Point,
	board chessboard.Geometry,
	cam1, cam2 Intrinsics,
	imageSize image.Point,
	cam1ID, cam2ID string,
) (*StereoParameters, error) {
	if len(imgPoints1) == 0 || len(imgPoints1) != len(imgPoints2) {
		return nil, fmt.Errorf("%w: need matching non-empty frame lists, have %d and %d",
			ErrInsufficientData, len(imgPoints1), len(imgPoints2))
	}
	if cam1ID == "" || cam2ID == "" {
		return nil, fmt.Errorf("%w: camera ids are required", ErrCalibrationFailure)
	}
	if err := board.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCalibrationFailure, err)
	}
	n := board.Count()
	for i := range imgPoints1 {
		if len(imgPoints1[i]) != n || len(imgPoints2[i]) != n {
			return nil, fmt.Errorf("%w: frame %d has %d and %d corners, expected %d",
				ErrCalibrationFailure, i, len(imgPoints1[i]), len(imgPoints2[i]), n)
		}
		for j := 0; j < n; j++ {
			if !utils.IsFinitePoint(imgPoints1[i][j]) || !utils.IsFinitePoint(imgPoints2[i][j]) {
				return nil, fmt.Errorf("%w: frame %d has non-finite corners", ErrCalibrationFailure, i)
			}
		}
	}
	if len(imgPoints1) < RecommendedStereoFrames {
		logger.Warnf("Stereo calibration with %d frame(s); %d or more give a more reliable baseline",
			len(imgPoints1), RecommendedStereoFrames)
	}

	model1, err := cam1.Model(imageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: camera 1: %w", ErrCalibrationFailure, err)
	}
	model2, err := cam2.Model(imageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: camera 2: %w", ErrCalibrationFailure, err)
	}

	obj := board.ObjectPoints()
	frames := len(imgPoints1)
	x0 := make([]float64, 6+6*frames)
	var rx, ry, rz, tx, ty, tz []float64
	for i := 0; i < frames; i++ {
		rv1, tv1, _, err := utils.SolvePlanarPose(obj, imgPoints1[i], model1)
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d camera 1 pose: %w", ErrCalibrationFailure, i, err)
		}
		rv2, tv2, _, err := utils.SolvePlanarPose(obj, imgPoints2[i], model2)
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d camera 2 pose: %w", ErrCalibrationFailure, i, err)
		}
		rot1, rot2 := utils.Rodrigues(rv1), utils.Rodrigues(rv2)
		var rel mat.Dense
		rel.Mul(rot2, rot1.T())
		rvRel := utils.RotationVector(&rel)
		tRel := tv2.Sub(utils.Rotate(&rel, tv1))

		rx, ry, rz = append(rx, rvRel.X), append(ry, rvRel.Y), append(rz, rvRel.Z)
		tx, ty, tz = append(tx, tRel.X), append(ty, tRel.Y), append(tz, tRel.Z)
		setPose(x0[6+6*i:], rv1, tv1)
	}
	medians := make([]float64, 6)
	for i, values := range [][]float64{rx, ry, rz, tx, ty, tz} {
		if medians[i], err = stats.Median(values); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCalibrationFailure, err)
		}
	}
	copy(x0, medians)

	problem := utils.LeastSquaresProblem{
		NumResiduals: 4 * n * frames,
		Residuals: func(dst, x []float64) {
			rvRel, tRel := poseFromParams(x)
			rotRel := utils.Rodrigues(rvRel)
			off := 0
			for i := 0; i < frames; i++ {
				rv1, tv1 := poseFromParams(x[6+6*i:])
				rot1 := utils.Rodrigues(rv1)
				for j, p := range obj {
					p1 := utils.Rotate(rot1, p).Add(tv1)
					p2 := utils.Rotate(rotRel, p1).Add(tRel)
					proj1 := model1.Project(p1)
					proj2 := model2.Project(p2)
					dst[off] = proj1.X - imgPoints1[i][j].X
					dst[off+1] = proj1.Y - imgPoints1[i][j].Y
					dst[off+2] = proj2.X - imgPoints2[i][j].X
					dst[off+3] = proj2.Y - imgPoints2[i][j].Y
					off += 4
				}
			}
		},
	}
	res, err := utils.LevenbergMarquardt(problem, x0, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCalibrationFailure, err)
	}

	rvRel, tRel := poseFromParams(res.X)
	rms := math.Sqrt(res.Cost / float64(2*n*frames))
	if tRel.Norm() <= 1e-9 {
		return nil, fmt.Errorf("%w: solved baseline is zero", ErrCalibrationFailure)
	}
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return nil, fmt.Errorf("%w: rms is not finite", ErrCalibrationFailure)
	}
	rot := utils.Rodrigues(rvRel)

	rect, err := StereoRectify(model1.CameraMatrix(), model1.DistCoeffs(), model2.CameraMatrix(), model2.DistCoeffs(),
		imageSize, rot, tRel)
	if err != nil {
		return nil, err
	}
	logger.Infof("Stereo calibrated %s/%s from %d frame(s): rms=%.4fpx baseline=%.2f T=(%.2f, %.2f, %.2f)",
		cam1ID, cam2ID, frames, rms, tRel.Norm(), tRel.X, tRel.Y, tRel.Z)

	return &StereoParameters{
		K1:        model1.CameraMatrix(),
		D1:        model1.DistCoeffs(),
		K2:        model2.CameraMatrix(),
		D2:        model2.DistCoeffs(),
		R:         rot,
		T:         tRel,
		R1:        rect.R1,
		R2:        rect.R2,
		P1:        rect.P1,
		P2:        rect.P2,
		Q:         rect.Q,
		RMS:       rms,
		Board:     board,
		ImageSize: imageSize,
		Cam1ID:    cam1ID,
		Cam2ID:    cam2ID,
	}, nil
}
