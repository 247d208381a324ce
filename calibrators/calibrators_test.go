package calibrators

import (
	"context"
	"errors"
	"image"
	"math"
	"path/filepath"
	"stereoposetracker/chessboard"
	"stereoposetracker/corners"
	"stereoposetracker/store"
	"stereoposetracker/utils"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

var testBoard = chessboard.Geometry{Cols: 6, Rows: 9, SquareSize: 25}

func testCamera() *utils.CameraModel {
	return &utils.CameraModel{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: 640, Height: 480, Fx: 600, Fy: 590, Ppx: 322, Ppy: 238,
		},
		Distortion: &transform.BrownConrady{RadialK1: -0.12, RadialK2: 0.03, TangentialP1: 0.001, TangentialP2: -0.0008},
	}
}

// boardPose places the board center at the given depth on the optical axis, rotated by rvec.
func boardPose(board chessboard.Geometry, rvec r3.Vector, depth float64) (*mat.Dense, r3.Vector) {
	rot := utils.Rodrigues(rvec)
	center := r3.Vector{
		X: float64(board.Cols-1) * board.SquareSize / 2,
		Y: float64(board.Rows-1) * board.SquareSize / 2,
	}
	return rot, r3.Vector{Z: depth}.Sub(utils.Rotate(rot, center))
}

func projectBoard(board chessboard.Geometry, cam *utils.CameraModel, rot mat.Matrix, t r3.Vector) []r2.Point {
	obj := board.ObjectPoints()
	out := make([]r2.Point, len(obj))
	for i, p := range obj {
		out[i] = cam.ProjectPose(rot, t, p)
	}
	return out
}

var viewRotations = []r3.Vector{
	{X: 0.35},
	{Y: 0.35},
	{X: -0.3, Y: 0.2, Z: 0.1},
	{X: 0.2, Y: -0.3, Z: -0.1},
	{X: 0.1, Y: 0.15, Z: 0.4},
	{X: -0.25, Y: -0.25},
}

func newCalibrator(t *testing.T) *MonocularCalibrator {
	t.Helper()
	logger := logging.NewTestLogger(t)
	detector, err := corners.New(corners.DefaultDetector, testBoard, logger)
	test.That(t, err, test.ShouldBeNil)
	c, err := NewMonocularCalibrator(testBoard, detector, logger)
	test.That(t, err, test.ShouldBeNil)
	return c
}

func TestNewMonocularCalibrator(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewMonocularCalibrator(testBoard, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	detector, err := corners.New("", testBoard, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = NewMonocularCalibrator(chessboard.Geometry{Cols: 6, Rows: 9}, detector, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrateInsufficientData(t *testing.T) {
	c := newCalibrator(t)
	_, err := c.Calibrate(image.Pt(640, 480))
	test.That(t, errors.Is(err, ErrInsufficientData), test.ShouldBeTrue)

	rot, tvec := boardPose(testBoard, viewRotations[0], 600)
	pts := projectBoard(testBoard, testCamera(), rot, tvec)
	test.That(t, c.AddCorners(pts), test.ShouldBeTrue)
	test.That(t, c.AddCorners(pts), test.ShouldBeTrue)
	_, err = c.Calibrate(image.Pt(640, 480))
	test.That(t, errors.Is(err, ErrInsufficientData), test.ShouldBeTrue)
	test.That(t, c.State(), test.ShouldEqual, StateAccumulating)

	_, err = c.Calibration()
	test.That(t, errors.Is(err, ErrNotCalibrated), test.ShouldBeTrue)
	_, err = c.ReprojectionError()
	test.That(t, errors.Is(err, ErrNotCalibrated), test.ShouldBeTrue)
	test.That(t, errors.Is(c.Save(context.Background(), filepath.Join(t.TempDir(), "x.npz")), ErrNotCalibrated), test.ShouldBeTrue)
}

func TestAddCornersRejectsBadInput(t *testing.T) {
	c := newCalibrator(t)
	test.That(t, c.AddCorners(make([]r2.Point, 10)), test.ShouldBeFalse)

	pts := make([]r2.Point, testBoard.Count())
	pts[3] = r2.Point{X: math.NaN()}
	test.That(t, c.AddCorners(pts), test.ShouldBeFalse)

	test.That(t, c.AddObservation(nil), test.ShouldBeFalse)
	blank := image.NewGray(image.Rect(0, 0, 64, 48))
	test.That(t, c.AddObservation(blank), test.ShouldBeFalse)

	test.That(t, c.Len(), test.ShouldEqual, 0)
	test.That(t, c.State(), test.ShouldEqual, StateEmpty)
}

func TestCalibrateRecoversIntrinsics(t *testing.T) {
	c := newCalibrator(t)
	truth := testCamera()
	for _, rv := range viewRotations {
		rot, tvec := boardPose(testBoard, rv, 600)
		test.That(t, c.AddCorners(projectBoard(testBoard, truth, rot, tvec)), test.ShouldBeTrue)
	}

	rms, err := c.Calibrate(image.Pt(640, 480))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rms, test.ShouldBeLessThan, 0.01)
	test.That(t, c.State(), test.ShouldEqual, StateCalibrated)

	in, err := c.Calibration()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.CameraMatrix.At(0, 0), test.ShouldAlmostEqual, 600, 1)
	test.That(t, in.CameraMatrix.At(1, 1), test.ShouldAlmostEqual, 590, 1)
	test.That(t, in.CameraMatrix.At(0, 2), test.ShouldAlmostEqual, 322, 1)
	test.That(t, in.CameraMatrix.At(1, 2), test.ShouldAlmostEqual, 238, 1)
	test.That(t, in.DistCoeffs[0], test.ShouldAlmostEqual, -0.12, 0.01)
	test.That(t, len(in.DistCoeffs), test.ShouldEqual, utils.NumDistCoeffs)
	test.That(t, len(in.PerViewErrors), test.ShouldEqual, len(viewRotations))
	test.That(t, in.ReprojectionError, test.ShouldEqual, rms)

	// a new view keeps the previous result readable
	rot, tvec := boardPose(testBoard, r3.Vector{X: 0.1}, 550)
	test.That(t, c.AddCorners(projectBoard(testBoard, truth, rot, tvec)), test.ShouldBeTrue)
	test.That(t, c.State(), test.ShouldEqual, StateAccumulating)
	_, err = c.Calibration()
	test.That(t, err, test.ShouldBeNil)

	c.Reset()
	test.That(t, c.State(), test.ShouldEqual, StateEmpty)
	test.That(t, c.Len(), test.ShouldEqual, 0)
	_, err = c.Calibration()
	test.That(t, errors.Is(err, ErrNotCalibrated), test.ShouldBeTrue)
}

func TestCalibrateRenderedViews(t *testing.T) {
	logger := logging.NewTestLogger(t)
	board := chessboard.Geometry{Cols: 6, Rows: 9, SquareSize: 20}
	detector, err := corners.New("", board, logger)
	test.That(t, err, test.ShouldBeNil)
	c, err := NewMonocularCalibrator(board, detector, logger)
	test.That(t, err, test.ShouldBeNil)

	rotation := r3.Vector{X: 0.15, Y: -0.1, Z: 0.05}
	_, translation := boardPose(board, rotation, 450)
	img, err := chessboard.RenderView(board, chessboard.View{
		Intrinsics:  &transform.PinholeCameraIntrinsics{Width: 320, Height: 240, Fx: 400, Fy: 400, Ppx: 159.5, Ppy: 119.5},
		Rotation:    rotation,
		Translation: translation,
		Supersample: 3,
	})
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < MinObservations; i++ {
		test.That(t, c.AddObservation(img), test.ShouldBeTrue)
	}
	test.That(t, c.ImageSize(), test.ShouldResemble, image.Pt(320, 240))

	rms, err := c.Calibrate(image.Point{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rms, test.ShouldBeLessThan, 1.0)
	in, err := c.Calibration()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.CameraMatrix.At(0, 0), test.ShouldBeGreaterThan, 0)
	test.That(t, in.CameraMatrix.At(1, 1), test.ShouldBeGreaterThan, 0)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newCalibrator(t)
	truth := testCamera()
	for _, rv := range viewRotations[:4] {
		rot, tvec := boardPose(testBoard, rv, 600)
		test.That(t, c.AddCorners(projectBoard(testBoard, truth, rot, tvec)), test.ShouldBeTrue)
	}
	_, err := c.Calibrate(image.Pt(640, 480))
	test.That(t, err, test.ShouldBeNil)

	path := store.Store{Dir: t.TempDir()}.IntrinsicsPath("left cam")
	test.That(t, c.Save(ctx, path), test.ShouldBeNil)

	fresh := newCalibrator(t)
	test.That(t, fresh.Load(ctx, path), test.ShouldBeNil)
	test.That(t, fresh.State(), test.ShouldEqual, StateCalibrated)

	want, err := c.Calibration()
	test.That(t, err, test.ShouldBeNil)
	got, err := fresh.Calibration()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Equal(got.CameraMatrix, want.CameraMatrix), test.ShouldBeTrue)
	test.That(t, got.DistCoeffs, test.ShouldResemble, want.DistCoeffs)
	e1, err := c.ReprojectionError()
	test.That(t, err, test.ShouldBeNil)
	e2, err := fresh.ReprojectionError()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e2, test.ShouldEqual, e1)
}

func TestLoadWithoutReprojectionError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "calib_x.npz")
	in := Intrinsics{
		CameraMatrix: mat.NewDense(3, 3, []float64{500, 0, 320, 0, 500, 240, 0, 0, 1}),
		DistCoeffs:   []float64{0, 0, 0, 0, 0},
	}
	test.That(t, SaveIntrinsics(ctx, path, in, 0), test.ShouldBeNil)

	c := newCalibrator(t)
	test.That(t, c.Load(ctx, path), test.ShouldBeNil)
	_, err := c.Calibration()
	test.That(t, err, test.ShouldBeNil)
	_, err = c.ReprojectionError()
	test.That(t, errors.Is(err, ErrNotCalibrated), test.ShouldBeTrue)

	a := store.Arrays{}
	a.SetVector("dist_coeffs", []float64{0, 0, 0, 0, 0})
	bad := filepath.Join(t.TempDir(), "calib_bad.npz")
	test.That(t, store.Save(ctx, bad, a, 0), test.ShouldBeNil)
	test.That(t, errors.Is(c.Load(ctx, bad), store.ErrArtifactCorrupt), test.ShouldBeTrue)
}

type stereoRig struct {
	cam1, cam2 *utils.CameraModel
	rot        *mat.Dense
	t          r3.Vector
}

func testRig() stereoRig {
	cam2 := &utils.CameraModel{
		Intrinsics: &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 610, Fy: 605, Ppx: 316, Ppy: 244},
		Distortion: &transform.BrownConrady{RadialK1: -0.05, RadialK2: 0.01},
	}
	return stereoRig{
		cam1: testCamera(),
		cam2: cam2,
		rot:  utils.Rodrigues(r3.Vector{X: 0.01, Y: -0.12, Z: 0.02}),
		t:    r3.Vector{X: -150, Y: 3, Z: 8},
	}
}

func (rig stereoRig) frames(board chessboard.Geometry, rotations []r3.Vector) ([][]r2.Point, [][]r2.Point) {
	var img1, img2 [][]r2.Point
	for _, rv := range rotations {
		rot1, t1 := boardPose(board, rv, 700)
		var rot2 mat.Dense
		rot2.Mul(rig.rot, rot1)
		t2 := utils.Rotate(rig.rot, t1).Add(rig.t)
		img1 = append(img1, projectBoard(board, rig.cam1, rot1, t1))
		img2 = append(img2, projectBoard(board, rig.cam2, &rot2, t2))
	}
	return img1, img2
}

func intrinsicsOf(cam *utils.CameraModel) Intrinsics {
	return Intrinsics{CameraMatrix: cam.CameraMatrix(), DistCoeffs: cam.DistCoeffs()}
}

func TestStereoCalibrate(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rig := testRig()
	img1, img2 := rig.frames(testBoard, viewRotations)

	params, err := StereoCalibrate(logger, img1, img2, testBoard, intrinsicsOf(rig.cam1), intrinsicsOf(rig.cam2),
		image.Pt(640, 480), "left", "right")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params.RMS, test.ShouldBeLessThan, 0.01)
	test.That(t, params.T.X, test.ShouldAlmostEqual, rig.t.X, 0.1)
	test.That(t, params.T.Y, test.ShouldAlmostEqual, rig.t.Y, 0.1)
	test.That(t, params.T.Z, test.ShouldAlmostEqual, rig.t.Z, 0.1)
	test.That(t, params.Baseline(), test.ShouldAlmostEqual, rig.t.Norm(), 0.1)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, params.R.At(i, j), test.ShouldAlmostEqual, rig.rot.At(i, j), 1e-4)
		}
	}
	test.That(t, mat.Det(params.R), test.ShouldAlmostEqual, 1, 1e-9)

	// camera 2 sits at -Rᵀ·T in camera 1
	pose, err := params.Pose()
	test.That(t, err, test.ShouldBeNil)
	center := utils.Rotate(mat.DenseCopyOf(rig.rot.T()), rig.t).Mul(-1)
	test.That(t, pose.Point().Sub(center).Norm(), test.ShouldBeLessThan, 0.2)
}

func TestStereoPoseOrientation(t *testing.T) {
	p := &StereoParameters{R: utils.Rodrigues(r3.Vector{Z: math.Pi / 2}), T: r3.Vector{X: -100}}
	pose, err := p.Pose()
	test.That(t, err, test.ShouldBeNil)

	// a camera 2 point maps back to camera 1 as Rᵀ·(x2 − T)
	x1 := spatialmath.Compose(pose, spatialmath.NewPoseFromPoint(r3.Vector{X: 1})).Point()
	test.That(t, x1.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, x1.Y, test.ShouldAlmostEqual, -101, 1e-9)
	test.That(t, x1.Z, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestStereoCalibrateSingleFrame(t *testing.T) {
	rig := testRig()
	img1, img2 := rig.frames(testBoard, viewRotations[2:3])
	params, err := StereoCalibrate(logging.NewTestLogger(t), img1, img2, testBoard,
		intrinsicsOf(rig.cam1), intrinsicsOf(rig.cam2), image.Pt(640, 480), "a", "b")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params.Baseline(), test.ShouldAlmostEqual, rig.t.Norm(), 1)
}

func TestStereoCalibrateRejects(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rig := testRig()
	img1, img2 := rig.frames(testBoard, viewRotations[:2])
	in1, in2 := intrinsicsOf(rig.cam1), intrinsicsOf(rig.cam2)
	size := image.Pt(640, 480)

	_, err := StereoCalibrate(logger, nil, nil, testBoard, in1, in2, size, "a", "b")
	test.That(t, errors.Is(err, ErrInsufficientData), test.ShouldBeTrue)
	_, err = StereoCalibrate(logger, img1, img2[:1], testBoard, in1, in2, size, "a", "b")
	test.That(t, errors.Is(err, ErrInsufficientData), test.ShouldBeTrue)

	short := [][]r2.Point{img1[0][:10], img1[1]}
	_, err = StereoCalibrate(logger, short, img2, testBoard, in1, in2, size, "a", "b")
	test.That(t, errors.Is(err, ErrCalibrationFailure), test.ShouldBeTrue)

	_, err = StereoCalibrate(logger, img1, img2, testBoard, in1, in2, size, "", "b")
	test.That(t, errors.Is(err, ErrCalibrationFailure), test.ShouldBeTrue)

	_, err = StereoCalibrate(logger, img1, img2, testBoard, Intrinsics{}, in2, size, "a", "b")
	test.That(t, errors.Is(err, ErrCalibrationFailure), test.ShouldBeTrue)
}

func TestStereoRectify(t *testing.T) {
	rig := testRig()
	size := image.Pt(640, 480)
	rect, err := StereoRectify(rig.cam1.CameraMatrix(), rig.cam1.DistCoeffs(), rig.cam2.CameraMatrix(), rig.cam2.DistCoeffs(),
		size, rig.rot, rig.t)
	test.That(t, err, test.ShouldBeNil)

	for _, r := range []*mat.Dense{rect.R1, rect.R2} {
		test.That(t, mat.Det(r), test.ShouldAlmostEqual, 1, 1e-9)
	}
	test.That(t, rect.P1.At(0, 0), test.ShouldBeGreaterThan, 0)
	test.That(t, rect.P2.At(0, 3), test.ShouldBeLessThan, 0)
	test.That(t, rect.P2.At(1, 3), test.ShouldEqual, 0)

	for _, x := range []r3.Vector{
		{X: 0, Y: 0, Z: 1000},
		{X: -200, Y: 150, Z: 900},
		{X: 120, Y: -80, Z: 1500},
	} {
		p1 := rig.cam1.Project(x)
		p2 := rig.cam2.Project(utils.Rotate(rig.rot, x).Add(rig.t))
		r1 := RectifyPoint(rig.cam1, rect.R1, rect.P1, p1)
		r2 := RectifyPoint(rig.cam2, rect.R2, rect.P2, p2)
		// rows agree after rectification
		test.That(t, math.Abs(r1.Y-r2.Y), test.ShouldBeLessThan, 0.5)

		// Q maps disparity back to the point in the rectified camera 1 frame
		got := ReprojectDisparity(rect.Q, r1, r1.X-r2.X)
		want := utils.Rotate(rect.R1, x)
		test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, 1e-3*want.Norm())
	}

	_, err = StereoRectify(rig.cam1.CameraMatrix(), nil, rig.cam2.CameraMatrix(), nil, size, rig.rot, r3.Vector{})
	test.That(t, errors.Is(err, ErrCalibrationFailure), test.ShouldBeTrue)
}

func TestStereoSaveLoad(t *testing.T) {
	ctx := context.Background()
	rig := testRig()
	img1, img2 := rig.frames(testBoard, viewRotations[:3])
	params, err := StereoCalibrate(logging.NewTestLogger(t), img1, img2, testBoard,
		intrinsicsOf(rig.cam1), intrinsicsOf(rig.cam2), image.Pt(640, 480), "left", "right")
	test.That(t, err, test.ShouldBeNil)

	s := store.Store{Dir: t.TempDir()}
	test.That(t, SaveStereo(ctx, s.StereoPath("left", "right"), params, 0), test.ShouldBeNil)

	loaded, err := LoadStereo(ctx, s.StereoPath("right", "left"), 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Equal(loaded.R, params.R), test.ShouldBeTrue)
	test.That(t, mat.Equal(loaded.Q, params.Q), test.ShouldBeTrue)
	test.That(t, mat.Equal(loaded.P2, params.P2), test.ShouldBeTrue)
	test.That(t, loaded.T, test.ShouldResemble, params.T)
	test.That(t, loaded.D1, test.ShouldResemble, params.D1)
	test.That(t, loaded.RMS, test.ShouldEqual, params.RMS)
	test.That(t, loaded.Board, test.ShouldResemble, testBoard)
	test.That(t, loaded.ImageSize, test.ShouldResemble, image.Pt(640, 480))
	test.That(t, loaded.Cam1ID, test.ShouldEqual, "left")
	test.That(t, loaded.Cam2ID, test.ShouldEqual, "right")
}

func TestLoadStereoRejectsBadParameters(t *testing.T) {
	ctx := context.Background()
	rig := testRig()
	img1, img2 := rig.frames(testBoard, viewRotations[:3])
	params, err := StereoCalibrate(logging.NewTestLogger(t), img1, img2, testBoard,
		intrinsicsOf(rig.cam1), intrinsicsOf(rig.cam2), image.Pt(640, 480), "left", "right")
	test.That(t, err, test.ShouldBeNil)
	s := store.Store{Dir: t.TempDir()}
	path := s.StereoPath("left", "right")

	sheared := *params
	sheared.R = mat.DenseCopyOf(params.R)
	sheared.R.Set(0, 1, sheared.R.At(0, 1)+0.1)
	test.That(t, SaveStereo(ctx, path, &sheared, 0), test.ShouldBeNil)
	_, err = LoadStereo(ctx, path, 0)
	test.That(t, errors.Is(err, store.ErrArtifactCorrupt), test.ShouldBeTrue)

	mirrored := *params
	mirrored.R = mat.DenseCopyOf(params.R)
	mirrored.R.Scale(-1, mirrored.R)
	test.That(t, SaveStereo(ctx, path, &mirrored, 0), test.ShouldBeNil)
	_, err = LoadStereo(ctx, path, 0)
	test.That(t, errors.Is(err, store.ErrArtifactCorrupt), test.ShouldBeTrue)

	negative := *params
	negative.RMS = -1
	test.That(t, SaveStereo(ctx, path, &negative, 0), test.ShouldBeNil)
	_, err = LoadStereo(ctx, path, 0)
	test.That(t, errors.Is(err, store.ErrArtifactCorrupt), test.ShouldBeTrue)

	test.That(t, SaveStereo(ctx, path, params, 0), test.ShouldBeNil)
	_, err = LoadStereo(ctx, path, 0)
	test.That(t, err, test.ShouldBeNil)
}
