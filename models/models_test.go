package models

import (
	"context"
	"image"
	"image/color"
	"math"
	"os"
	"stereoposetracker/chessboard"
	"stereoposetracker/corners"
	"stereoposetracker/store"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage/transform"
	genericservice "go.viam.com/rdk/services/generic"
	rutils "go.viam.com/rdk/utils"
	"go.viam.com/test"
)

// fakeCamera cycles through a fixed list of frames.
type fakeCamera struct {
	camera.Camera
	name resource.Name

	mu     sync.Mutex
	frames []image.Image
	next   int
}

func (c *fakeCamera) Name() resource.Name {
	return c.name
}

func (c *fakeCamera) Images(ctx context.Context, filterSourceNames []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	c.mu.Lock()
	img := c.frames[c.next%len(c.frames)]
	c.next++
	c.mu.Unlock()
	ni, err := camera.NamedImageFromImage(img, "color", rutils.MimeTypePNG, data.Annotations{})
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}
	return []camera.NamedImage{ni}, resource.ResponseMetadata{}, nil
}

func (c *fakeCamera) Properties(ctx context.Context) (camera.Properties, error) {
	return camera.Properties{}, nil
}

var (
	serviceBoard = chessboard.Geometry{Cols: 6, Rows: 9, SquareSize: 20}
	rigOffset    = r3.Vector{X: -30}
	viewRotation = []r3.Vector{
		{},
		{X: 0.15, Y: -0.1, Z: 0.05},
		{X: -0.1, Y: 0.2, Z: -0.08},
	}
)

func renderFrame(t *testing.T, rotation, translation r3.Vector) image.Image {
	t.Helper()
	img, err := chessboard.RenderView(serviceBoard, chessboard.View{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: 320, Height: 240, Fx: 400, Fy: 400, Ppx: 159.5, Ppy: 119.5,
		},
		Rotation:    rotation,
		Translation: translation,
		Supersample: 3,
	})
	test.That(t, err, test.ShouldBeNil)
	return img
}

// stereoFrames renders the board as seen by two identical cameras 30 mm apart.
func stereoFrames(t *testing.T) ([]image.Image, []image.Image) {
	t.Helper()
	base := r3.Vector{X: -50, Y: -80, Z: 450}
	var left, right []image.Image
	for _, rot := range viewRotation {
		left = append(left, renderFrame(t, rot, base))
		right = append(right, renderFrame(t, rot, base.Add(rigOffset)))
	}
	return left, right
}

func blankFrame() image.Image {
	img := image.NewGray(image.Rect(0, 0, 320, 240))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return img
}

func validCalibratorConfig(dir string) *StereoCalibratorConfig {
	return &StereoCalibratorConfig{
		Camera1Name:    "left",
		Camera2Name:    "right",
		CalibrationDir: dir,
	}
}

func TestStereoCalibratorConfigValidate(t *testing.T) {
	cfg := validCalibratorConfig("/tmp/calib")
	deps, optional, err := cfg.Validate("services.0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"left", "right"})
	test.That(t, optional, test.ShouldBeNil)
	test.That(t, cfg.Camera1ID, test.ShouldEqual, "left")
	test.That(t, cfg.Camera2ID, test.ShouldEqual, "right")
	test.That(t, cfg.BoardCols, test.ShouldEqual, chessboard.DefaultCols)
	test.That(t, cfg.BoardRows, test.ShouldEqual, chessboard.DefaultRows)
	test.That(t, cfg.SquareSizeMM, test.ShouldEqual, chessboard.DefaultSquareSize)
	test.That(t, cfg.Detector, test.ShouldEqual, corners.DefaultDetector)
	test.That(t, cfg.CaptureRateHz, test.ShouldEqual, defaultCaptureRateHz)
	test.That(t, cfg.MaxObservations, test.ShouldEqual, defaultMaxObservations)

	for name, mutate := range map[string]func(*StereoCalibratorConfig){
		"missing camera 1": func(c *StereoCalibratorConfig) { c.Camera1Name = "" },
		"missing camera 2": func(c *StereoCalibratorConfig) { c.Camera2Name = "" },
		"same camera":      func(c *StereoCalibratorConfig) { c.Camera2Name = "left" },
		"missing dir":      func(c *StereoCalibratorConfig) { c.CalibrationDir = "" },
		"colliding ids":    func(c *StereoCalibratorConfig) { c.Camera1ID = "cam/a"; c.Camera2ID = "cam_a" },
		"invalid board":    func(c *StereoCalibratorConfig) { c.BoardCols = 1 },
		"negative rate":    func(c *StereoCalibratorConfig) { c.CaptureRateHz = -1 },
		"negative max":     func(c *StereoCalibratorConfig) { c.MaxObservations = -3 },
		"negative lock":    func(c *StereoCalibratorConfig) { c.LockTimeoutSec = -1 },
		"negative squares": func(c *StereoCalibratorConfig) { c.SquareSizeMM = -20 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := validCalibratorConfig("/tmp/calib")
			mutate(cfg)
			_, _, err := cfg.Validate("services.0")
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}

func TestBoardCameraConfigValidate(t *testing.T) {
	cfg := &BoardCameraConfig{}
	_, _, err := cfg.Validate("components.0")
	test.That(t, err, test.ShouldNotBeNil)

	cfg = &BoardCameraConfig{CameraName: "webcam"}
	deps, _, err := cfg.Validate("components.0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"webcam"})
	test.That(t, cfg.FoundColor, test.ShouldEqual, "green")
	test.That(t, cfg.MissingColor, test.ShouldEqual, "red")
	test.That(t, cfg.MarkerSize, test.ShouldEqual, 4)
	test.That(t, cfg.board(), test.ShouldResemble, chessboard.DefaultGeometry())
}

func TestLockTimeout(t *testing.T) {
	test.That(t, lockTimeout(0), test.ShouldEqual, store.DefaultLockTimeout)
	test.That(t, lockTimeout(2.5).Seconds(), test.ShouldEqual, 2.5)
}

func newTestCalibrator(t *testing.T, left, right []image.Image) (*stereoCalibrator, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := validCalibratorConfig(dir)
	cfg.BoardCols, cfg.BoardRows, cfg.SquareSizeMM = serviceBoard.Cols, serviceBoard.Rows, serviceBoard.SquareSize
	_, _, err := cfg.Validate("services.0")
	test.That(t, err, test.ShouldBeNil)

	cam1 := &fakeCamera{name: camera.Named("left"), frames: left}
	cam2 := &fakeCamera{name: camera.Named("right"), frames: right}
	res, err := NewStereoCalibrator(genericservice.Named("calibrator"), cam1, cam2, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { res.Close(context.Background()) })
	return res.(*stereoCalibrator), dir
}

func TestStereoCalibratorWorkflow(t *testing.T) {
	ctx := context.Background()
	left, right := stereoFrames(t)
	s, dir := newTestCalibrator(t, left, right)

	resp, err := s.DoCommand(ctx, map[string]interface{}{"command": "stereo-calibrate"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "error")

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "calibrate"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "error")

	for i := range viewRotation {
		resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "push-observation"})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["status"], test.ShouldEqual, "success")
		test.That(t, resp["camera_1_found"], test.ShouldBeTrue)
		test.That(t, resp["camera_2_found"], test.ShouldBeTrue)
		test.That(t, resp["stereo_pairs"], test.ShouldEqual, i+1)
	}

	status, err := s.DoCommand(ctx, map[string]interface{}{"command": "get-status"})
	test.That(t, err, test.ShouldBeNil)
	cam1Status := status["camera_1"].(map[string]interface{})
	test.That(t, cam1Status["state"], test.ShouldEqual, "accumulating")
	test.That(t, cam1Status["observations"], test.ShouldEqual, len(viewRotation))

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "calibrate"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "success")
	for _, key := range []string{"camera_1", "camera_2"} {
		cam := resp[key].(map[string]interface{})
		test.That(t, cam["calibrated"], test.ShouldBeTrue)
		test.That(t, cam["rms"], test.ShouldBeLessThan, 1.0)
	}
	st := store.Store{Dir: dir}
	for _, id := range []string{"left", "right"} {
		_, err := os.Stat(st.IntrinsicsPath(id))
		test.That(t, err, test.ShouldBeNil)
	}

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "stereo-calibrate"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "success")
	test.That(t, resp["pairs_used"], test.ShouldEqual, len(viewRotation))
	baseline := resp["baseline_mm"].(float64)
	test.That(t, baseline, test.ShouldBeGreaterThan, 0)
	test.That(t, math.IsNaN(resp["rms"].(float64)), test.ShouldBeFalse)
	_, err = os.Stat(st.StereoPath("left", "right"))
	test.That(t, err, test.ShouldBeNil)

	status, err = s.DoCommand(ctx, map[string]interface{}{"command": "get-status"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status["baseline_mm"], test.ShouldEqual, baseline)

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "clear-observations"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "cleared")
	status, err = s.DoCommand(ctx, map[string]interface{}{"command": "get-status"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status["stereo_pairs"], test.ShouldEqual, 0)
	test.That(t, status["camera_1"].(map[string]interface{})["state"], test.ShouldEqual, "empty")

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "load-calibration"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "success")
	status, err = s.DoCommand(ctx, map[string]interface{}{"command": "get-status"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status["camera_2"].(map[string]interface{})["state"], test.ShouldEqual, "calibrated")

	_, err = s.DoCommand(ctx, map[string]interface{}{"command": "bogus"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStereoCalibratorDetectionFailure(t *testing.T) {
	ctx := context.Background()
	left, _ := stereoFrames(t)
	s, _ := newTestCalibrator(t, []image.Image{blankFrame()}, []image.Image{blankFrame()})

	resp, err := s.DoCommand(ctx, map[string]interface{}{"command": "push-observation"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "error")

	// one camera seeing the board still counts for its own intrinsics
	s.cam1 = &fakeCamera{name: camera.Named("left"), frames: left}
	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "push-observation"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "success")
	test.That(t, resp["camera_1_found"], test.ShouldBeTrue)
	test.That(t, resp["camera_2_found"], test.ShouldBeFalse)
	test.That(t, resp["camera_1_observations"], test.ShouldEqual, 1)
	test.That(t, resp["stereo_pairs"], test.ShouldEqual, 0)

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "load-calibration"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["status"], test.ShouldEqual, "error")
}

func TestBoardCameraOverlay(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	frame := renderFrame(t, viewRotation[1], r3.Vector{X: -50, Y: -80, Z: 450})
	src := &fakeCamera{name: camera.Named("webcam"), frames: []image.Image{frame}}

	conf := &BoardCameraConfig{
		CameraName:   "webcam",
		BoardCols:    serviceBoard.Cols,
		BoardRows:    serviceBoard.Rows,
		SquareSizeMM: serviceBoard.SquareSize,
	}
	_, _, err := conf.Validate("components.0")
	test.That(t, err, test.ShouldBeNil)

	deps := resource.Dependencies{camera.Named("webcam"): src}
	cam, err := newBoardCamera(ctx, deps, resource.Config{
		Name:                "board",
		API:                 camera.API,
		ConvertedAttributes: conf,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer cam.Close(ctx)

	imgs, _, err := cam.Images(ctx, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(imgs), test.ShouldEqual, 1)
	test.That(t, imgs[0].SourceName, test.ShouldEqual, "color")
	out, err := imgs[0].Image(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Bounds(), test.ShouldResemble, frame.Bounds())

	detector, err := corners.New(corners.DefaultDetector, serviceBoard, logger)
	test.That(t, err, test.ShouldBeNil)
	pts, found := detector.Detect(frame)
	test.That(t, found, test.ShouldBeTrue)
	green := color.RGBAModel.Convert(parseColor("green"))
	p := pts[0]
	test.That(t, color.RGBAModel.Convert(out.At(int(math.Round(p.X)), int(math.Round(p.Y)))), test.ShouldResemble, green)

	_, err = cam.Properties(ctx)
	test.That(t, err, test.ShouldBeNil)
}

func TestParseColor(t *testing.T) {
	test.That(t, parseColor("blue"), test.ShouldResemble, color.RGBA{B: 255, A: 255})
	test.That(t, parseColor("unknown"), test.ShouldResemble, color.RGBA{R: 255, A: 255})
}
