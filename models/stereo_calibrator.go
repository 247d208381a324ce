package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"stereoposetracker/calibrators"
	"stereoposetracker/chessboard"
	"stereoposetracker/corners"
	"stereoposetracker/store"
	"stereoposetracker/utils"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	rdk_utils "go.viam.com/utils"
)

var StereoCalibrator = resource.NewModel("viam", "stereo-pose-tracker", "stereo-calibrator")

func init() {
	resource.RegisterService(genericservice.API, StereoCalibrator,
		resource.Registration[resource.Resource, *StereoCalibratorConfig]{
			Constructor: newStereoCalibrator,
		},
	)
}

const (
	defaultCaptureRateHz   = 1.0
	defaultMaxObservations = 30
)

type StereoCalibratorConfig struct {
	Camera1Name     string  `json:"camera_1_name"`
	Camera2Name     string  `json:"camera_2_name"`
	Camera1ID       string  `json:"camera_1_id,omitempty"`
	Camera2ID       string  `json:"camera_2_id,omitempty"`
	BoardCols       int     `json:"board_cols,omitempty"`
	BoardRows       int     `json:"board_rows,omitempty"`
	SquareSizeMM    float64 `json:"square_size_mm,omitempty"`
	CalibrationDir  string  `json:"calibration_dir"`
	Detector        string  `json:"detector,omitempty"`
	CaptureRateHz   float64 `json:"capture_rate_hz,omitempty"`
	MaxObservations int     `json:"max_observations,omitempty"`
	LockTimeoutSec  float64 `json:"lock_timeout_sec,omitempty"`
	EnableOnStart   bool    `json:"enable_on_start"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
// The path is the JSON path in your robot's config (not the `Config` struct) to the
// resource being validated; e.g. "services.0".
func (cfg *StereoCalibratorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Camera1Name == "" {
		return nil, nil, errors.New("camera_1_name is required")
	}
	if cfg.Camera2Name == "" {
		return nil, nil, errors.New("camera_2_name is required")
	}
	if cfg.Camera1Name == cfg.Camera2Name {
		return nil, nil, errors.New("camera_1_name and camera_2_name must be different cameras")
	}
	if cfg.CalibrationDir == "" {
		return nil, nil, errors.New("calibration_dir is required")
	}
	// Set defaults
	if cfg.Camera1ID == "" {
		cfg.Camera1ID = cfg.Camera1Name
	}
	if cfg.Camera2ID == "" {
		cfg.Camera2ID = cfg.Camera2Name
	}
	if store.SanitizeID(cfg.Camera1ID) == store.SanitizeID(cfg.Camera2ID) {
		return nil, nil, errors.New("camera_1_id and camera_2_id must map to different artifact names")
	}
	if cfg.BoardCols == 0 {
		cfg.BoardCols = chessboard.DefaultCols
	}
	if cfg.BoardRows == 0 {
		cfg.BoardRows = chessboard.DefaultRows
	}
	if cfg.SquareSizeMM == 0 {
		cfg.SquareSizeMM = chessboard.DefaultSquareSize
	}
	if err := cfg.board().Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Detector == "" {
		cfg.Detector = corners.DefaultDetector
	}
	if cfg.CaptureRateHz < 0 {
		return nil, nil, errors.New("capture_rate_hz must be greater than 0")
	}
	if cfg.CaptureRateHz == 0 {
		cfg.CaptureRateHz = defaultCaptureRateHz
	}
	if cfg.MaxObservations < 0 {
		return nil, nil, errors.New("max_observations must be greater than 0")
	}
	if cfg.MaxObservations == 0 {
		cfg.MaxObservations = defaultMaxObservations
	}
	if cfg.LockTimeoutSec < 0 {
		return nil, nil, errors.New("lock_timeout_sec must be greater than or equal to 0")
	}
	return []string{cfg.Camera1Name, cfg.Camera2Name}, nil, nil
}

func (cfg *StereoCalibratorConfig) board() chessboard.Geometry {
	return chessboard.Geometry{Cols: cfg.BoardCols, Rows: cfg.BoardRows, SquareSize: cfg.SquareSizeMM}
}

func lockTimeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return store.DefaultLockTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

type stereoCalibrator struct {
	resource.AlwaysRebuild
	name resource.Name

	logger logging.Logger
	cfg    *StereoCalibratorConfig

	cam1, cam2  camera.Camera
	detector    corners.Detector
	store       store.Store
	lockTimeout time.Duration

	// mu guards everything below; the calibrators are not safe for concurrent use
	mu             sync.Mutex
	calib1, calib2 *calibrators.MonocularCalibrator
	pairs1, pairs2 [][]r2.Point
	pairSize       image.Point
	stereo         *calibrators.StereoParameters

	captureRateHz float64
	worker        *rdk_utils.StoppableWorkers
}

// Close implements resource.Resource.
func (s *stereoCalibrator) Close(ctx context.Context) error {
	s.worker.Stop()
	return nil
}

func newStereoCalibrator(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*StereoCalibratorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	cam1, err := camera.FromDependencies(deps, conf.Camera1Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %q: %w", conf.Camera1Name, err)
	}
	cam2, err := camera.FromDependencies(deps, conf.Camera2Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %q: %w", conf.Camera2Name, err)
	}
	return NewStereoCalibrator(rawConf.ResourceName(), cam1, cam2, conf, logger)
}

// NewStereoCalibrator builds the service around two already resolved cameras.
func NewStereoCalibrator(name resource.Name, cam1, cam2 camera.Camera, conf *StereoCalibratorConfig, logger logging.Logger) (resource.Resource, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating stereo calibrator with the following config:\n%s", configJSON)

	board := conf.board()
	detector, err := corners.New(conf.Detector, board, logger)
	if err != nil {
		return nil, err
	}
	calib1, err := calibrators.NewMonocularCalibrator(board, detector, logger)
	if err != nil {
		return nil, err
	}
	calib2, err := calibrators.NewMonocularCalibrator(board, detector, logger)
	if err != nil {
		return nil, err
	}
	timeout := lockTimeout(conf.LockTimeoutSec)
	calib1.LockTimeout = timeout
	calib2.LockTimeout = timeout

	s := &stereoCalibrator{
		name:          name,
		logger:        logger,
		cfg:           conf,
		cam1:          cam1,
		cam2:          cam2,
		detector:      detector,
		store:         store.Store{Dir: conf.CalibrationDir},
		lockTimeout:   timeout,
		calib1:        calib1,
		calib2:        calib2,
		captureRateHz: conf.CaptureRateHz,
		worker:        rdk_utils.NewBackgroundStoppableWorkers(),
	}

	if conf.EnableOnStart {
		s.logger.Info("Starting board capture on start")
		s.worker.Add(s.captureLoop)
	}
	return s, nil
}

func (s *stereoCalibrator) Name() resource.Name {
	return s.name
}

func (s *stereoCalibrator) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.logger.Debugf("DoCommand: %+v", cmd)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd["command"] {
	case "push-observation":
		found1, found2, err := s.pushObservation(ctx)
		if err != nil {
			return map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
			}, nil
		}
		return map[string]interface{}{
			"status":                "success",
			"camera_1_found":        found1,
			"camera_2_found":        found2,
			"camera_1_observations": s.calib1.Len(),
			"camera_2_observations": s.calib2.Len(),
			"stereo_pairs":          len(s.pairs1),
		}, nil

	case "get-status":
		return s.status(), nil

	case "clear-observations":
		s.calib1.Reset()
		s.calib2.Reset()
		s.pairs1, s.pairs2 = nil, nil
		s.pairSize = image.Point{}
		s.stereo = nil
		return map[string]interface{}{"status": "cleared"}, nil

	case "calibrate":
		return s.calibrateIntrinsics(ctx), nil

	case "load-calibration":
		result := map[string]interface{}{"status": "success"}
		loaded := 0
		for _, c := range s.cameras() {
			path := s.store.IntrinsicsPath(c.id)
			if err := c.calib.Load(ctx, path); err != nil {
				s.logger.Warnf("Failed to load intrinsics for %s from %s: %v", c.id, path, err)
				result[c.key] = map[string]interface{}{"loaded": false, "error": err.Error()}
				continue
			}
			loaded++
			result[c.key] = map[string]interface{}{"loaded": true, "path": path}
		}
		if loaded == 0 {
			result["status"] = "error"
			result["error"] = "no intrinsics could be loaded"
		}
		return result, nil

	case "stereo-calibrate":
		params, err := s.stereoCalibrate(ctx)
		if err != nil {
			return map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
			}, nil
		}
		pose, err := params.Pose()
		if err != nil {
			return nil, fmt.Errorf("failed to build camera 2 pose: %w", err)
		}
		return map[string]interface{}{
			"status":        "success",
			"pairs_used":    len(s.pairs1),
			"rms":           params.RMS,
			"baseline_mm":   params.Baseline(),
			"rotation_deg":  utils.RadiansToDegrees(utils.RotationVector(params.R).Norm()),
			"camera_2_pose": utils.PoseToMap(pose),
			"path":          s.store.StereoPath(params.Cam1ID, params.Cam2ID),
		}, nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

type calibratedCamera struct {
	key   string
	id    string
	cam   camera.Camera
	calib *calibrators.MonocularCalibrator
}

func (s *stereoCalibrator) cameras() []calibratedCamera {
	return []calibratedCamera{
		{key: "camera_1", id: s.cfg.Camera1ID, cam: s.cam1, calib: s.calib1},
		{key: "camera_2", id: s.cfg.Camera2ID, cam: s.cam2, calib: s.calib2},
	}
}

// pushObservation grabs one frame from each camera. Views are added per camera, and a stereo pair is
// recorded when both cameras see the board in frames of the same size.
func (s *stereoCalibrator) pushObservation(ctx context.Context) (bool, bool, error) {
	img1, err := readImage(ctx, s.cam1)
	if err != nil {
		return false, false, fmt.Errorf("failed to get image from %s: %w", s.cfg.Camera1Name, err)
	}
	img2, err := readImage(ctx, s.cam2)
	if err != nil {
		return false, false, fmt.Errorf("failed to get image from %s: %w", s.cfg.Camera2Name, err)
	}

	found1 := s.calib1.AddObservation(img1)
	found2 := s.calib2.AddObservation(img2)
	if !found1 && !found2 {
		return false, false, fmt.Errorf("%w: board %s not found by either camera", calibrators.ErrDetectionFailure, s.cfg.board())
	}
	if found1 && found2 {
		size1, size2 := img1.Bounds().Size(), img2.Bounds().Size()
		switch {
		case size1 != size2:
			s.logger.Warnf("Not recording stereo pair: image sizes differ (%v vs %v)", size1, size2)
		case s.pairSize != (image.Point{}) && s.pairSize != size1:
			s.logger.Warnf("Not recording stereo pair: image size changed from %v to %v", s.pairSize, size1)
		default:
			s.pairs1 = append(s.pairs1, lastCorners(s.calib1))
			s.pairs2 = append(s.pairs2, lastCorners(s.calib2))
			s.pairSize = size1
		}
	}
	s.logger.Infof("Observation: camera 1 found=%v (%d views), camera 2 found=%v (%d views), %d stereo pair(s)",
		found1, s.calib1.Len(), found2, s.calib2.Len(), len(s.pairs1))
	return found1, found2, nil
}

func lastCorners(c *calibrators.MonocularCalibrator) []r2.Point {
	obs := c.Observations()
	return obs[len(obs)-1].ImagePoints
}

func (s *stereoCalibrator) calibrateIntrinsics(ctx context.Context) map[string]interface{} {
	result := map[string]interface{}{"status": "success"}
	solved := 0
	for _, c := range s.cameras() {
		if c.calib.Len() < calibrators.MinObservations {
			result[c.key] = map[string]interface{}{
				"calibrated": false,
				"error": fmt.Sprintf("need at least %d observations, have %d",
					calibrators.MinObservations, c.calib.Len()),
			}
			continue
		}
		rms, err := c.calib.Calibrate(image.Point{})
		if err != nil {
			s.logger.Errorf("Intrinsic calibration of %s failed: %v", c.id, err)
			result[c.key] = map[string]interface{}{"calibrated": false, "error": err.Error()}
			continue
		}
		path := s.store.IntrinsicsPath(c.id)
		if err := c.calib.Save(ctx, path); err != nil {
			s.logger.Errorf("Failed to save intrinsics of %s: %v", c.id, err)
			result[c.key] = map[string]interface{}{"calibrated": true, "rms": rms, "error": err.Error()}
			continue
		}
		in, _ := c.calib.Calibration()
		solved++
		s.logger.Infof("Calibrated %s: rms=%.4fpx, saved to %s", c.id, rms, path)
		result[c.key] = map[string]interface{}{
			"calibrated":    true,
			"rms":           rms,
			"observations":  c.calib.Len(),
			"camera_matrix": utils.MatrixRows(in.CameraMatrix),
			"dist_coeffs":   in.DistCoeffs,
			"path":          path,
		}
	}
	if solved == 0 {
		result["status"] = "error"
		result["error"] = "no camera was calibrated"
	}
	return result
}

func (s *stereoCalibrator) stereoCalibrate(ctx context.Context) (*calibrators.StereoParameters, error) {
	in1, err := s.calib1.Calibration()
	if err != nil {
		return nil, fmt.Errorf("camera 1 intrinsics: %w", err)
	}
	in2, err := s.calib2.Calibration()
	if err != nil {
		return nil, fmt.Errorf("camera 2 intrinsics: %w", err)
	}
	if len(s.pairs1) == 0 {
		return nil, fmt.Errorf("%w: no stereo pairs captured", calibrators.ErrInsufficientData)
	}
	params, err := calibrators.StereoCalibrate(s.logger, s.pairs1, s.pairs2, s.cfg.board(), in1, in2,
		s.pairSize, s.cfg.Camera1ID, s.cfg.Camera2ID)
	if err != nil {
		return nil, err
	}
	path := s.store.StereoPath(params.Cam1ID, params.Cam2ID)
	if err := calibrators.SaveStereo(ctx, path, params, s.lockTimeout); err != nil {
		return nil, err
	}
	s.stereo = params
	return params, nil
}

func (s *stereoCalibrator) status() map[string]interface{} {
	result := map[string]interface{}{
		"status":       "success",
		"stereo_pairs": len(s.pairs1),
	}
	for _, c := range s.cameras() {
		cs := map[string]interface{}{
			"id":           c.id,
			"state":        c.calib.State().String(),
			"observations": c.calib.Len(),
		}
		if rms, err := c.calib.ReprojectionError(); err == nil {
			cs["rms"] = rms
		}
		result[c.key] = cs
	}
	if s.stereo != nil {
		result["stereo_rms"] = s.stereo.RMS
		result["baseline_mm"] = s.stereo.Baseline()
	}
	return result
}

func (s *stereoCalibrator) captureLoop(ctx context.Context) {
	s.logger.Infof("Starting capture loop at %.2f Hz, up to %d stereo pairs", s.captureRateHz, s.cfg.MaxObservations)
	updateInterval := time.Duration(1.0 / s.captureRateHz * float64(time.Second))
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := s.captureOnce(ctx); done {
				s.logger.Infof("Captured %d stereo pairs, stopping capture loop", s.cfg.MaxObservations)
				return
			}
		}
	}
}

func (s *stereoCalibrator) captureOnce(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pairs1) >= s.cfg.MaxObservations {
		return true
	}
	if _, _, err := s.pushObservation(ctx); err != nil {
		s.logger.Debugf("Capture skipped: %v", err)
	}
	return len(s.pairs1) >= s.cfg.MaxObservations
}

// readImage returns the first image the camera produces.
func readImage(ctx context.Context, cam camera.Camera) (image.Image, error) {
	imgs, _, err := cam.Images(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return nil, errors.New("no images returned from camera")
	}
	return imgs[0].Image(ctx)
}
