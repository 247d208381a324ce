package stereoposetracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"stereoposetracker/calibrators"
	"stereoposetracker/store"
	"stereoposetracker/trackers"
	"stereoposetracker/utils"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	rdk_utils "go.viam.com/utils"
)

var (
	PoseTriangulator = resource.NewModel("viam", "stereo-pose-tracker", "pose-triangulator")

	errNoStereoParameters = errors.New("no stereo calibration loaded")
)

func init() {
	resource.RegisterService(genericservice.API, PoseTriangulator,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newPoseTriangulator,
		},
	)
}

const defaultMinVisibility = 0.5

type Config struct {
	CalibrationDir string   `json:"calibration_dir"`
	Camera1ID      string   `json:"camera_1_id"`
	Camera2ID      string   `json:"camera_2_id"`
	MinVisibility  *float64 `json:"min_visibility,omitempty"` // Landmarks below this are ignored (0-1, default 0.5)
	LockTimeoutSec float64  `json:"lock_timeout_sec,omitempty"`
	WatchArtifacts bool     `json:"watch_artifacts"`
	RefinePoints   bool     `json:"refine_points"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
// The path is the JSON path in your robot's config (not the `Config` struct) to the
// resource being validated; e.g. "services.0".
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.CalibrationDir == "" {
		return nil, nil, errors.New("calibration_dir is required")
	}
	if cfg.Camera1ID == "" {
		return nil, nil, errors.New("camera_1_id is required")
	}
	if cfg.Camera2ID == "" {
		return nil, nil, errors.New("camera_2_id is required")
	}
	if cfg.MinVisibility == nil {
		v := defaultMinVisibility
		cfg.MinVisibility = &v
	}
	if *cfg.MinVisibility < 0 || *cfg.MinVisibility > 1 {
		return nil, nil, errors.New("min_visibility must be between 0 and 1")
	}
	if cfg.LockTimeoutSec < 0 {
		return nil, nil, errors.New("lock_timeout_sec must be greater than or equal to 0")
	}
	return nil, nil, nil
}

type poseTriangulator struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *Config

	path        string
	lockTimeout time.Duration

	// mu guards triangulator, which is replaced whole when the artifact changes
	mu           sync.RWMutex
	triangulator *trackers.Triangulator

	watcher *fsnotify.Watcher
	worker  *rdk_utils.StoppableWorkers
}

func newPoseTriangulator(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewPoseTriangulator(ctx, rawConf.ResourceName(), conf, logger)
}

func NewPoseTriangulator(ctx context.Context, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating pose triangulator with the following config:\n%s", configJSON)

	timeout := store.DefaultLockTimeout
	if conf.LockTimeoutSec > 0 {
		timeout = time.Duration(conf.LockTimeoutSec * float64(time.Second))
	}
	s := &poseTriangulator{
		name:        name,
		logger:      logger,
		cfg:         conf,
		path:        store.Store{Dir: conf.CalibrationDir}.StereoPath(conf.Camera1ID, conf.Camera2ID),
		lockTimeout: timeout,
		worker:      rdk_utils.NewBackgroundStoppableWorkers(),
	}

	if conf.WatchArtifacts {
		if err := os.MkdirAll(conf.CalibrationDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create calibration directory: %w", err)
		}
	}
	if err := s.reload(ctx); err != nil {
		// a missing artifact is fine while watching; the calibrator may write it later
		if !conf.WatchArtifacts || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		s.logger.Warnf("No stereo calibration at %s yet, waiting for it", s.path)
	}

	if conf.WatchArtifacts {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact watcher: %w", err)
		}
		if err := watcher.Add(conf.CalibrationDir); err != nil {
			return nil, multierr.Combine(fmt.Errorf("failed to watch %s: %w", conf.CalibrationDir, err), watcher.Close())
		}
		s.watcher = watcher
		s.worker.Add(s.watchLoop)
		s.logger.Infof("Watching %s for stereo calibration changes", s.path)
	}
	return s, nil
}

func (s *poseTriangulator) Name() resource.Name {
	return s.name
}

func (s *poseTriangulator) Close(context.Context) error {
	s.worker.Stop()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// reload reads the stereo artifact and swaps in a triangulator built from it. On failure the
// previous triangulator stays in place.
func (s *poseTriangulator) reload(ctx context.Context) error {
	params, err := calibrators.LoadStereo(ctx, s.path, s.lockTimeout)
	if err != nil {
		return err
	}
	if params.Cam1ID != s.cfg.Camera1ID || params.Cam2ID != s.cfg.Camera2ID {
		return fmt.Errorf("stereo calibration at %s is for cameras %q/%q, configured %q/%q",
			s.path, params.Cam1ID, params.Cam2ID, s.cfg.Camera1ID, s.cfg.Camera2ID)
	}
	tr, err := trackers.NewTriangulator(params)
	if err != nil {
		return fmt.Errorf("failed to build triangulator: %w", err)
	}
	tr.Refine = s.cfg.RefinePoints

	s.mu.Lock()
	s.triangulator = tr
	s.mu.Unlock()
	s.logger.Infof("Loaded stereo calibration %s/%s: rms=%.4fpx baseline=%.2f",
		params.Cam1ID, params.Cam2ID, params.RMS, params.Baseline())
	return nil
}

func (s *poseTriangulator) current() (*trackers.Triangulator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.triangulator == nil {
		return nil, errNoStereoParameters
	}
	return s.triangulator, nil
}

func (s *poseTriangulator) watchLoop(ctx context.Context) {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
			s.logger.Debugf("Stereo calibration changed: %v", event)
			if err := s.reload(ctx); err != nil {
				s.logger.Errorf("Failed to reload stereo calibration: %v", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Errorf("Artifact watcher error: %v", err)
		}
	}
}

func (s *poseTriangulator) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.logger.Debugf("DoCommand: %+v", cmd)
	switch cmd["command"] {
	case "reload":
		if err := s.reload(ctx); err != nil {
			return map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
			}, nil
		}
		return map[string]interface{}{"status": "success", "path": s.path}, nil

	case "get-stereo-parameters":
		tr, err := s.current()
		if err != nil {
			return nil, err
		}
		return stereoParametersToMap(tr.StereoParameters())

	case "triangulate":
		tr, err := s.current()
		if err != nil {
			return nil, err
		}
		p1, err := parsePoints(cmd["points_1"])
		if err != nil {
			return nil, fmt.Errorf("points_1: %w", err)
		}
		p2, err := parsePoints(cmd["points_2"])
		if err != nil {
			return nil, fmt.Errorf("points_2: %w", err)
		}
		points, valid, err := tr.Triangulate(p1, p2)
		if err != nil {
			return nil, err
		}
		result := map[string]interface{}{
			"status":    "success",
			"positions": lo.Map(points, func(p r3.Vector, _ int) map[string]float64 { return utils.VectorToMap(p) }),
			"valid":     valid,
		}
		// points at infinity cannot be projected, so the error only covers valid points
		keep := func(_ r2.Point, i int) bool { return valid[i] }
		good := lo.Filter(points, func(_ r3.Vector, i int) bool { return valid[i] })
		if len(good) > 0 {
			rmse, err := tr.ReprojectionError(good, lo.Filter(p1, keep), lo.Filter(p2, keep))
			if err != nil {
				return nil, err
			}
			result["rmse"] = rmse
		}
		return result, nil

	case "track":
		tr, err := s.current()
		if err != nil {
			return nil, err
		}
		l1, err := parseLandmarks(cmd["landmarks_1"])
		if err != nil {
			return nil, fmt.Errorf("landmarks_1: %w", err)
		}
		l2, err := parseLandmarks(cmd["landmarks_2"])
		if err != nil {
			return nil, fmt.Errorf("landmarks_2: %w", err)
		}
		minVisibility := *s.cfg.MinVisibility
		if v, ok := cmd["min_visibility"].(float64); ok {
			minVisibility = utils.Clamp(v, 0, 1)
		}
		landmarks, err := tr.TriangulateLandmarks(l1, l2, minVisibility)
		if err != nil {
			return nil, err
		}
		virtual := trackers.VirtualTrackers(landmarks)
		return map[string]interface{}{
			"status": "success",
			"landmarks": lo.Map(landmarks, func(p *r3.Vector, _ int) map[string]float64 {
				if p == nil {
					return nil
				}
				return utils.VectorToMap(*p)
			}),
			"trackers": lo.Map(virtual, func(vt trackers.VirtualTracker, _ int) map[string]interface{} {
				return map[string]interface{}{
					"name":     vt.Name,
					"position": utils.VectorToMap(vt.Position),
					"rotation": map[string]float64{
						"Real": vt.Rotation.Real,
						"Imag": vt.Rotation.Imag,
						"Jmag": vt.Rotation.Jmag,
						"Kmag": vt.Rotation.Kmag,
					},
				}
			}),
		}, nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

func stereoParametersToMap(p *calibrators.StereoParameters) (map[string]interface{}, error) {
	pose, err := p.Pose()
	if err != nil {
		return nil, fmt.Errorf("failed to build camera 2 pose: %w", err)
	}
	return map[string]interface{}{
		"status":        "success",
		"camera_1_id":   p.Cam1ID,
		"camera_2_id":   p.Cam2ID,
		"k1":            utils.MatrixRows(p.K1),
		"d1":            p.D1,
		"k2":            utils.MatrixRows(p.K2),
		"d2":            p.D2,
		"r":             utils.MatrixRows(p.R),
		"t":             utils.VectorToMap(p.T),
		"rms":           p.RMS,
		"baseline_mm":   p.Baseline(),
		"rotation_deg":  utils.RadiansToDegrees(utils.RotationVector(p.R).Norm()),
		"image_size":    []int{p.ImageSize.X, p.ImageSize.Y},
		"board":         p.Board.String(),
		"camera_2_pose": utils.PoseToMap(pose),
	}, nil
}

// parsePoints reads a [[u, v], ...] list of pixel coordinates.
func parsePoints(raw interface{}) ([]r2.Point, error) {
	if raw == nil {
		return nil, errors.New("field is required")
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.New("must be an array of [u, v] pairs")
	}
	points := make([]r2.Point, len(list))
	for i, item := range list {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("point %d is not a [u, v] pair", i)
		}
		u, uok := pair[0].(float64)
		v, vok := pair[1].(float64)
		if !uok || !vok {
			return nil, fmt.Errorf("point %d must contain numbers", i)
		}
		points[i] = r2.Point{X: u, Y: v}
	}
	return points, nil
}

// parseLandmarks reads a list of {x, y, visibility} objects where null marks a missing landmark.
func parseLandmarks(raw interface{}) ([]*trackers.Landmark, error) {
	if raw == nil {
		return nil, errors.New("field is required")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var landmarks []*trackers.Landmark
	if err := json.Unmarshal(encoded, &landmarks); err != nil {
		return nil, fmt.Errorf("must be an array of {x, y, visibility} objects or null: %w", err)
	}
	return landmarks, nil
}
