package models

import (
	"context"
	"errors"
	"image"
	"image/color"
	"stereoposetracker/chessboard"
	"stereoposetracker/corners"
	"sync"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

var BoardCamera = resource.NewModel("viam", "stereo-pose-tracker", "board-camera")

func init() {
	resource.RegisterComponent(camera.API, BoardCamera,
		resource.Registration[camera.Camera, *BoardCameraConfig]{
			Constructor: newBoardCamera,
		},
	)
}

type BoardCameraConfig struct {
	CameraName   string  `json:"camera_name"`
	BoardCols    int     `json:"board_cols,omitempty"`
	BoardRows    int     `json:"board_rows,omitempty"`
	SquareSizeMM float64 `json:"square_size_mm,omitempty"`
	Detector     string  `json:"detector,omitempty"`
	FoundColor   string  `json:"found_color,omitempty"`   // Color when the whole board is found
	MissingColor string  `json:"missing_color,omitempty"` // Color when it is not
	MarkerSize   int     `json:"marker_size,omitempty"`   // Half length of the cross drawn on each corner
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit dependencies based on the config.
// The path is the JSON path in your robot's config (not the `Config` struct) to the
// resource being validated; e.g. "components.0".
func (cfg *BoardCameraConfig) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	// Set defaults
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
	if cfg.FoundColor == "" {
		cfg.FoundColor = "green"
	}
	if cfg.MissingColor == "" {
		cfg.MissingColor = "red"
	}
	if cfg.MarkerSize == 0 {
		cfg.MarkerSize = 4
	}
	return []string{cfg.CameraName}, nil, nil
}

func (cfg *BoardCameraConfig) board() chessboard.Geometry {
	return chessboard.Geometry{Cols: cfg.BoardCols, Rows: cfg.BoardRows, SquareSize: cfg.SquareSizeMM}
}

type boardCamera struct {
	name   resource.Name
	logger logging.Logger

	mu            sync.RWMutex
	cfg           *BoardCameraConfig
	underlyingCam camera.Camera
	detector      corners.Detector
	foundColor    color.Color
	missingColor  color.Color
}

func newBoardCamera(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (camera.Camera, error) {
	s := &boardCamera{
		name:   rawConf.ResourceName(),
		logger: logger,
	}
	if err := s.Reconfigure(ctx, deps, rawConf); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *boardCamera) Reconfigure(ctx context.Context, deps resource.Dependencies, rawConf resource.Config) error {
	conf, err := resource.NativeConfig[*BoardCameraConfig](rawConf)
	if err != nil {
		return err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return err
	}
	detector, err := corners.New(conf.Detector, conf.board(), s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = conf
	s.underlyingCam = cam
	s.detector = detector
	s.foundColor = parseColor(conf.FoundColor)
	s.missingColor = parseColor(conf.MissingColor)
	return nil
}

func (s *boardCamera) Name() resource.Name {
	return s.name
}

func (s *boardCamera) Close(context.Context) error {
	return nil
}

func (s *boardCamera) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

// drawBoard runs the detector on img and draws the corners it found.
func (s *boardCamera) drawBoard(img image.Image) (image.Image, bool) {
	pts, found := s.detector.Detect(img)
	c := s.missingColor
	if found {
		c = s.foundColor
	}
	return corners.Draw(img, pts, found, c, s.cfg.MarkerSize), found
}

// parseColor converts color string to color.Color
func parseColor(colorName string) color.Color {
	switch colorName {
	case "red":
		return color.RGBA{R: 255, G: 0, B: 0, A: 255}
	case "green":
		return color.RGBA{R: 0, G: 255, B: 0, A: 255}
	case "blue":
		return color.RGBA{R: 0, G: 0, B: 255, A: 255}
	case "white":
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	case "black":
		return color.RGBA{R: 0, G: 0, B: 0, A: 255}
	case "yellow":
		return color.RGBA{R: 255, G: 255, B: 0, A: 255}
	case "cyan":
		return color.RGBA{R: 0, G: 255, B: 255, A: 255}
	case "magenta":
		return color.RGBA{R: 255, G: 0, B: 255, A: 255}
	default:
		return color.RGBA{R: 255, G: 0, B: 0, A: 255} // Default to red
	}
}

func (s *boardCamera) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

func (s *boardCamera) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	return nil, camera.ImageMetadata{}, errors.New("image not implemented, use Images")
}

func (s *boardCamera) Images(ctx context.Context, filterSourceNames []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	imgs, meta, err := s.underlyingCam.Images(ctx, filterSourceNames, extra)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}

	resultImgs := make([]camera.NamedImage, len(imgs))
	for i, namedImg := range imgs {
		img, err := namedImg.Image(ctx)
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}

		overlay, found := s.drawBoard(img)
		s.logger.Debugf("Board %s in %q: found=%v", s.cfg.board(), namedImg.SourceName, found)

		resultImg, err := camera.NamedImageFromImage(overlay, namedImg.SourceName, namedImg.MimeType(), namedImg.Annotations)
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		resultImgs[i] = resultImg
	}

	return resultImgs, meta, nil
}

func (s *boardCamera) NextPointCloud(ctx context.Context, extra map[string]interface{}) (pointcloud.PointCloud, error) {
	return nil, errors.New("next point cloud not implemented")
}

func (s *boardCamera) Properties(ctx context.Context) (camera.Properties, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.underlyingCam.Properties(ctx)
}
