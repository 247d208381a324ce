package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"stereoposetracker/calibrators"
	"stereoposetracker/chessboard"
	"stereoposetracker/corners"
	"stereoposetracker/store"
	"time"

	"github.com/disintegration/imaging"
	"github.com/erh/vmodutils"
	"github.com/golang/geo/r2"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
)

const (
	flagCols       = "cols"
	flagRows       = "rows"
	flagSquareSize = "square-size"
	flagDetector   = "detector"
	flagDir        = "calibration-dir"
	flagOutput     = "output"
	flagDPI        = "dpi"
	flagLandscape  = "landscape"
	flagCamera     = "camera"
	flagCount      = "count"
	flagInterval   = "interval"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	logger := logging.NewLogger("cli")

	boardFlags := []cli.Flag{
		&cli.IntFlag{Name: flagCols, Value: chessboard.DefaultCols, Usage: "inner corners per row"},
		&cli.IntFlag{Name: flagRows, Value: chessboard.DefaultRows, Usage: "inner corners per column"},
		&cli.Float64Flag{Name: flagSquareSize, Value: chessboard.DefaultSquareSize, Usage: "square edge in mm"},
	}
	calibrationFlags := append([]cli.Flag{
		&cli.StringFlag{Name: flagDetector, Value: corners.DefaultDetector, Usage: "corner detector to use"},
		&cli.StringFlag{Name: flagDir, Required: true, Usage: "directory holding calibration artifacts"},
	}, boardFlags...)

	app := &cli.App{
		Name:  "stereo-pose-tracker",
		Usage: "calibrate stereo camera pairs offline",
		Commands: []*cli.Command{
			{
				Name:  "board",
				Usage: "render a printable A4 chessboard",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: flagOutput, Value: "chessboard.png"},
					&cli.IntFlag{Name: flagDPI, Value: 300},
					&cli.BoolFlag{Name: flagLandscape},
				}, boardFlags...),
				Action: func(c *cli.Context) error {
					return boardAction(c, logger)
				},
			},
			{
				Name:      "intrinsics",
				Usage:     "calibrate one camera from a directory of board images",
				ArgsUsage: "<camera-id> <image-dir>",
				Flags:     calibrationFlags,
				Action: func(c *cli.Context) error {
					return intrinsicsAction(c, logger)
				},
			},
			{
				Name:      "stereo",
				Usage:     "calibrate a camera pair from two directories of synchronized board images",
				ArgsUsage: "<camera-1-id> <image-dir-1> <camera-2-id> <image-dir-2>",
				Flags:     calibrationFlags,
				Action: func(c *cli.Context) error {
					return stereoAction(c, logger)
				},
			},
			{
				Name:      "capture",
				Usage:     "save frames from a machine camera, connecting with the VIAM_* environment",
				ArgsUsage: "<output-dir>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagCamera, Required: true},
					&cli.IntFlag{Name: flagCount, Value: 20},
					&cli.DurationFlag{Name: flagInterval, Value: time.Second},
				},
				Action: func(c *cli.Context) error {
					return captureAction(c, logger)
				},
			},
		},
	}
	return app.Run(os.Args)
}

func boardFromFlags(c *cli.Context) chessboard.Geometry {
	return chessboard.Geometry{
		Cols:       c.Int(flagCols),
		Rows:       c.Int(flagRows),
		SquareSize: c.Float64(flagSquareSize),
	}
}

func boardAction(c *cli.Context, logger logging.Logger) error {
	board := boardFromFlags(c)
	img, err := chessboard.RenderPrintable(board, c.Int(flagDPI), c.Bool(flagLandscape))
	if err != nil {
		return err
	}
	if err := imaging.Save(img, c.String(flagOutput)); err != nil {
		return err
	}
	logger.Infof("Wrote %s board to %s", board, c.String(flagOutput))
	return nil
}

// listImages returns the images in dir sorted by name, which pairs frames across cameras.
func listImages(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.png", "*.jpg", "*.jpeg"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

func intrinsicsAction(c *cli.Context, logger logging.Logger) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected <camera-id> <image-dir>, got %d arguments", c.NArg())
	}
	id, dir := c.Args().Get(0), c.Args().Get(1)
	board := boardFromFlags(c)
	detector, err := corners.New(c.String(flagDetector), board, logger)
	if err != nil {
		return err
	}
	calib, err := calibrators.NewMonocularCalibrator(board, detector, logger)
	if err != nil {
		return err
	}

	files, err := listImages(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		img, err := imaging.Open(f)
		if err != nil {
			return err
		}
		logger.Infof("%s: found=%v", filepath.Base(f), calib.AddObservation(img))
	}

	rms, err := calib.Calibrate(image.Point{})
	if err != nil {
		return err
	}
	path := store.Store{Dir: c.String(flagDir)}.IntrinsicsPath(id)
	if err := calib.Save(c.Context, path); err != nil {
		return err
	}
	logger.Infof("Calibrated %s from %d views: rms=%.4fpx, saved to %s", id, calib.Len(), rms, path)
	return nil
}

func stereoAction(c *cli.Context, logger logging.Logger) error {
	if c.NArg() != 4 {
		return fmt.Errorf("expected <camera-1-id> <image-dir-1> <camera-2-id> <image-dir-2>, got %d arguments", c.NArg())
	}
	id1, dir1, id2, dir2 := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3)
	board := boardFromFlags(c)
	detector, err := corners.New(c.String(flagDetector), board, logger)
	if err != nil {
		return err
	}
	st := store.Store{Dir: c.String(flagDir)}
	cam1, err := calibrators.LoadIntrinsics(c.Context, st.IntrinsicsPath(id1), store.DefaultLockTimeout)
	if err != nil {
		return err
	}
	cam2, err := calibrators.LoadIntrinsics(c.Context, st.IntrinsicsPath(id2), store.DefaultLockTimeout)
	if err != nil {
		return err
	}

	files1, err := listImages(dir1)
	if err != nil {
		return err
	}
	files2, err := listImages(dir2)
	if err != nil {
		return err
	}
	if len(files1) != len(files2) {
		return fmt.Errorf("%s has %d images but %s has %d", dir1, len(files1), dir2, len(files2))
	}

	var pts1, pts2 [][]r2.Point
	var size image.Point
	for i := range files1 {
		img1, err := imaging.Open(files1[i])
		if err != nil {
			return err
		}
		img2, err := imaging.Open(files2[i])
		if err != nil {
			return err
		}
		if img1.Bounds().Size() != img2.Bounds().Size() {
			return fmt.Errorf("%s and %s differ in size", files1[i], files2[i])
		}
		c1, found1 := detector.Detect(img1)
		c2, found2 := detector.Detect(img2)
		logger.Infof("%s / %s: found=%v/%v", filepath.Base(files1[i]), filepath.Base(files2[i]), found1, found2)
		if !found1 || !found2 {
			continue
		}
		pts1, pts2 = append(pts1, c1), append(pts2, c2)
		size = img1.Bounds().Size()
	}
	if len(pts1) < calibrators.RecommendedStereoFrames {
		logger.Warnf("Only %d stereo pairs, at least %d are recommended", len(pts1), calibrators.RecommendedStereoFrames)
	}

	params, err := calibrators.StereoCalibrate(logger, pts1, pts2, board, cam1, cam2, size, id1, id2)
	if err != nil {
		return err
	}
	path := st.StereoPath(id1, id2)
	if err := calibrators.SaveStereo(c.Context, path, params, store.DefaultLockTimeout); err != nil {
		return err
	}
	logger.Infof("Stereo calibrated %s/%s from %d pairs: rms=%.4fpx baseline=%.2fmm, saved to %s",
		id1, id2, len(pts1), params.RMS, params.Baseline(), path)
	return nil
}

func captureAction(c *cli.Context, logger logging.Logger) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected <output-dir>, got %d arguments", c.NArg())
	}
	outDir := c.Args().First()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	ctx := c.Context
	machine, err := vmodutils.ConnectToMachineFromEnv(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to machine: %w", err)
	}
	defer machine.Close(context.Background())

	cam, err := camera.FromRobot(machine, c.String(flagCamera))
	if err != nil {
		return err
	}

	for i := 0; i < c.Int(flagCount); i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Duration(flagInterval)):
			}
		}
		imgs, _, err := cam.Images(ctx, nil, nil)
		if err != nil {
			return err
		}
		for _, named := range imgs {
			img, err := named.Image(ctx)
			if err != nil {
				return err
			}
			name := fmt.Sprintf("%s_%03d.png", store.SanitizeID(named.SourceName), i)
			if err := imaging.Save(img, filepath.Join(outDir, name)); err != nil {
				return err
			}
			logger.Infof("Saved %s", name)
		}
	}
	return nil
}
