package calibrators

import (
	"context"
	"fmt"
	"image"
	"math"
	"stereoposetracker/chessboard"
	"stereoposetracker/store"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// SaveStereo writes params to path.
func SaveStereo(ctx context.Context, path string, params *StereoParameters, lockTimeout time.Duration) error {
	if params == nil {
		return ErrNotCalibrated
	}
	a := store.Arrays{}
	a.SetMatrix("k1", params.K1)
	a.SetVector("d1", params.D1)
	a.SetMatrix("k2", params.K2)
	a.SetVector("d2", params.D2)
	a.SetMatrix("r", params.R)
	a.SetMatrix("t", mat.NewDense(3, 1, []float64{params.T.X, params.T.Y, params.T.Z}))
	a.SetMatrix("r1", params.R1)
	a.SetMatrix("r2", params.R2)
	a.SetMatrix("p1", params.P1)
	a.SetMatrix("p2", params.P2)
	a.SetMatrix("q", params.Q)
	a.SetScalar("rms", params.RMS)
	a.SetVector("board_size", []float64{float64(params.Board.Cols), float64(params.Board.Rows)})
	a.SetScalar("square_size", params.Board.SquareSize)
	a.SetVector("image_size", []float64{float64(params.ImageSize.X), float64(params.ImageSize.Y)})
	a.SetString("cam1_id", params.Cam1ID)
	a.SetString("cam2_id", params.Cam2ID)
	if err := store.Save(ctx, path, a, lockTimeout); err != nil {
		return fmt.Errorf("failed to save stereo parameters: %w", err)
	}
	return nil
}

// LoadStereo reads the stereo parameters stored at path.
func LoadStereo(ctx context.Context, path string, lockTimeout time.Duration) (*StereoParameters, error) {
	a, err := store.Load(ctx, path, lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to load stereo parameters: %w", err)
	}
	return stereoFromArrays(a)
}

func stereoFromArrays(a store.Arrays) (*StereoParameters, error) {
	p := &StereoParameters{}
	matrices := []struct {
		name       string
		dst        **mat.Dense
		rows, cols int
	}{
		{"k1", &p.K1, 3, 3},
		{"k2", &p.K2, 3, 3},
		{"r", &p.R, 3, 3},
		{"r1", &p.R1, 3, 3},
		{"r2", &p.R2, 3, 3},
		{"p1", &p.P1, 3, 4},
		{"p2", &p.P2, 3, 4},
		{"q", &p.Q, 4, 4},
	}
	for _, m := range matrices {
		v, err := a.Matrix(m.name)
		if err != nil {
			return nil, err
		}
		if r, c := v.Dims(); r != m.rows || c != m.cols {
			return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d", store.ErrArtifactCorrupt, m.name, r, c, m.rows, m.cols)
		}
		*m.dst = v
	}

	var err error
	if p.D1, err = a.Vector("d1"); err != nil {
		return nil, err
	}
	if p.D2, err = a.Vector("d2"); err != nil {
		return nil, err
	}
	t, err := a.Vector("t")
	if err != nil {
		return nil, err
	}
	if len(t) != 3 {
		return nil, fmt.Errorf("%w: t has %d elements", store.ErrArtifactCorrupt, len(t))
	}
	p.T = r3.Vector{X: t[0], Y: t[1], Z: t[2]}
	if p.RMS, err = a.Scalar("rms"); err != nil {
		return nil, err
	}

	board, err := a.Vector("board_size")
	if err != nil {
		return nil, err
	}
	size, err := a.Vector("image_size")
	if err != nil {
		return nil, err
	}
	if len(board) != 2 || len(size) != 2 {
		return nil, fmt.Errorf("%w: board_size and image_size must have two elements", store.ErrArtifactCorrupt)
	}
	square, err := a.Scalar("square_size")
	if err != nil {
		return nil, err
	}
	p.Board = chessboard.Geometry{Cols: int(math.Round(board[0])), Rows: int(math.Round(board[1])), SquareSize: square}
	p.ImageSize = image.Point{X: int(math.Round(size[0])), Y: int(math.Round(size[1]))}
	if p.Cam1ID, err = a.String("cam1_id"); err != nil {
		return nil, err
	}
	if p.Cam2ID, err = a.String("cam2_id"); err != nil {
		return nil, err
	}

	if _, _, err := p.Models(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrArtifactCorrupt, err)
	}
	if p.Baseline() <= 1e-9 {
		return nil, fmt.Errorf("%w: zero baseline", store.ErrArtifactCorrupt)
	}
	if !isRotation(p.R, 1e-6) {
		return nil, fmt.Errorf("%w: r is not a rotation matrix", store.ErrArtifactCorrupt)
	}
	if math.IsNaN(p.RMS) || math.IsInf(p.RMS, 0) || p.RMS < 0 {
		return nil, fmt.Errorf("%w: invalid rms %v", store.ErrArtifactCorrupt, p.RMS)
	}
	return p, nil
}

// isRotation reports whether r is orthonormal with determinant +1 within tol.
func isRotation(r mat.Matrix, tol float64) bool {
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if v := rtr.At(i, j); math.IsNaN(v) || math.Abs(v-want) > tol {
				return false
			}
		}
	}
	return math.Abs(mat.Det(r)-1) <= tol
}
