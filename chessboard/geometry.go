// Package chessboard describes the planar checkerboard target used for calibration.
package chessboard

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Defaults match the printed A4 target.
const (
	DefaultCols       = 6
	DefaultRows       = 9
	DefaultSquareSize = 20.0
)

var errInvalidGeometry = errors.New("invalid board geometry")

// Geometry is the inner-corner layout of a checkerboard. Cols is the number of inner corners per row
// (the axis that varies fastest in ObjectPoints), Rows the number of rows. SquareSize is in the unit
// every downstream translation will be expressed in (millimeters by convention).
type Geometry struct {
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	SquareSize float64 `json:"square_size"`
}

// DefaultGeometry is the 6x9, 20mm board.
func DefaultGeometry() Geometry {
	return Geometry{Cols: DefaultCols, Rows: DefaultRows, SquareSize: DefaultSquareSize}
}

// Validate checks the board invariants.
func (g Geometry) Validate() error {
	if g.Cols < 2 || g.Rows < 2 {
		return fmt.Errorf("%w: need at least 2x2 inner corners, got %dx%d", errInvalidGeometry, g.Cols, g.Rows)
	}
	if !(g.SquareSize > 0) || math.IsInf(g.SquareSize, 0) {
		return fmt.Errorf("%w: square size must be positive, got %v", errInvalidGeometry, g.SquareSize)
	}
	return nil
}

// Count is the number of inner corners.
func (g Geometry) Count() int {
	return g.Cols * g.Rows
}

// ObjectPoints returns the board corners on the Z=0 plane. Point k sits at column k%Cols and row
// k/Cols, so the column index varies fastest. Every detector in this module enumerates corners in
// the same order.
func (g Geometry) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, g.Count())
	for j := 0; j < g.Rows; j++ {
		for i := 0; i < g.Cols; i++ {
			pts = append(pts, r3.Vector{X: float64(i) * g.SquareSize, Y: float64(j) * g.SquareSize})
		}
	}
	return pts
}

// GridIndex returns the column and row of corner k.
func (g Geometry) GridIndex(k int) (col, row int) {
	return k % g.Cols, k / g.Cols
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d@%g", g.Cols, g.Rows, g.SquareSize)
}
