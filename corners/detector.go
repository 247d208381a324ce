// Package corners finds checkerboard inner corners in images.
package corners

import (
	"fmt"
	"image"
	"slices"
	"stereoposetracker/chessboard"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/samber/lo"
	"go.viam.com/rdk/logging"
)

// DefaultDetector is the detector used when none is configured.
const DefaultDetector = "saddle"

// Detector finds the inner corners of a checkerboard. On success it returns exactly
// board.Count() sub-pixel corners, ordered like chessboard.Geometry.ObjectPoints: row by row,
// columns varying fastest, starting from the corner closest to the image's top-left.
type Detector interface {
	Detect(img image.Image) ([]r2.Point, bool)
}

// Factory builds a detector for a board.
type Factory func(board chessboard.Geometry, logger logging.Logger) (Detector, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		DefaultDetector: func(board chessboard.Geometry, logger logging.Logger) (Detector, error) {
			return NewSaddleDetector(board, logger)
		},
	}
)

// Register makes a detector available by name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Available lists the registered detector names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := lo.Keys(registry)
	slices.Sort(names)
	return names
}

// New builds the named detector, falling back to DefaultDetector for an empty name.
func New(name string, board chessboard.Geometry, logger logging.Logger) (Detector, error) {
	if name == "" {
		name = DefaultDetector
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown corner detector %q, available: %v", name, Available())
	}
	return f(board, logger)
}
