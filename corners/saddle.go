package corners

import (
	"image"
	"math"
	"sort"
	"stereoposetracker/chessboard"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"
)

// Sub-pixel refinement defaults, matching cornerSubPix with an 11x11 half window.
const (
	defaultBlurSigma     = 1.5
	defaultSubPixWindow  = 11
	defaultSubPixIters   = 30
	defaultSubPixEpsilon = 0.001
	nmsRadius            = 3
	// weakest accepted corner response relative to the strongest
	minRelativeResponse = 0.1
)

// SaddleDetector finds checkerboard X-corners as saddle points of the smoothed intensity surface,
// orders them into the board grid and refines them to sub-pixel accuracy.
type SaddleDetector struct {
	board  chessboard.Geometry
	logger logging.Logger

	BlurSigma     float64
	SubPixWindow  int
	SubPixIters   int
	SubPixEpsilon float64
}

// NewSaddleDetector returns a detector for the given board.
func NewSaddleDetector(board chessboard.Geometry, logger logging.Logger) (*SaddleDetector, error) {
	if err := board.Validate(); err != nil {
		return nil, err
	}
	return &SaddleDetector{
		board:         board,
		logger:        logger,
		BlurSigma:     defaultBlurSigma,
		SubPixWindow:  defaultSubPixWindow,
		SubPixIters:   defaultSubPixIters,
		SubPixEpsilon: defaultSubPixEpsilon,
	}, nil
}

type saddle struct {
	p        r2.Point
	response float64
}

// Detect implements Detector.
func (d *SaddleDetector) Detect(img image.Image) ([]r2.Point, bool) {
	if img == nil {
		return nil, false
	}
	b := img.Bounds()
	n := d.board.Count()
	if b.Dx() < 8 || b.Dy() < 8 {
		return nil, false
	}

	gray := imaging.Grayscale(img)
	smooth := planeFromImage(imaging.Blur(gray, d.BlurSigma))
	candidates := d.saddles(smooth)
	if len(candidates) < n {
		d.logger.Debugf("found %d saddle candidates, need %d", len(candidates), n)
		return nil, false
	}
	candidates = candidates[:n]
	if candidates[n-1].response < minRelativeResponse*candidates[0].response {
		d.logger.Debugf("weakest corner response %.1f is below %.0f%% of the strongest %.1f",
			candidates[n-1].response, 100*minRelativeResponse, candidates[0].response)
		return nil, false
	}

	pts := make([]r2.Point, n)
	for i, c := range candidates {
		pts[i] = c.p
	}
	ordered, spacing, ok := orderGrid(pts, d.board.Cols, d.board.Rows)
	if !ok {
		d.logger.Debug("corner candidates do not form the board grid")
		return nil, false
	}

	raw := planeFromImage(gray)
	half := int(math.Min(float64(d.SubPixWindow), math.Max(2, math.Floor(0.4*spacing))))
	for i, p := range ordered {
		ordered[i] = refineCorner(raw, p, half, d.SubPixIters, d.SubPixEpsilon)
	}
	return ordered, true
}

// saddles returns local maxima of the saddle response Ixy² − Ixx·Iyy, strongest first.
func (d *SaddleDetector) saddles(p *plane) []saddle {
	margin := int(math.Max(2, math.Ceil(2*d.BlurSigma)))
	resp := make([]float64, p.w*p.h)
	for y := margin; y < p.h-margin; y++ {
		for x := margin; x < p.w-margin; x++ {
			c := p.at(x, y)
			ixx := p.at(x+1, y) - 2*c + p.at(x-1, y)
			iyy := p.at(x, y+1) - 2*c + p.at(x, y-1)
			ixy := (p.at(x+1, y+1) - p.at(x+1, y-1) - p.at(x-1, y+1) + p.at(x-1, y-1)) / 4
			if s := ixy*ixy - ixx*iyy; s > 0 {
				resp[y*p.w+x] = s
			}
		}
	}

	var out []saddle
	for y := margin; y < p.h-margin; y++ {
		for x := margin; x < p.w-margin; x++ {
			s := resp[y*p.w+x]
			if s == 0 || !isLocalMax(resp, p.w, p.h, x, y, nmsRadius) {
				continue
			}
			out = append(out, saddle{p: quadraticPeak(resp, p.w, x, y), response: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].response > out[j].response })
	return out
}

// isLocalMax is a strict maximum test; plateaus keep their first pixel in raster order.
func isLocalMax(resp []float64, w, h, x, y, r int) bool {
	s := resp[y*w+x]
	for dy := -r; dy <= r; dy++ {
		yy := y + dy
		if yy < 0 || yy >= h {
			continue
		}
		for dx := -r; dx <= r; dx++ {
			xx := x + dx
			if xx < 0 || xx >= w || (dx == 0 && dy == 0) {
				continue
			}
			v := resp[yy*w+xx]
			if v > s || (v == s && (dy < 0 || (dy == 0 && dx < 0))) {
				return false
			}
		}
	}
	return true
}

// quadraticPeak fits a parabola through the response along each axis.
func quadraticPeak(resp []float64, w, x, y int) r2.Point {
	c := resp[y*w+x]
	offset := func(l, r float64) float64 {
		den := l - 2*c + r
		if den >= 0 {
			return 0
		}
		return math.Max(-0.5, math.Min(0.5, 0.5*(l-r)/den))
	}
	return r2.Point{
		X: float64(x) + offset(resp[y*w+x-1], resp[y*w+x+1]),
		Y: float64(y) + offset(resp[(y-1)*w+x], resp[(y+1)*w+x]),
	}
}
