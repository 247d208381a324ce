package utils

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"
)

// coverageGrid is the number of cells per image axis used to measure corner coverage.
const coverageGrid = 3

// CoverageReport summarizes how well a set of board observations spans the image.
type CoverageReport struct {
	Observations  int
	CellsCovered  int     // out of coverageGrid*coverageGrid
	CenterSpreadX float64 // std of per-view centroids, pixels
	CenterSpreadY float64
	ScaleSpread   float64 // std of per-view mean corner distance to centroid, pixels
}

// Coverage returns the fraction of image cells touched by at least one corner.
func (c CoverageReport) Coverage() float64 {
	return float64(c.CellsCovered) / float64(coverageGrid*coverageGrid)
}

// ValidateObservations checks the quality of a set of corner observations and logs warnings for
// configurations that usually calibrate poorly.
func ValidateObservations(logger logging.Logger, views [][]r2.Point, imageSize image.Point) CoverageReport {
	report := CoverageReport{Observations: len(views)}
	if len(views) == 0 || imageSize.X <= 0 || imageSize.Y <= 0 {
		return report
	}

	cells := make(map[int]struct{})
	centers := make([]r2.Point, 0, len(views))
	scales := make([]float64, 0, len(views))
	for _, view := range views {
		if len(view) == 0 {
			continue
		}
		var c r2.Point
		for _, p := range view {
			c = c.Add(p)
			cx := int(Clamp(p.X/float64(imageSize.X)*coverageGrid, 0, coverageGrid-1))
			cy := int(Clamp(p.Y/float64(imageSize.Y)*coverageGrid, 0, coverageGrid-1))
			cells[cy*coverageGrid+cx] = struct{}{}
		}
		c = c.Mul(1 / float64(len(view)))
		scale := 0.0
		for _, p := range view {
			scale += p.Sub(c).Norm()
		}
		centers = append(centers, c)
		scales = append(scales, scale/float64(len(view)))
	}
	report.CellsCovered = len(cells)

	var mx, my, ms float64
	for i := range centers {
		mx += centers[i].X
		my += centers[i].Y
		ms += scales[i]
	}
	n := float64(len(centers))
	mx, my, ms = mx/n, my/n, ms/n
	for i := range centers {
		report.CenterSpreadX += (centers[i].X - mx) * (centers[i].X - mx)
		report.CenterSpreadY += (centers[i].Y - my) * (centers[i].Y - my)
		report.ScaleSpread += (scales[i] - ms) * (scales[i] - ms)
	}
	report.CenterSpreadX = math.Sqrt(report.CenterSpreadX / n)
	report.CenterSpreadY = math.Sqrt(report.CenterSpreadY / n)
	report.ScaleSpread = math.Sqrt(report.ScaleSpread / n)

	logger.Debugf("Observation coverage: views=%d cells=%d/%d spread=(%.1f, %.1f)px scale spread=%.1fpx",
		report.Observations, report.CellsCovered, coverageGrid*coverageGrid,
		report.CenterSpreadX, report.CenterSpreadY, report.ScaleSpread)

	if report.Observations < 3 {
		logger.Warnf("Only %d observations, at least 3 are required", report.Observations)
	}
	if report.Coverage() < 0.5 {
		logger.Warnf("Corners cover %.0f%% of the image, move the board towards the edges", 100*report.Coverage())
	}
	if report.Observations > 1 && report.CenterSpreadX < 1 && report.CenterSpreadY < 1 && report.ScaleSpread < 1 {
		logger.Warnf("All observations show the board in the same place, focal length will be poorly constrained")
	}
	return report
}
