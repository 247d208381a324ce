package corners

import (
	"math"
	"sort"
	"stereoposetracker/utils"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// snap tolerances as a fraction of the local grid spacing
const (
	coarseSnapTolerance = 0.45
	fineSnapTolerance   = 0.3
)

// orderGrid arranges unordered corner candidates into a cols x rows grid. The outer quadrilateral
// of the candidates fixes a projective map from grid indices to the image; every grid node must
// then have exactly one candidate near its predicted position. Of the symmetric solutions, the
// one whose first corner is closest to the image's top-left wins. It also returns the smallest
// predicted spacing between neighboring nodes.
func orderGrid(pts []r2.Point, cols, rows int) ([]r2.Point, float64, bool) {
	if len(pts) != cols*rows {
		return nil, 0, false
	}
	quad, ok := outerQuad(pts)
	if !ok {
		return nil, 0, false
	}

	gridQuad := []r2.Point{
		{X: 0, Y: 0},
		{X: float64(cols - 1), Y: 0},
		{X: float64(cols - 1), Y: float64(rows - 1)},
		{X: 0, Y: float64(rows - 1)},
	}

	type solution struct {
		ordered []r2.Point
		spacing float64
		score   float64
		start   r2.Point
	}
	var solutions []solution
	for s := 0; s < 4; s++ {
		img := []r2.Point{quad[s], quad[(s+1)%4], quad[(s+2)%4], quad[(s+3)%4]}
		h, err := utils.FindHomography(gridQuad, img)
		if err != nil {
			continue
		}
		ordered, spacing, score, ok := snapToGrid(pts, h, cols, rows, coarseSnapTolerance)
		if !ok {
			continue
		}
		// refit on every node to absorb lens distortion, then snap again
		if h2, err := utils.FindHomography(gridNodes(cols, rows), ordered); err == nil {
			if o2, sp2, sc2, ok2 := snapToGrid(pts, h2, cols, rows, fineSnapTolerance); ok2 {
				ordered, spacing, score = o2, sp2, sc2
			}
		}
		solutions = append(solutions, solution{ordered: ordered, spacing: spacing, score: score, start: ordered[0]})
	}
	if len(solutions) == 0 {
		return nil, 0, false
	}

	best := math.Inf(1)
	for _, sol := range solutions {
		best = math.Min(best, sol.score)
	}
	var chosen *solution
	for i := range solutions {
		sol := &solutions[i]
		if sol.score > best*(1+1e-6)+1e-9 {
			continue
		}
		if chosen == nil || sol.start.X+sol.start.Y < chosen.start.X+chosen.start.Y {
			chosen = sol
		}
	}
	return chosen.ordered, chosen.spacing, true
}

func gridNodes(cols, rows int) []r2.Point {
	nodes := make([]r2.Point, 0, cols*rows)
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			nodes = append(nodes, r2.Point{X: float64(i), Y: float64(j)})
		}
	}
	return nodes
}

// snapToGrid assigns each grid node the unique candidate nearest to its predicted position.
func snapToGrid(pts []r2.Point, h *mat.Dense, cols, rows int, tolerance float64) ([]r2.Point, float64, float64, bool) {
	nodes := gridNodes(cols, rows)
	predicted := make([]r2.Point, len(nodes))
	for k, node := range nodes {
		predicted[k] = utils.ApplyHomography(h, node)
		if !utils.IsFinitePoint(predicted[k]) {
			return nil, 0, 0, false
		}
	}

	used := make([]bool, len(pts))
	ordered := make([]r2.Point, len(nodes))
	score := 0.0
	minSpacing := math.Inf(1)
	for k := range nodes {
		i, j := k%cols, k/cols
		local := math.Inf(1)
		if i > 0 {
			local = math.Min(local, predicted[k].Sub(predicted[k-1]).Norm())
		}
		if i < cols-1 {
			local = math.Min(local, predicted[k].Sub(predicted[k+1]).Norm())
		}
		if j > 0 {
			local = math.Min(local, predicted[k].Sub(predicted[k-cols]).Norm())
		}
		if j < rows-1 {
			local = math.Min(local, predicted[k].Sub(predicted[k+cols]).Norm())
		}
		minSpacing = math.Min(minSpacing, local)

		bestIdx, bestDist := -1, math.Inf(1)
		for c, p := range pts {
			if d := p.Sub(predicted[k]).Norm(); d < bestDist {
				bestIdx, bestDist = c, d
			}
		}
		if bestIdx < 0 || used[bestIdx] || bestDist > tolerance*local {
			return nil, 0, 0, false
		}
		used[bestIdx] = true
		ordered[k] = pts[bestIdx]
		score += bestDist * bestDist
	}
	return ordered, minSpacing, score, true
}

// outerQuad reduces the convex hull of pts to its four dominant vertices, oriented so the
// shoelace sum is positive in image coordinates (clockwise on screen).
func outerQuad(pts []r2.Point) ([]r2.Point, bool) {
	hull := convexHull(pts)
	if len(hull) < 4 {
		return nil, false
	}
	for len(hull) > 4 {
		minIdx, minArea := 0, math.Inf(1)
		for i := range hull {
			prev := hull[(i+len(hull)-1)%len(hull)]
			next := hull[(i+1)%len(hull)]
			if a := math.Abs(hull[i].Sub(prev).Cross(next.Sub(prev))); a < minArea {
				minIdx, minArea = i, a
			}
		}
		hull = append(hull[:minIdx], hull[minIdx+1:]...)
	}
	if signedArea(hull) < 0 {
		hull[1], hull[3] = hull[3], hull[1]
	}
	if signedArea(hull) <= 0 {
		return nil, false
	}
	return hull, true
}

func signedArea(poly []r2.Point) float64 {
	sum := 0.0
	for i := range poly {
		j := (i + 1) % len(poly)
		sum += poly[i].X*poly[j].Y - poly[j].X*poly[i].Y
	}
	return sum / 2
}

// convexHull is Andrew's monotone chain; collinear points are dropped.
func convexHull(pts []r2.Point) []r2.Point {
	if len(pts) < 3 {
		return nil
	}
	sorted := append([]r2.Point(nil), pts...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})
	cross := func(o, a, b r2.Point) float64 {
		return a.Sub(o).Cross(b.Sub(o))
	}
	hull := make([]r2.Point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}
